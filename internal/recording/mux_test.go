package recording

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

type identityCodec struct{}

func (identityCodec) Decode(frame []byte) (bool, error) { return false, nil }
func (identityCodec) Encode(frame []byte, forceKeyframe bool) ([]byte, error) {
	return frame, nil
}

func TestToIntraOffsetBounds(t *testing.T) {
	v, err := toIntraOffset(32767)
	require.NoError(t, err)
	require.Equal(t, int16(32767), v)

	_, err = toIntraOffset(32768)
	require.Error(t, err)

	v2, err := toIntraOffset(-32768)
	require.NoError(t, err)
	require.Equal(t, int16(-32768), v2)

	_, err = toIntraOffset(-32769)
	require.Error(t, err)
}

func decodeTopLevelTags(t *testing.T, buf []byte) []Tag {
	t.Helper()
	r := bytes.NewReader(buf)
	tr := newTagReader(r, 0)
	var out []Tag
	for {
		tag, err := tr.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, tag)
	}
	return out
}

func TestMuxerFirstBlockOpensClusterAtRebasedZero(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMuxer(&buf, identityCodec{}, 1000)

	require.NoError(t, mux.WriteBlock(1000, []byte{0x01}))

	tags := decodeTopLevelTags(t, buf.Bytes())
	require.Len(t, tags, 3) // Cluster(Start), Timestamp, SimpleBlock
	require.Equal(t, idCluster, tags[0].ID)
	require.Equal(t, KindMasterStart, tags[0].Kind)
	require.Equal(t, idTimestamp, tags[1].ID)
	require.Equal(t, uint64(0), bigEndianUint(tags[1].Value))
	require.Equal(t, idSimpleBlock, tags[2].ID)

	_, timecode, flags, frame, err := parseBlockHeader(tags[2].Value)
	require.NoError(t, err)
	require.Equal(t, int16(0), timecode)
	require.Equal(t, byte(0x80), flags&0x80) // first block is always forced keyframe
	require.Equal(t, []byte{0x01}, frame)
}

func TestMuxerOpensNewClusterWhenOffsetOverflowsInt16(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMuxer(&buf, identityCodec{}, 1000)

	require.NoError(t, mux.WriteBlock(1000, []byte{0x01}))
	require.NoError(t, mux.WriteBlock(1000+40000, []byte{0x02})) // relative offset 40000 overflows int16

	tags := decodeTopLevelTags(t, buf.Bytes())
	var clusterStarts, timestamps []Tag
	for _, tag := range tags {
		switch tag.ID {
		case idCluster:
			if tag.Kind == KindMasterStart {
				clusterStarts = append(clusterStarts, tag)
			}
		case idTimestamp:
			timestamps = append(timestamps, tag)
		}
	}
	require.Len(t, clusterStarts, 2)
	require.Len(t, timestamps, 2)
	require.Equal(t, uint64(0), bigEndianUint(timestamps[0].Value))
	require.Equal(t, uint64(40000), bigEndianUint(timestamps[1].Value))
}

func TestMuxerKeepsSameClusterWhenOffsetFits(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMuxer(&buf, identityCodec{}, 1000)

	require.NoError(t, mux.WriteBlock(1000, []byte{0x01}))
	require.NoError(t, mux.WriteBlock(1100, []byte{0x02})) // relative offset 100, well within int16

	tags := decodeTopLevelTags(t, buf.Bytes())
	var clusterStarts int
	for _, tag := range tags {
		if tag.ID == idCluster && tag.Kind == KindMasterStart {
			clusterStarts++
		}
	}
	require.Equal(t, 1, clusterStarts)
}

func TestMuxerWriteHeadersReserializesMastersAndLeaves(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMuxer(&buf, identityCodec{}, 0)

	headers := []Tag{
		{ID: idEBML, Kind: KindMasterFull, Value: []byte{}},
		{ID: idSegment, Kind: KindMasterStart},
	}
	require.NoError(t, mux.WriteHeaders(headers))

	tags := decodeTopLevelTags(t, buf.Bytes())
	require.Len(t, tags, 2)
	require.Equal(t, idEBML, tags[0].ID)
	require.Equal(t, KindMasterFull, tags[0].Kind)
	require.Equal(t, idSegment, tags[1].ID)
	require.Equal(t, KindMasterStart, tags[1].Kind)
}
