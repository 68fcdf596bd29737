package recording

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildHeaders(t *testing.T) []byte {
	t.Helper()
	ebml := encodeMaster(idEBML)
	segmentStart := encodeMasterStart(idSegment)
	trackEntry := encodeMaster(idTrackEntry, encodeLeaf(idCodecID, []byte("V_VP8")))
	tracks := encodeMaster(idTracks, trackEntry)
	return concatAll(ebml, segmentStart, tracks)
}

func buildCluster(t *testing.T, timestamp uint64, blocks ...[]byte) []byte {
	t.Helper()
	out := concatAll(encodeMasterStart(idCluster), encodeLeaf(idTimestamp, encodeUintPayload(timestamp)))
	return concatAll(append([][]byte{out}, blocks...)...)
}

func TestIteratorTracksKeyFramesAcrossClusters(t *testing.T) {
	headers := buildHeaders(t)
	cluster1 := buildCluster(t, 0,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
		encodeSimpleBlock(1, 10, false, []byte{0x00}),
	)
	cluster2 := buildCluster(t, 100,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
	)
	full := concatAll(headers, cluster1, cluster2)

	it := NewIterator(newFakeReopenable(full))
	it.SetCodec(CodecVP8)

	var tags []Tag
	var afterKF1, afterNonKF, afterTS2, afterKF2 LastKeyFrameInfo
	for i := 0; i < 10; i++ {
		tag, err := it.Next()
		require.NoError(t, err, "tag %d", i)
		tags = append(tags, tag)
		switch i {
		case 5:
			afterKF1 = it.LastKeyFrame()
		case 6:
			afterNonKF = it.LastKeyFrame()
		case 8:
			afterTS2 = it.LastKeyFrame()
		case 9:
			afterKF2 = it.LastKeyFrame()
		}
	}

	require.Equal(t, idTracks, tags[2].ID)
	require.Len(t, tags[2].Children, 1)
	require.Equal(t, idTrackEntry, tags[2].Children[0].ID)
	require.Equal(t, idCluster, tags[3].ID)
	require.Equal(t, KindMasterStart, tags[3].Kind)

	require.Equal(t, KeyFrameMet, afterKF1.State)
	require.Equal(t, tags[5].StartPos, afterKF1.Position)
	require.Equal(t, uint64(0), afterKF1.ClusterTimestamp)
	require.Equal(t, tags[3].StartPos, afterKF1.ClusterStartPos)

	require.Equal(t, afterKF1, afterNonKF, "a non-keyframe block must not move LastKeyFrame")

	require.Equal(t, uint64(100), afterTS2.ClusterTimestamp)
	require.Equal(t, afterKF1.Position, afterTS2.Position, "Position only moves on a keyframe block")
	require.Equal(t, tags[7].StartPos, afterTS2.ClusterStartPos)

	require.Equal(t, KeyFrameMet, afterKF2.State)
	require.Equal(t, tags[9].StartPos, afterKF2.Position)
	require.Equal(t, uint64(100), afterKF2.ClusterTimestamp)
	require.Equal(t, uint64(100), it.ClusterTimestamp())

	_, err := it.Next()
	require.True(t, IsCatchUpEOF(err))
}

func TestRollbackToLastKeyFrameReadsTheKeyFrameBlockAgain(t *testing.T) {
	headers := buildHeaders(t)
	cluster1 := buildCluster(t, 0,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
	)
	cluster2 := buildCluster(t, 100,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
	)
	full := concatAll(headers, cluster1, cluster2)

	it := NewIterator(newFakeReopenable(full))
	it.SetCodec(CodecVP8)
	for i := 0; i < 9; i++ {
		_, err := it.Next()
		require.NoError(t, err, "tag %d", i)
	}

	info, err := it.RollbackToLastKeyFrame()
	require.NoError(t, err)
	require.Equal(t, KeyFrameMet, info.State)
	require.Equal(t, uint64(100), info.ClusterTimestamp)

	tag, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, idSimpleBlock, tag.ID)
	require.Equal(t, info.Position, tag.StartPos)
}

func TestRollbackToLastKeyFrameNoKeyFrameSeenYet(t *testing.T) {
	it := NewIterator(newFakeReopenable(buildHeaders(t)))
	info, err := it.RollbackToLastKeyFrame()
	require.NoError(t, err)
	require.Equal(t, KeyFrameNotMet, info.State)
}

func TestRollbackToLastSuccessfulTagResumesPastTheLastTagWithoutReemittingIt(t *testing.T) {
	headers := buildHeaders(t)
	cluster1 := buildCluster(t, 0,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
		encodeSimpleBlock(1, 10, false, []byte{0x00}),
	)
	cluster2Start := concatAll(encodeMasterStart(idCluster), encodeLeaf(idTimestamp, encodeUintPayload(100)))
	keyframeBlock := encodeSimpleBlock(1, 0, true, []byte{0x00})

	truncated := concatAll(headers, cluster1, cluster2Start)
	full := concatAll(truncated, keyframeBlock)

	src := newFakeReopenable(truncated)
	it := NewIterator(src)
	it.SetCodec(CodecVP8)

	for i := 0; i < 9; i++ {
		_, err := it.Next()
		require.NoError(t, err, "tag %d", i)
	}

	_, err := it.Next()
	require.True(t, IsCatchUpEOF(err))
	wantTimestampTagStart := int64(len(headers) + len(cluster1) + len(encodeMasterStart(idCluster)))
	require.Equal(t, wantTimestampTagStart, it.PreviousEmittedTagPosition())

	src.grow(full)
	require.NoError(t, it.RollbackToLastSuccessfulTag())

	tag, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, idSimpleBlock, tag.ID)
	require.Equal(t, int64(len(truncated)), tag.StartPos)
}
