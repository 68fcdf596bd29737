package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// decodeAvailableTopLevelTags decodes as many complete top-level tags as
// currently sit in buf, ignoring a trailing partial tag.
func decodeAvailableTopLevelTags(buf []byte) []Tag {
	r := bytes.NewReader(buf)
	tr := newTagReader(r, 0)
	var out []Tag
	for {
		tag, err := tr.next()
		if err != nil {
			break
		}
		out = append(out, tag)
	}
	return out
}

func readChunkPayload(t *testing.T, data []byte) []byte {
	t.Helper()
	require.Equal(t, tagChunk, data[0])
	length := binary.BigEndian.Uint32(data[1:5])
	require.EqualValues(t, length, len(data)-5)
	return data[5:]
}

// TestStreamEndToEndCutAtKeyFrame exercises spec.md §8's "recording
// cut-at-keyframe" scenario: a viewer attaches to a completed recording,
// the streamer rewinds to the most recent keyframe, rebases timestamps
// so playback starts at t=0, and ends the session once the live edge is
// reached (no further producer writes arrive in this test).
func TestStreamEndToEndCutAtKeyFrame(t *testing.T) {
	headers := buildHeaders(t)
	cluster1 := buildCluster(t, 0,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
		encodeSimpleBlock(1, 10, false, []byte{0x00}),
	)
	cluster2 := buildCluster(t, 100,
		encodeSimpleBlock(1, 0, true, []byte{0x00}),
	)
	full := concatAll(headers, cluster1, cluster2)

	server, client, cleanup := dialConnPair(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notifier := NewSlot(uuid.New(), "")
	src := newFakeReopenable(full)
	log := logrus.NewEntry(logrus.New())

	streamErr := make(chan error, 1)
	go func() { streamErr <- Stream(ctx, server, src, notifier, log) }()

	_, meta, err := client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, tagMetadata, meta[0])
	require.Equal(t, string(CodecVP8), string(meta[1:]))

	var accumulated []byte
	for i := 0; i < 50; i++ {
		require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{tagPull}))
		_, data, err := client.ws.ReadMessage()
		require.NoError(t, err)
		accumulated = append(accumulated, readChunkPayload(t, data)...)

		if len(decodeAvailableTopLevelTags(accumulated)) >= 6 {
			break
		}
	}

	tags := decodeAvailableTopLevelTags(accumulated)
	require.GreaterOrEqual(t, len(tags), 6)
	require.Equal(t, idEBML, tags[0].ID)
	require.Equal(t, idSegment, tags[1].ID)
	require.Equal(t, KindMasterStart, tags[1].Kind)
	require.Equal(t, idTracks, tags[2].ID)
	require.Equal(t, idCluster, tags[3].ID)
	require.Equal(t, KindMasterStart, tags[3].Kind)
	require.Equal(t, idTimestamp, tags[4].ID)
	require.Equal(t, uint64(0), bigEndianUint(tags[4].Value), "playback must rebase to t=0 at the cut keyframe")
	require.Equal(t, idSimpleBlock, tags[5].ID)

	_, _, _, frame, err := parseBlockHeader(tags[5].Value)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, frame)

	// The live edge has been reached and no further producer writes will
	// arrive in this test; cancelling ctx unblocks both the foreground
	// loop (which should answer with End) and the background producer
	// (blocked in notifier.Wait).
	cancel()
	require.NoError(t, client.ws.WriteMessage(websocket.BinaryMessage, []byte{tagPull}))
	_, data, err := client.ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{tagEnd}, data)

	require.NoError(t, <-streamErr)
}

func TestStreamNoKeyFrameAtAllIsAProtocolViolation(t *testing.T) {
	headers := buildHeaders(t)
	full := concatAll(headers, encodeMasterStart(idCluster), encodeLeaf(idTimestamp, encodeUintPayload(0)))

	server, _, cleanup := dialConnPair(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notifier := NewSlot(uuid.New(), "")
	src := newFakeReopenable(full)
	log := logrus.NewEntry(logrus.New())

	streamErr := make(chan error, 1)
	go func() { streamErr <- Stream(ctx, server, src, notifier, log) }()

	err := <-streamErr
	require.Error(t, err)
}
