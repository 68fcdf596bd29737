package jet

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAcceptReqRoundTripV2(t *testing.T) {
	var buf bytes.Buffer
	assocID := uuid.New()
	candID := uuid.New()

	require.NoError(t, writeHeader(&buf, VersionV2, 9+32, MsgAcceptReq))
	require.NoError(t, writeUUID(&buf, assocID))
	require.NoError(t, writeUUID(&buf, candID))

	br := bufio.NewReader(&buf)
	typ, err := PeekType(br)
	require.NoError(t, err)
	require.Equal(t, MsgAcceptReq, typ)

	req, err := ReadAcceptReq(br)
	require.NoError(t, err)
	require.Equal(t, VersionV2, req.Version)
	require.Equal(t, assocID, req.AssociationID)
	require.Equal(t, candID, req.CandidateID)
}

func TestAcceptRspRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	require.NoError(t, WriteAcceptRsp(&buf, AcceptRsp{
		Status:        StatusOK,
		AssociationID: id,
		Version:       VersionV1,
		InstanceName:  "gw-1",
		TimeoutSecs:   5,
	}))

	br := bufio.NewReader(&buf)
	typ, err := PeekType(br)
	require.NoError(t, err)
	require.Equal(t, MsgAcceptRsp, typ)
}

func TestConnectReqRoundTripV1(t *testing.T) {
	var buf bytes.Buffer
	assocID := uuid.New()

	require.NoError(t, writeHeader(&buf, VersionV1, 9+16, MsgConnectReq))
	require.NoError(t, writeUUID(&buf, assocID))

	br := bufio.NewReader(&buf)
	req, err := ReadConnectReq(br)
	require.NoError(t, err)
	require.Equal(t, VersionV1, req.Version)
	require.Equal(t, assocID, req.AssociationID)
	require.Equal(t, uuid.Nil, req.CandidateID)
}

func TestBadMagicRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'X', 'X', 'X', 'X', 0, 1, 0, 0, byte(MsgTestReq)})
	br := bufio.NewReader(&buf)
	_, err := PeekType(br)
	require.Error(t, err)
}

func TestTestReqRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHeader(&buf, VersionV2, 9, MsgTestReq))
	br := bufio.NewReader(&buf)
	req, err := ReadTestReq(br)
	require.NoError(t, err)
	require.Equal(t, VersionV2, req.Version)
}
