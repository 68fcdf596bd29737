package jet

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/events"
)

// drainMessage consumes one complete JET message (header plus body, as
// sized by the header's total-length field) from br, so a handler
// writing to the other end of a net.Pipe is not left blocked.
func drainMessage(t *testing.T, br *bufio.Reader) {
	t.Helper()
	hdr, err := br.Peek(9)
	require.NoError(t, err)
	total := binary.BigEndian.Uint16(hdr[6:8])
	_, err = io.ReadFull(br, make([]byte, total))
	require.NoError(t, err)
}

func TestAcceptV2ThenConnectV2Splices(t *testing.T) {
	reg := association.NewRegistry(events.New())
	defer reg.Stop()
	srv := NewServer(reg)

	assoc := association.NewBare(uuid.New())
	cand := association.NewCandidate(uuid.New(), association.TransportTCP)
	assoc.AddCandidate(cand)
	reg.Put(assoc)

	serverSide, acceptSide := net.Pipe()
	defer serverSide.Close()

	acceptDone := make(chan error, 1)
	go func() {
		acceptDone <- srv.HandleAccept(acceptSide, AcceptReq{
			Version:       VersionV2,
			AssociationID: assoc.ID,
			CandidateID:   cand.ID,
		})
	}()

	br := bufio.NewReader(serverSide)
	typ, err := PeekType(br)
	require.NoError(t, err)
	require.Equal(t, MsgAcceptRsp, typ)
	drainMessage(t, br)
	require.NoError(t, <-acceptDone)

	require.Equal(t, association.CandidateAccepted, cand.State())

	connClient, connServer := net.Pipe()
	defer connClient.Close()

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- srv.HandleConnect(context.Background(), connServer, ConnectReq{
			Version:       VersionV2,
			AssociationID: assoc.ID,
			CandidateID:   cand.ID,
		})
	}()

	cbr := bufio.NewReader(connClient)
	ctyp, err := PeekType(cbr)
	require.NoError(t, err)
	require.Equal(t, MsgConnectRsp, ctyp)
	drainMessage(t, cbr)

	// The relayed bytes arrive at the accept-side peer, i.e. serverSide.
	go func() {
		buf := make([]byte, 5)
		io.ReadFull(br, buf)
	}()
	_, err = connClient.Write([]byte("hello"))
	require.NoError(t, err)

	connClient.Close()
	connServer.Close()

	select {
	case err := <-connectDone:
		_ = err
	case <-time.After(3 * time.Second):
		t.Fatal("HandleConnect did not return")
	}
}

func TestConnectUnknownAssociationNotFound(t *testing.T) {
	reg := association.NewRegistry(events.New())
	defer reg.Stop()
	srv := NewServer(reg)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.HandleConnect(context.Background(), server, ConnectReq{
			Version:       VersionV2,
			AssociationID: uuid.New(),
		})
	}()

	br := bufio.NewReader(client)
	typ, err := PeekType(br)
	require.NoError(t, err)
	require.Equal(t, MsgConnectRsp, typ)
	drainMessage(t, br)
	<-done
}

func TestHandleTestEchoesOK(t *testing.T) {
	reg := association.NewRegistry(events.New())
	defer reg.Stop()
	srv := NewServer(reg)

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- srv.HandleTest(server, TestReq{Version: VersionV2}) }()

	br := bufio.NewReader(client)
	typ, err := PeekType(br)
	require.NoError(t, err)
	require.Equal(t, MsgTestRsp, typ)
	drainMessage(t, br)
	require.NoError(t, <-done)
}
