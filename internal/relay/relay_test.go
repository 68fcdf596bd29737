package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/token"
)

func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptC := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptC <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptC
	require.NotNil(t, server)
	return client, server
}

func newTestAssociation() *association.Association {
	return association.New(&token.AssociationClaims{
		ApplicationProto: token.ProtoRDP,
	})
}

type bufTap struct {
	data []byte
}

func (b *bufTap) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func TestRunCopiesBothDirectionsAndCountsBytes(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a2.Close()
	defer b2.Close()

	assoc := newTestAssociation()
	resultC := make(chan association.TerminationReason, 1)
	go func() {
		reason, _ := Run(context.Background(), a1, b1, nil, assoc)
		resultC <- reason
	}()

	_, err := a2.Write([]byte("hello from client"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := b2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello from client", string(buf[:n]))

	_, err = b2.Write([]byte("hello from server"))
	require.NoError(t, err)
	n, err = a2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello from server", string(buf[:n]))

	a2.Close()
	b2.Close()

	select {
	case <-resultC:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after both peers closed")
	}

	require.EqualValues(t, len("hello from client"), assoc.BytesTx())
	require.EqualValues(t, len("hello from server"), assoc.BytesRx())
}

func TestRunTapsEveryBufferInBothDirections(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a2.Close()
	defer b2.Close()

	tap := &bufTap{}
	assoc := newTestAssociation()
	resultC := make(chan association.TerminationReason, 1)
	go func() {
		reason, _ := Run(context.Background(), a1, b1, tap, assoc)
		resultC <- reason
	}()

	_, err := a2.Write([]byte("abc"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = b2.Read(buf)
	require.NoError(t, err)

	a2.Close()
	b2.Close()
	<-resultC

	require.Equal(t, "abc", string(tap.data))
}

func TestRunCancellationClosesBothHalvesImmediately(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a2.Close()
	defer b2.Close()

	assoc := newTestAssociation()
	ctx, cancel := context.WithCancel(context.Background())

	resultC := make(chan association.TerminationReason, 1)
	go func() {
		reason, _ := Run(ctx, a1, b1, nil, assoc)
		resultC <- reason
	}()

	cancel()

	select {
	case reason := <-resultC:
		require.Equal(t, association.ReasonClientClosed, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}

	buf := make([]byte, 8)
	_, err := a2.Read(buf)
	require.Error(t, err, "a1 should have been closed by cancellation")
}
