package listener

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devolutions/gateway-go/internal/jmux"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type fakeJetServer struct {
	served chan net.Conn
}

func (f *fakeJetServer) Serve(ctx context.Context, conn net.Conn) error {
	f.served <- conn
	buf := make([]byte, 3)
	io.ReadFull(conn, buf)
	return nil
}

func TestServeDispatchesJetMagicToJetServer(t *testing.T) {
	jetSrv := &fakeJetServer{served: make(chan net.Conn, 1)}
	l := New()
	l.Kind = KindTCP
	l.Jet = jetSrv

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("JET\x00xyz"))
	require.NoError(t, err)

	select {
	case <-jetSrv.served:
	case <-time.After(time.Second):
		t.Fatal("JetServer.Serve was never invoked")
	}
}

type fakeRDPServer struct {
	called chan []byte
}

func (f *fakeRDPServer) HandleConnection(ctx context.Context, conn net.Conn, sourceIP net.IP) error {
	buf := make([]byte, 8)
	n, _ := conn.Read(buf)
	f.called <- buf[:n]
	return nil
}

func TestServeDispatchesUnrecognizedPrefixToRDPServer(t *testing.T) {
	rdpSrv := &fakeRDPServer{called: make(chan []byte, 1)}
	l := New()
	l.Kind = KindTCP
	l.RDP = rdpSrv

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x03, 0x00, 0x00, 0x2a})
	require.NoError(t, err)

	select {
	case got := <-rdpSrv.called:
		require.Equal(t, []byte{0x03, 0x00, 0x00, 0x2a}, got)
	case <-time.After(time.Second):
		t.Fatal("RDPServer.HandleConnection was never invoked")
	}
}

type recordingConnMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingConnMetrics) IncConnections(protocol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[protocol]++
}

func (m *recordingConnMetrics) get(protocol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[protocol]
}

func TestServeRecordsConnectionMetricsByClassifiedProtocol(t *testing.T) {
	rdpSrv := &fakeRDPServer{called: make(chan []byte, 1)}
	metrics := &recordingConnMetrics{}
	l := New()
	l.Kind = KindTCP
	l.RDP = rdpSrv
	l.Metrics = metrics

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0x03, 0x00, 0x00, 0x2a})
	require.NoError(t, err)

	select {
	case <-rdpSrv.called:
	case <-time.After(time.Second):
		t.Fatal("RDPServer.HandleConnection was never invoked")
	}

	require.Eventually(t, func() bool { return metrics.get("rdp") == 1 }, time.Second, 5*time.Millisecond)
}

func TestServeDispatchesHTTPRequestLineToHTTPHandler(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	l := New()
	l.Kind = KindTCP
	l.HTTPHandler = handler

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	resp, err := http.Get("http://" + addr + "/jet/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/jet/health", gotPath)
}

func TestServeOnHTTPKindSkipsSniffing(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	l := New()
	l.Kind = KindHTTP
	l.HTTPHandler = handler

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	resp, err := http.Get("http://" + addr + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestServeJMUXDialsRequestedDestination(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "backend-response")
	}))
	defer backend.Close()
	backendAddr := backend.Listener.Addr().String()

	l := New()
	l.Kind = KindTCP
	l.JMUXDialer = func(ctx context.Context, destURL string) (net.Conn, uint32, error) {
		require.Equal(t, "tcp://"+backendAddr, destURL)
		conn, err := net.Dial("tcp", backendAddr)
		return conn, 0, err
	}

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	mux := jmux.New(conn)
	go mux.Run(ctx)

	ch, err := mux.OpenChannel(ctx, "tcp://"+backendAddr)
	require.NoError(t, err)
	require.NotNil(t, ch)
}

func TestRejectOverflowClosesConnectionWithoutBlockingAcceptLoop(t *testing.T) {
	l := New()
	l.Kind = KindTCP
	l.MaxInFlight = 1
	block := make(chan struct{})
	l.RDP = &blockingRDPServer{block: block}

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(block)
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	first.Write([]byte{1, 2, 3, 4})

	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	require.Error(t, err) // overflowed connection gets closed, not served
}

type blockingRDPServer struct{ block chan struct{} }

func (b *blockingRDPServer) HandleConnection(ctx context.Context, conn net.Conn, sourceIP net.IP) error {
	<-b.block
	return nil
}

func TestShutdownWaitsForInFlightThenGivesUp(t *testing.T) {
	l := New()
	l.Kind = KindTCP
	started := make(chan struct{})
	release := make(chan struct{})
	l.RDP = &releasingRDPServer{started: started, release: release}

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx, addr)
	waitListening(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte{1, 2, 3, 4})

	<-started

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Shutdown(50 * time.Millisecond)
	}()
	wg.Wait() // returns after grace elapses even though the handler is still blocked
	close(release)
}

type releasingRDPServer struct {
	started chan struct{}
	release chan struct{}
}

func (r *releasingRDPServer) HandleConnection(ctx context.Context, conn net.Conn, sourceIP net.IP) error {
	close(r.started)
	<-r.release
	return nil
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		conn, err := net.DialTimeout("tcp", addr, 10*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener on %s never came up", addr)
}
