// Package listener implements C3: the gateway's per-URL TCP dispatcher
// (spec.md §4.3). It binds a socket, optionally wraps it in TLS, and on
// every accepted connection peeks up to four bytes to classify the
// protocol before handing the (still-unconsumed) stream to the matching
// handler. Grounded on
// original_source/devolutions-gateway/src/listener.rs's
// GatewayListener/run_tcp_listener/handle_tcp_peer shape.
package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/jmux"
)

// Kind is the scheme this listener was bound for (spec.md §6).
type Kind int

const (
	KindTCP Kind = iota
	KindHTTP
	KindHTTPS
	// KindWS and KindWSS back spec.md §6's ws:// and wss:// listener
	// schemes: a websocket upgrade is just an HTTP request, so these
	// skip the 4-byte sniff exactly like KindHTTP/KindHTTPS and hand
	// the raw connection straight to HTTPHandler, which performs the
	// actual upgrade (internal/recording's viewer feed, spec.md §4.9).
	KindWS
	KindWSS
)

var magicJet = [4]byte{'J', 'E', 'T', 0}
var magicJmux = [4]byte{'J', 'M', 'U', 'X'}

// JetServer is the C5 handler for connections opening with the "JET\0"
// magic.
type JetServer interface {
	Serve(ctx context.Context, conn net.Conn) error
}

// RDPServer is the C8 handler for the listener's TCP-forward fallback.
type RDPServer interface {
	HandleConnection(ctx context.Context, conn net.Conn, sourceIP net.IP) error
}

// JMUXDialer resolves a raw JMUX client's requested destination URL into
// a dialed connection, used to answer incoming Open requests on a
// server-role multiplexer (spec.md §4.3: "raw JMUX client — hand to
// §4.5 as a server-role multiplexer").
type JMUXDialer func(ctx context.Context, destinationURL string) (net.Conn, uint32, error)

// Listener drives one bound socket end to end: accept, sniff, classify,
// dispatch, and the bounded-concurrency / graceful-shutdown cascade
// described by spec.md §4.3.
type Listener struct {
	Kind Kind
	TLS  *tls.Config

	Jet         JetServer
	RDP         RDPServer
	JMUXDialer  JMUXDialer
	HTTPHandler http.Handler

	// MaxInFlight bounds concurrent in-flight connections; zero means
	// unbounded.
	MaxInFlight int

	// Metrics, when set, is incremented once per accepted connection
	// with the classified protocol (C12's gateway_connections_total).
	Metrics interface {
		IncConnections(protocol string)
	}

	Log *logrus.Entry

	sem      chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// New wires a Listener with the fields above already populated, filling
// in the ones Serve needs to run (the semaphore and shutdown signal).
func New() *Listener {
	return &Listener{
		shutdown: make(chan struct{}),
		Log:      logrus.WithField("component", "listener"),
	}
}

// Serve binds addr, accepts connections until ctx is cancelled or
// Shutdown is called, and dispatches each one in its own goroutine. It
// blocks until the accept loop exits.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	if l.sem == nil && l.MaxInFlight > 0 {
		l.sem = make(chan struct{}, l.MaxInFlight)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if l.TLS != nil {
		ln = tls.NewListener(ln, l.TLS)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-l.shutdown:
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-l.shutdown:
				return nil
			default:
			}
			l.Log.WithError(err).Error("accept failed")
			continue
		}

		if l.sem != nil {
			select {
			case l.sem <- struct{}{}:
			default:
				l.rejectOverflow(conn)
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if l.sem != nil {
				defer func() { <-l.sem }()
			}
			l.handle(ctx, conn)
		}()
	}
}

// rejectOverflow implements spec.md §4.3 step 4's "overflow responds
// with a ... rejection and a short back-off": rather than blocking the
// accept loop, it hands the connection to a short-lived goroutine that
// waits one backoff interval (giving in-flight work a chance to drain)
// before closing it.
func (l *Listener) rejectOverflow(conn net.Conn) {
	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxElapsedTime = 0
		time.Sleep(b.NextBackOff())
		conn.Close()
	}()
}

// handle implements steps 1-3 of spec.md §4.3 for one accepted
// connection: TCP_NODELAY, the 4-byte peek, and classification.
func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tc, ok := underlyingTCPConn(conn); ok {
		tc.SetNoDelay(true)
	}

	peerAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	var sourceIP net.IP
	if peerAddr != nil {
		sourceIP = peerAddr.IP
	}

	if l.Kind == KindHTTP || l.Kind == KindHTTPS || l.Kind == KindWS || l.Kind == KindWSS {
		l.incConnections("http")
		l.serveHTTP(conn)
		return
	}

	br := bufio.NewReader(conn)
	peeked, err := br.Peek(4)
	if err != nil && len(peeked) == 0 {
		return
	}

	wrapped := peekedConn{Conn: conn, r: br}

	switch {
	case len(peeked) == 4 && [4]byte(peeked) == magicJet:
		l.incConnections("jet")
		if l.Jet == nil {
			return
		}
		if err := l.Jet.Serve(ctx, wrapped); err != nil {
			l.Log.WithError(err).Debug("JET session ended")
		}
	case len(peeked) == 4 && [4]byte(peeked) == magicJmux:
		l.incConnections("jmux")
		l.serveJMUX(ctx, wrapped)
	case looksLikeHTTPRequestLine(peeked) && l.HTTPHandler != nil:
		l.incConnections("http")
		l.serveHTTPConn(wrapped)
	default:
		l.incConnections("rdp")
		if l.RDP == nil {
			return
		}
		if err := l.RDP.HandleConnection(ctx, wrapped, sourceIP); err != nil {
			l.Log.WithError(err).Debug("RDP/forward session ended")
		}
	}
}

func (l *Listener) incConnections(protocol string) {
	if l.Metrics != nil {
		l.Metrics.IncConnections(protocol)
	}
}

// serveJMUX runs a server-role multiplexer over a raw "JMUX"-prefixed
// connection: incoming Open requests are answered by dialing their
// destination via JMUXDialer, then spliced through Start (spec.md §4.3:
// "raw JMUX client — hand to §4.5 as a server-role multiplexer").
func (l *Listener) serveJMUX(ctx context.Context, conn net.Conn) {
	if l.JMUXDialer == nil {
		return
	}

	// pending hands the connection dialed in OnIncomingOpen over to the
	// matching OnChannelOpened call. Safe as a plain FIFO because the
	// mux event loop is single-threaded: OnChannelOpened for a given
	// Open is always scheduled before the next Open frame is processed.
	pending := make(chan net.Conn, 64)

	mux := jmux.New(conn)
	mux.OnIncomingOpen = func(ctx context.Context, destURL string) (bool, uint32) {
		target, reasonCode, err := l.JMUXDialer(ctx, destURL)
		if err != nil {
			return false, reasonCode
		}
		pending <- target
		return true, 0
	}
	mux.OnChannelOpened = func(ch *jmux.Channel, destURL string) {
		target := <-pending
		defer target.Close()
		if err := mux.Start(ctx, ch, target, nil); err != nil {
			l.Log.WithError(err).Debug("JMUX channel ended")
		}
	}

	if err := mux.Run(ctx); err != nil {
		l.Log.WithError(err).Debug("JMUX connection ended")
	}
}

// serveHTTP drives a single persistent connection through the control
// plane's handler, tolerating keep-alive reuse for the listener's full
// lifetime (mirrors handle_http_peer's one-connection-per-task shape).
func (l *Listener) serveHTTP(conn net.Conn) {
	l.serveHTTPConn(conn)
}

func (l *Listener) serveHTTPConn(conn net.Conn) {
	if l.HTTPHandler == nil {
		return
	}
	srv := &http.Server{Handler: l.HTTPHandler}
	srv.Serve(newSingleConnListener(conn))
}

// Shutdown stops accepting new connections and waits for in-flight
// handlers to finish, up to grace (spec.md §4.3: "all derived tasks
// observe [the shutdown signal] and terminate cleanly within a bounded
// grace period").
func (l *Listener) Shutdown(grace time.Duration) {
	l.once.Do(func() { close(l.shutdown) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		l.Log.Warn("listener shutdown grace period elapsed with sessions still active")
	}
}

func underlyingTCPConn(conn net.Conn) (*net.TCPConn, bool) {
	type netConner interface{ NetConn() net.Conn }
	for {
		if tc, ok := conn.(*net.TCPConn); ok {
			return tc, true
		}
		nc, ok := conn.(netConner)
		if !ok {
			return nil, false
		}
		conn = nc.NetConn()
	}
}

// looksLikeHTTPRequestLine recognizes the ASCII request-line prefixes
// spec.md §4.3 step 3 names explicitly.
func looksLikeHTTPRequestLine(peeked []byte) bool {
	for _, method := range [][]byte{
		[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
		[]byte("DELE"), []byte("OPTI"), []byte("PATC"),
	} {
		if len(peeked) >= len(method) && string(peeked[:len(method)]) == string(method) {
			return true
		}
	}
	return false
}

// peekedConn lets a bufio.Reader's already-peeked bytes remain
// consumable as a plain net.Conn, the same pattern used by
// internal/jet's readerConn and internal/rdp's bufferedConn.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// singleConnListener adapts one already-accepted net.Conn into the
// net.Listener shape http.Server.Serve expects, so the control plane's
// handler can be driven over a connection the dispatcher already
// classified and partially buffered. Accept yields conn exactly once,
// then blocks until the connection closes and returns io.EOF, which is
// what stops http.Server.Serve's accept loop once the request (or
// keep-alive session) finishes.
type singleConnListener struct {
	conn   net.Conn
	ch     chan net.Conn
	closed sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	s := &singleConnListener{ch: make(chan net.Conn, 1)}
	wrapped := &notifyCloseConn{Conn: conn, onClose: func() { s.closeCh() }}
	s.conn = wrapped
	s.ch <- wrapped
	return s
}

func (s *singleConnListener) Accept() (net.Conn, error) {
	c, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return c, nil
}

func (s *singleConnListener) closeCh() { s.closed.Do(func() { close(s.ch) }) }

func (s *singleConnListener) Close() error {
	s.closeCh()
	return s.conn.Close()
}

func (s *singleConnListener) Addr() net.Addr { return s.conn.LocalAddr() }

// notifyCloseConn signals the owning singleConnListener's ch once the
// connection closes, so the single synthesized Accept's second call
// unblocks with io.EOF instead of hanging net/http's Serve loop forever
// after the one real connection it was handling finishes.
type notifyCloseConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *notifyCloseConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
