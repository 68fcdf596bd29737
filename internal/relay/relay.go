// Package relay implements C4: the generic bidirectional byte copy that
// sits between a client candidate and its target connection once JET
// rendezvous has paired them (spec.md §4.8).
package relay

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// Tap receives a copy of every buffer relayed in either direction before
// it reaches its destination, used by C9 to spool sessions to WebM.
// Only meaningful for protocols the recorder understands; callers pass
// a nil Tap otherwise (spec.md §4.8).
type Tap interface {
	Write(p []byte) (int, error)
}

const bufferSize = 32 * 1024

// Run copies bytes in both directions between a and b until either side
// reaches clean EOF in both directions, an I/O error occurs, or ctx is
// cancelled. It returns the association.TerminationReason that applies
// and the first error observed, if any (spec.md §4.8).
func Run(ctx context.Context, a, b net.Conn, tap Tap, assoc *association.Association) (association.TerminationReason, error) {
	errc := make(chan error, 2)

	go func() { errc <- pump(a, b, tap, assoc.AddBytesTx) }()
	go func() { errc <- pump(b, a, tap, assoc.AddBytesRx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			a.Close()
			b.Close()
			return association.ReasonClientClosed, ctx.Err()
		case err := <-errc:
			if err != nil && firstErr == nil {
				firstErr = err
				// Closing both sides unblocks the other direction's Read.
				a.Close()
				b.Close()
			}
		}
	}

	a.Close()
	b.Close()

	if firstErr != nil && !gwerrors.Benign(firstErr) {
		return association.ReasonFatalProtocol, firstErr
	}
	return association.ReasonServerClosed, nil
}

// pump copies from src to dst, tapping every buffer first when tap is
// non-nil, and tallies bytes via count. A clean EOF on src triggers a
// half-shutdown of dst's write side so the other direction keeps
// draining (spec.md §4.8).
func pump(src, dst net.Conn, tap Tap, count func(uint64)) error {
	buf := make([]byte, bufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if tap != nil {
				if _, tapErr := tap.Write(buf[:n]); tapErr != nil {
					return tapErr
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			count(uint64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				halfClose(dst)
				return nil
			}
			return err
		}
	}
}

// halfCloser is implemented by net.TCPConn and similar transports that
// support shutting down only the write side.
type halfCloser interface {
	CloseWrite() error
}

func halfClose(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}
