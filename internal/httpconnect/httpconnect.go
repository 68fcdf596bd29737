// Package httpconnect implements the other half of C7: an HTTP proxy
// acceptor. `CONNECT host:port HTTP/1.1` is fully supported; any other
// method is rewritten to a path-only request line and forwarded over a
// JMUX channel (spec.md §4.6).
package httpconnect

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/jmux"
)

// Opener is satisfied by *jmux.Mux.
type Opener interface {
	OpenChannel(ctx context.Context, destinationURL string) (*jmux.Channel, error)
	Start(ctx context.Context, ch *jmux.Channel, stream io.ReadWriter, leftover []byte) error
}

// Acceptor drives one HTTP proxy connection.
type Acceptor struct {
	Opener Opener
}

// requestLine is the parsed first line of an HTTP/1.x request.
type requestLine struct {
	method string
	target string
	proto  string
}

// Serve reads one HTTP request off conn and either tunnels it (CONNECT)
// or rewrites and forwards it (everything else), per spec.md §4.6.
func (a *Acceptor) Serve(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReader(conn)

	line, headerBlock, err := readRequestHead(br)
	if err != nil {
		return err
	}

	if strings.EqualFold(line.method, "CONNECT") {
		return a.handleConnect(ctx, conn, line)
	}
	return a.handleForward(ctx, conn, line, headerBlock, br)
}

// readRequestHead reads up to and including the blank line terminating
// the HTTP headers, and parses the request line. It returns the raw
// header block (request line + headers, including the trailing blank
// line) so a non-CONNECT request can be rewritten and replayed.
func readRequestHead(br *bufio.Reader) (requestLine, []byte, error) {
	var buf bytes.Buffer
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			return requestLine{}, nil, err
		}
		buf.WriteString(l)
		if l == "\r\n" || l == "\n" {
			break
		}
	}

	raw := buf.Bytes()
	firstLineEnd := bytes.IndexByte(raw, '\n')
	if firstLineEnd < 0 {
		return requestLine{}, nil, gwerrors.ProtocolViolation("HTTP request missing request line")
	}
	firstLine := strings.TrimRight(string(raw[:firstLineEnd]), "\r\n")

	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) != 3 {
		return requestLine{}, nil, gwerrors.ProtocolViolation("malformed HTTP request line %q", firstLine)
	}

	return requestLine{method: parts[0], target: parts[1], proto: parts[2]}, raw, nil
}

func (a *Acceptor) handleConnect(ctx context.Context, conn net.Conn, line requestLine) error {
	dest := "tcp://" + line.target

	ch, err := a.Opener.OpenChannel(ctx, dest)
	if err != nil {
		writeStatusLine(conn, statusForOpenError(err))
		return err
	}

	if err := writeStatusLine(conn, 200); err != nil {
		return err
	}
	return a.Opener.Start(ctx, ch, conn, nil)
}

// handleForward rewrites a non-CONNECT request to a path-only request
// line (stripping the absolute-URI authority that a proxy client sends)
// and forwards the whole request, unbuffered, as the leftover bytes of
// a new JMUX channel (spec.md §4.6).
func (a *Acceptor) handleForward(ctx context.Context, conn net.Conn, line requestLine, rawHead []byte, br *bufio.Reader) error {
	host, err := hostFromTarget(line.target)
	if err != nil {
		writeStatusLine(conn, 400)
		return err
	}

	dest := "tcp://" + host
	ch, err := a.Opener.OpenChannel(ctx, dest)
	if err != nil {
		writeStatusLine(conn, statusForOpenError(err))
		return err
	}

	rewritten := rewriteRequestLine(rawHead, line)

	// Any already-buffered body bytes sitting in br must be forwarded
	// ahead of the rest of the live stream.
	leftover := rewritten
	if n := br.Buffered(); n > 0 {
		extra, _ := br.Peek(n)
		leftover = append(leftover, extra...)
		br.Discard(n)
	}

	return a.Opener.Start(ctx, ch, readerWriterConn{br, conn}, leftover)
}

// rewriteRequestLine replaces the absolute-URI (or authority-form)
// request target with its path-only equivalent, leaving headers as-is.
func rewriteRequestLine(rawHead []byte, line requestLine) []byte {
	path := pathFromTarget(line.target)
	newFirstLine := fmt.Sprintf("%s %s %s\r\n", line.method, path, line.proto)

	firstLineEnd := bytes.IndexByte(rawHead, '\n') + 1
	out := make([]byte, 0, len(rawHead))
	out = append(out, newFirstLine...)
	out = append(out, rawHead[firstLineEnd:]...)
	return out
}

func pathFromTarget(target string) string {
	if strings.HasPrefix(target, "/") {
		return target
	}
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return rest[slash:]
		}
		return "/"
	}
	return "/"
}

func hostFromTarget(target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		return "", gwerrors.ProtocolViolation("relative-form request target %q has no host to dial", target)
	}
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			rest = rest[:slash]
		}
		if _, _, err := net.SplitHostPort(rest); err != nil {
			port := "80"
			if strings.EqualFold(target[:idx], "https") {
				port = "443"
			}
			rest = net.JoinHostPort(strings.Trim(rest, "[]"), port)
		}
		return rest, nil
	}
	return target, nil
}

func statusForOpenError(err error) int {
	var openErr *jmux.OpenError
	if !errors.As(err, &openErr) {
		return 502
	}
	switch openErr.ReasonCode {
	case jmux.ReasonConnectionNotAllowed:
		return 403
	case jmux.ReasonNetworkUnreachable, jmux.ReasonHostUnreachable:
		return 504
	case jmux.ReasonConnectionRefused:
		return 502
	case jmux.ReasonTTLExpired:
		return 504
	case jmux.ReasonAddressTypeNotSupported:
		return 400
	default:
		return 502
	}
}

func writeStatusLine(w io.Writer, status int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", status, statusText(status))
	return err
}

func statusText(status int) string {
	switch status {
	case 200:
		return "Connection Established"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

// readerWriterConn adapts a buffered reader in front of a net.Conn into
// an io.ReadWriter so Mux.Start reads through the already-populated
// bufio buffer instead of directly from the socket.
type readerWriterConn struct {
	r io.Reader
	w io.Writer
}

func (c readerWriterConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c readerWriterConn) Write(p []byte) (int, error) { return c.w.Write(p) }
