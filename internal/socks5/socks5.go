// Package socks5 implements the server half of C7: a SOCKS5 acceptor
// that translates an inbound client request into a JMUX OpenChannel and
// splices the resulting channel to the accepted stream (spec.md §4.6).
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/jmux"
)

const (
	version5 byte = 0x05

	authNone         byte = 0x00
	authUsernamePass byte = 0x02
	authNoAcceptable byte = 0xFF

	cmdConnect      byte = 0x01
	cmdBind         byte = 0x02
	cmdUDPAssociate byte = 0x03

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04

	replySuccess             byte = 0x00
	replyGeneralFailure      byte = 0x01
	replyConnNotAllowed      byte = 0x02
	replyNetworkUnreachable  byte = 0x03
	replyHostUnreachable     byte = 0x04
	replyConnRefused         byte = 0x05
	replyTTLExpired          byte = 0x06
	replyCommandNotSupported byte = 0x07
	replyAddrTypeNotSupport  byte = 0x08
)

// Credentials is an optional username/password check for the
// username/password SOCKS5 sub-negotiation (RFC 1929).
type Credentials struct {
	Username string
	Password string
}

// Opener is satisfied by *jmux.Mux: it turns a destination URL into an
// opened multiplexed channel.
type Opener interface {
	OpenChannel(ctx context.Context, destinationURL string) (*jmux.Channel, error)
	Start(ctx context.Context, ch *jmux.Channel, stream io.ReadWriter, leftover []byte) error
}

// Acceptor drives one SOCKS5 client connection (spec.md §4.6).
type Acceptor struct {
	Opener Opener
	Creds  *Credentials // nil disables username/password auth
}

// Serve negotiates SOCKS5 over conn and, on a CONNECT request, opens a
// JMUX channel and splices it to conn for the remainder of the
// connection's lifetime.
func (a *Acceptor) Serve(ctx context.Context, conn net.Conn) error {
	if err := a.negotiateAuth(conn); err != nil {
		return err
	}

	cmd, dest, err := a.readRequest(conn)
	if err != nil {
		return err
	}

	switch cmd {
	case cmdConnect:
		return a.handleConnect(ctx, conn, dest)
	case cmdUDPAssociate:
		// Accept + return a bound UDP dummy addr; UDP relay itself is
		// not in scope (spec.md §4.6).
		return writeReply(conn, replySuccess, "0.0.0.0:0")
	case cmdBind:
		return writeReply(conn, replyCommandNotSupported, "0.0.0.0:0")
	default:
		return writeReply(conn, replyCommandNotSupported, "0.0.0.0:0")
	}
}

func (a *Acceptor) negotiateAuth(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != version5 {
		return gwerrors.ProtocolViolation("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return err
	}

	want := authNone
	if a.Creds != nil {
		want = authUsernamePass
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{version5, authNoAcceptable})
		return gwerrors.NewTokenError(gwerrors.BadFormat, "client offered no acceptable SOCKS5 auth method")
	}
	if _, err := conn.Write([]byte{version5, want}); err != nil {
		return err
	}

	if want == authUsernamePass {
		return a.checkUsernamePassword(conn)
	}
	return nil
}

func (a *Acceptor) checkUsernamePassword(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	user := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return err
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return err
	}

	ok := string(user) == a.Creds.Username && string(pass) == a.Creds.Password
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return err
	}
	if !ok {
		return gwerrors.NewTokenError(gwerrors.BadSignature, "SOCKS5 username/password rejected")
	}
	return nil
}

func (a *Acceptor) readRequest(conn net.Conn) (cmd byte, dest string, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	if hdr[0] != version5 {
		err = gwerrors.ProtocolViolation("unsupported SOCKS version %d", hdr[0])
		return
	}
	cmd = hdr[1]
	atyp := hdr[3]

	var host string
	switch atyp {
	case atypIPv4:
		var ip [4]byte
		if _, err = io.ReadFull(conn, ip[:]); err != nil {
			return
		}
		host = net.IP(ip[:]).String()
	case atypDomain:
		var l [1]byte
		if _, err = io.ReadFull(conn, l[:]); err != nil {
			return
		}
		domain := make([]byte, l[0])
		if _, err = io.ReadFull(conn, domain); err != nil {
			return
		}
		host = string(domain)
	case atypIPv6:
		var ip [16]byte
		if _, err = io.ReadFull(conn, ip[:]); err != nil {
			return
		}
		host = net.IP(ip[:]).String()
	default:
		writeReply(conn, replyAddrTypeNotSupport, "0.0.0.0:0")
		err = gwerrors.ProtocolViolation("unsupported SOCKS5 address type %d", atyp)
		return
	}

	var portBuf [2]byte
	if _, err = io.ReadFull(conn, portBuf[:]); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(portBuf[:])
	dest = fmt.Sprintf("tcp://%s:%d", host, port)
	return
}

func (a *Acceptor) handleConnect(ctx context.Context, conn net.Conn, dest string) error {
	ch, err := a.Opener.OpenChannel(ctx, dest)
	if err != nil {
		writeReply(conn, reasonToSocksReply(err), "0.0.0.0:0")
		return err
	}
	if err := writeReply(conn, replySuccess, "0.0.0.0:0"); err != nil {
		return err
	}
	return a.Opener.Start(ctx, ch, conn, nil)
}

func reasonToSocksReply(err error) byte {
	var openErr *jmux.OpenError
	if !errors.As(err, &openErr) {
		return replyGeneralFailure
	}
	switch openErr.ReasonCode {
	case jmux.ReasonConnectionNotAllowed:
		return replyConnNotAllowed
	case jmux.ReasonNetworkUnreachable:
		return replyNetworkUnreachable
	case jmux.ReasonHostUnreachable:
		return replyHostUnreachable
	case jmux.ReasonConnectionRefused:
		return replyConnRefused
	case jmux.ReasonTTLExpired:
		return replyTTLExpired
	case jmux.ReasonAddressTypeNotSupported:
		return replyAddrTypeNotSupport
	default:
		return replyGeneralFailure
	}
}

func writeReply(conn net.Conn, status byte, boundAddr string) error {
	host, portStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		host, portStr = "0.0.0.0", "0"
	}
	ip := net.ParseIP(host)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	buf := []byte{version5, status, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip4...)
	} else if ip != nil {
		buf = append(buf, atypIPv6)
		buf = append(buf, ip.To16()...)
	} else {
		buf = append(buf, atypIPv4, 0, 0, 0, 0)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	buf = append(buf, portBuf[:]...)

	_, err = conn.Write(buf)
	return err
}
