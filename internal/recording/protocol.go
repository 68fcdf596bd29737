package recording

import (
	"encoding/binary"

	"github.com/gorilla/websocket"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// Message tags for the binary websocket protocol to the viewer (spec.md
// §4.9/§6): "Binary frames on a websocket: one-byte tag (0x01 Metadata,
// 0x02 Chunk, 0x03 End, 0x04 Error, 0x05 Start-from-client,
// 0x06 Pull-from-client) followed by variable payload (length-prefixed
// where needed)."
const (
	tagMetadata byte = 0x01
	tagChunk    byte = 0x02
	tagEnd      byte = 0x03
	tagError    byte = 0x04
	tagStart    byte = 0x05
	tagPull     byte = 0x06
)

// ClientMessageKind is a decoded client->server message.
type ClientMessageKind int

const (
	ClientStart ClientMessageKind = iota
	ClientPull
)

// ErrorKind is reported to the viewer in a ServerError message.
type ErrorKind string

const (
	ErrorUnexpectedEOF   ErrorKind = "unexpected_eof"
	ErrorUnexpectedError ErrorKind = "unexpected_error"
)

// Conn wraps a *websocket.Conn with this package's binary framing, kept
// thin so the muxer's output channel reader is the only thing that needs
// to know about websocket message boundaries.
type Conn struct {
	ws *websocket.Conn
}

// NewConn wraps an already-upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// ReadClientMessage blocks for the next client->server message.
func (c *Conn) ReadClientMessage() (ClientMessageKind, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, gwerrors.ProtocolViolation("empty client message")
	}
	switch data[0] {
	case tagStart:
		return ClientStart, nil
	case tagPull:
		return ClientPull, nil
	default:
		return 0, gwerrors.ProtocolViolation("unknown client message tag 0x%02x", data[0])
	}
}

// WriteMetadata sends the Metadata{codec} message that opens a session.
func (c *Conn) WriteMetadata(codec Codec) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, append([]byte{tagMetadata}, []byte(codec)...))
}

// WriteChunk sends one Chunk message carrying muxed WebM bytes.
func (c *Conn) WriteChunk(chunk []byte) error {
	buf := make([]byte, 1+4+len(chunk))
	buf[0] = tagChunk
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(chunk)))
	copy(buf[5:], chunk)
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}

// WriteEnd sends the End message and is normally the last message of a
// session.
func (c *Conn) WriteEnd() error {
	return c.ws.WriteMessage(websocket.BinaryMessage, []byte{tagEnd})
}

// WriteError sends an Error message describing kind.
func (c *Conn) WriteError(kind ErrorKind) error {
	return c.ws.WriteMessage(websocket.BinaryMessage, append([]byte{tagError}, []byte(kind)...))
}

// Close closes the underlying websocket.
func (c *Conn) Close() error { return c.ws.Close() }

func (k ErrorKind) String() string { return string(k) }
