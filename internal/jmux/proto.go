// Package jmux implements C6: the JMUX stream multiplexer (spec.md
// §4.5) — many independent, flow-controlled, bidirectional channels
// carried over one underlying connection.
package jmux

import (
	"encoding/binary"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// FrameType is the JMUX frame header's 1-byte type field (spec.md §4.5).
type FrameType uint8

const (
	FrameOpen FrameType = 100 + iota
	FrameOpenSuccess
	FrameOpenFailure
	FrameWindowAdjust
	FrameData
	FrameEof
	FrameClose
)

// Reason codes mirror SOCKS5 (spec.md §4.5).
const (
	ReasonGeneralFailure         uint32 = 1
	ReasonConnectionNotAllowed   uint32 = 2
	ReasonNetworkUnreachable     uint32 = 3
	ReasonHostUnreachable        uint32 = 4
	ReasonConnectionRefused      uint32 = 5
	ReasonTTLExpired             uint32 = 6
	ReasonAddressTypeNotSupported uint32 = 8
)

const headerSize = 4 // type(1) + flags(1) + length(2)

// Frame is one decoded JMUX frame; Body's layout depends on Type.
type Frame struct {
	Type  FrameType
	Flags uint8
	Body  []byte
}

// OpenBody is FrameOpen's payload: channel_id, initial_window_size,
// maximum_packet_size, destination_url (spec.md §4.5).
type OpenBody struct {
	ChannelID    uint32
	InitialWindow uint32
	MaxPacketSize uint32
	DestinationURL string
}

// OpenSuccessBody carries the peer's newly allocated channel id back to
// the initiator, keyed by the initiator's own id.
type OpenSuccessBody struct {
	RecipientChannelID uint32
	SenderChannelID    uint32
	InitialWindow      uint32
	MaxPacketSize      uint32
}

// OpenFailureBody is FrameOpenFailure's payload.
type OpenFailureBody struct {
	RecipientChannelID uint32
	ReasonCode         uint32
	Description        string
}

// WindowAdjustBody is FrameWindowAdjust's payload.
type WindowAdjustBody struct {
	ChannelID  uint32
	Adjustment uint32
}

// DataBody is FrameData's payload.
type DataBody struct {
	ChannelID uint32
	Payload   []byte
}

// EofBody / CloseBody carry only the channel id.
type EofBody struct{ ChannelID uint32 }
type CloseBody struct{ ChannelID uint32 }

// ReadFrame reads one frame from r (spec.md §4.5 header: 1-byte type,
// 1-byte flags, 2-byte total length).
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint16(hdr[2:4])
	if int(total) < headerSize {
		return Frame{}, gwerrors.ProtocolViolation("JMUX frame length %d shorter than header", total)
	}
	body := make([]byte, int(total)-headerSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: FrameType(hdr[0]), Flags: hdr[1], Body: body}, nil
}

func writeFrame(w io.Writer, typ FrameType, flags uint8, body []byte) error {
	total := headerSize + len(body)
	if total > 0xFFFF {
		return gwerrors.ProtocolViolation("JMUX frame body too large: %d bytes", len(body))
	}
	out := make([]byte, total)
	out[0] = byte(typ)
	out[1] = flags
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	copy(out[headerSize:], body)
	_, err := w.Write(out)
	return err
}

// WriteOpen writes a FrameOpen.
func WriteOpen(w io.Writer, b OpenBody) error {
	body := make([]byte, 12+len(b.DestinationURL))
	binary.BigEndian.PutUint32(body[0:4], b.ChannelID)
	binary.BigEndian.PutUint32(body[4:8], b.InitialWindow)
	binary.BigEndian.PutUint32(body[8:12], b.MaxPacketSize)
	copy(body[12:], b.DestinationURL)
	return writeFrame(w, FrameOpen, 0, body)
}

// WriteOpenSuccess writes a FrameOpenSuccess.
func WriteOpenSuccess(w io.Writer, b OpenSuccessBody) error {
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], b.RecipientChannelID)
	binary.BigEndian.PutUint32(body[4:8], b.SenderChannelID)
	binary.BigEndian.PutUint32(body[8:12], b.InitialWindow)
	binary.BigEndian.PutUint32(body[12:16], b.MaxPacketSize)
	return writeFrame(w, FrameOpenSuccess, 0, body)
}

// WriteOpenFailure writes a FrameOpenFailure.
func WriteOpenFailure(w io.Writer, b OpenFailureBody) error {
	body := make([]byte, 8+len(b.Description))
	binary.BigEndian.PutUint32(body[0:4], b.RecipientChannelID)
	binary.BigEndian.PutUint32(body[4:8], b.ReasonCode)
	copy(body[8:], b.Description)
	return writeFrame(w, FrameOpenFailure, 0, body)
}

// WriteWindowAdjust writes a FrameWindowAdjust.
func WriteWindowAdjust(w io.Writer, b WindowAdjustBody) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], b.ChannelID)
	binary.BigEndian.PutUint32(body[4:8], b.Adjustment)
	return writeFrame(w, FrameWindowAdjust, 0, body)
}

// WriteData writes a FrameData.
func WriteData(w io.Writer, b DataBody) error {
	body := make([]byte, 4+len(b.Payload))
	binary.BigEndian.PutUint32(body[0:4], b.ChannelID)
	copy(body[4:], b.Payload)
	return writeFrame(w, FrameData, 0, body)
}

// WriteEof writes a FrameEof.
func WriteEof(w io.Writer, channelID uint32) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, channelID)
	return writeFrame(w, FrameEof, 0, body)
}

// WriteClose writes a FrameClose.
func WriteClose(w io.Writer, channelID uint32) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, channelID)
	return writeFrame(w, FrameClose, 0, body)
}

// ParseOpen decodes a FrameOpen body.
func ParseOpen(body []byte) (OpenBody, error) {
	if len(body) < 12 {
		return OpenBody{}, gwerrors.ProtocolViolation("JMUX Open frame too short")
	}
	return OpenBody{
		ChannelID:      binary.BigEndian.Uint32(body[0:4]),
		InitialWindow:  binary.BigEndian.Uint32(body[4:8]),
		MaxPacketSize:  binary.BigEndian.Uint32(body[8:12]),
		DestinationURL: string(body[12:]),
	}, nil
}

// ParseOpenSuccess decodes a FrameOpenSuccess body.
func ParseOpenSuccess(body []byte) (OpenSuccessBody, error) {
	if len(body) < 16 {
		return OpenSuccessBody{}, gwerrors.ProtocolViolation("JMUX OpenSuccess frame too short")
	}
	return OpenSuccessBody{
		RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
		SenderChannelID:    binary.BigEndian.Uint32(body[4:8]),
		InitialWindow:      binary.BigEndian.Uint32(body[8:12]),
		MaxPacketSize:      binary.BigEndian.Uint32(body[12:16]),
	}, nil
}

// ParseOpenFailure decodes a FrameOpenFailure body.
func ParseOpenFailure(body []byte) (OpenFailureBody, error) {
	if len(body) < 8 {
		return OpenFailureBody{}, gwerrors.ProtocolViolation("JMUX OpenFailure frame too short")
	}
	return OpenFailureBody{
		RecipientChannelID: binary.BigEndian.Uint32(body[0:4]),
		ReasonCode:         binary.BigEndian.Uint32(body[4:8]),
		Description:        string(body[8:]),
	}, nil
}

// ParseWindowAdjust decodes a FrameWindowAdjust body.
func ParseWindowAdjust(body []byte) (WindowAdjustBody, error) {
	if len(body) < 8 {
		return WindowAdjustBody{}, gwerrors.ProtocolViolation("JMUX WindowAdjust frame too short")
	}
	return WindowAdjustBody{
		ChannelID:  binary.BigEndian.Uint32(body[0:4]),
		Adjustment: binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// ParseData decodes a FrameData body.
func ParseData(body []byte) (DataBody, error) {
	if len(body) < 4 {
		return DataBody{}, gwerrors.ProtocolViolation("JMUX Data frame too short")
	}
	return DataBody{
		ChannelID: binary.BigEndian.Uint32(body[0:4]),
		Payload:   body[4:],
	}, nil
}

// ParseEof / ParseClose decode the common channel-id-only body.
func ParseEof(body []byte) (EofBody, error) {
	if len(body) < 4 {
		return EofBody{}, gwerrors.ProtocolViolation("JMUX Eof frame too short")
	}
	return EofBody{ChannelID: binary.BigEndian.Uint32(body[0:4])}, nil
}

func ParseClose(body []byte) (CloseBody, error) {
	if len(body) < 4 {
		return CloseBody{}, gwerrors.ProtocolViolation("JMUX Close frame too short")
	}
	return CloseBody{ChannelID: binary.BigEndian.Uint32(body[0:4])}, nil
}
