// Package rdp implements C8: RDP preconnection-PDU token extraction and
// the optional TLS-rewrite connection sequence (spec.md §4.7).
package rdp

import (
	"bufio"
	"encoding/binary"
	"unicode/utf16"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// preconnectionPDU is the RDP_PRECONNECTION_PDU structure: a 4-byte
// cbSize, 4-byte Version, 4-byte Id, and (version 2 only) a 2-byte
// cchPCB character count followed by a null-terminated UTF-16LE blob
// carrying the JET token.
type preconnectionPDU struct {
	Version uint32
	ID      uint32
	Token   string
}

const (
	pcbVersion1 uint32 = 1
	pcbVersion2 uint32 = 2

	minPCBSize = 16 // cbSize + Version + Id + cchPCB + null terminator, version 2 with empty payload
)

// peekPreconnectionPDU inspects the bytes buffered in br without
// consuming anything that doesn't belong to the PDU. It returns the
// errNotPCB sentinel (see isNotPCB) when the stream clearly isn't a
// preconnection PDU; the caller returns it like any other error and no
// other protocol is tried.
func peekPreconnectionPDU(br *bufio.Reader) (preconnectionPDU, error) {
	head, err := br.Peek(4)
	if err != nil {
		return preconnectionPDU{}, err
	}
	cbSize := binary.LittleEndian.Uint32(head)
	if cbSize < minPCBSize || cbSize > 64*1024 {
		return preconnectionPDU{}, errNotPCB
	}

	buf, err := br.Peek(int(cbSize))
	if err != nil {
		// Not enough buffered to confirm a full PDU; caller can still
		// retry once more data arrives, but for our one-shot sniff we
		// treat this as "not a PCB".
		return preconnectionPDU{}, errNotPCB
	}

	version := binary.LittleEndian.Uint32(buf[4:8])
	id := binary.LittleEndian.Uint32(buf[8:12])
	if version != pcbVersion1 && version != pcbVersion2 {
		return preconnectionPDU{}, errNotPCB
	}

	pdu := preconnectionPDU{Version: version, ID: id}
	if version == pcbVersion2 {
		cchPCB := binary.LittleEndian.Uint16(buf[12:14])
		wszStart := 14
		wszEnd := wszStart + int(cchPCB)*2
		if wszEnd > len(buf) {
			return preconnectionPDU{}, errNotPCB
		}
		pdu.Token = decodeUTF16LE(buf[wszStart:wszEnd])
	}

	if _, err := br.Discard(int(cbSize)); err != nil {
		return preconnectionPDU{}, err
	}
	return pdu, nil
}

var errNotPCB = gwerrors.ProtocolViolation("not an RDP preconnection PDU")

// isNotPCB reports whether err is the "this isn't a PCB" sentinel rather
// than a genuine I/O failure.
func isNotPCB(err error) bool { return err == errNotPCB }

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break // null terminator
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}
