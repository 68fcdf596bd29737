package rdp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

func encodePCBv2(t *testing.T, id uint32, token string) []byte {
	t.Helper()
	u16 := utf16.Encode([]rune(token))
	u16 = append(u16, 0) // null terminator

	payload := make([]byte, 0, 14+len(u16)*2)
	payload = append(payload, make([]byte, 14)...)
	binary.LittleEndian.PutUint32(payload[4:8], pcbVersion2)
	binary.LittleEndian.PutUint32(payload[8:12], id)
	binary.LittleEndian.PutUint16(payload[12:14], uint16(len(u16)))
	for _, c := range u16 {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, c)
		payload = append(payload, b...)
	}
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(payload)))
	return payload
}

func TestPeekPreconnectionPDUParsesTokenV2(t *testing.T) {
	raw := encodePCBv2(t, 42, "the-jet-token")
	raw = append(raw, []byte("trailing-x224-bytes")...)

	br := bufio.NewReader(bytes.NewReader(raw))
	pdu, err := peekPreconnectionPDU(br)
	require.NoError(t, err)
	require.Equal(t, uint32(42), pdu.ID)
	require.Equal(t, "the-jet-token", pdu.Token)

	rest, err := br.Peek(len("trailing-x224-bytes"))
	require.NoError(t, err)
	require.Equal(t, "trailing-x224-bytes", string(rest))
}

func TestPeekPreconnectionPDURejectsGarbage(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte{0x03, 0x00, 0x00, 0x28, 1, 2, 3, 4}))
	_, err := peekPreconnectionPDU(br)
	require.Error(t, err)
	require.True(t, isNotPCB(err))
}
