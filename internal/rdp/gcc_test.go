package rdp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildCSNetBlock(t *testing.T, names ...string) []byte {
	t.Helper()
	block := make([]byte, 8)
	binary.LittleEndian.PutUint16(block[0:2], csNetBlockType)
	binary.LittleEndian.PutUint32(block[4:8], uint32(len(names)))

	for _, name := range names {
		entry := make([]byte, channelNameLen+4)
		copy(entry, name)
		block = append(block, entry...)
	}
	binary.LittleEndian.PutUint16(block[2:4], uint16(len(block)))
	return block
}

func TestScanClientNetworkDataExtractsChannelNames(t *testing.T) {
	block := buildCSNetBlock(t, "cliprdr", "rdpdr", "rdpsnd")
	blob := append([]byte{0xAA, 0xBB, 0xCC}, block...)
	blob = append(blob, []byte{0xDD, 0xEE}...)

	names, err := scanClientNetworkData(blob)
	require.NoError(t, err)
	require.Equal(t, []string{"cliprdr", "rdpdr", "rdpsnd"}, names)
}

func TestScanClientNetworkDataNoBlockReturnsEmpty(t *testing.T) {
	names, err := scanClientNetworkData([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestAssignChannelIDsSequential(t *testing.T) {
	channels := assignChannelIDs([]string{"cliprdr", "rdpdr"})
	require.Equal(t, "cliprdr", channels[firstStaticChannelID])
	require.Equal(t, "rdpdr", channels[firstStaticChannelID+1])
}

func TestRewriteSecurityDataZeroesEncryptionFields(t *testing.T) {
	block := make([]byte, 12)
	binary.LittleEndian.PutUint16(block[0:2], csSecurityBlockType)
	binary.LittleEndian.PutUint16(block[2:4], 12)
	binary.LittleEndian.PutUint32(block[4:8], 0x00000003) // ENCRYPTION_METHOD_128BIT
	binary.LittleEndian.PutUint32(block[8:12], 0x00000003) // ENCRYPTION_LEVEL_HIGH

	rewriteSecurityData(block, csSecurityBlockType)
	for _, b := range block[4:12] {
		require.Equal(t, byte(0), b)
	}
}
