package rdp

import (
	"encoding/binary"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// GCC Conference Create Request/Response parsing (T.124/[MS-RDPBCGR]
// 2.2.1.3), limited to the Client Network Data block (CS_NET) that
// carries the requested static virtual channel names — the piece
// spec.md §4.7 step 4 needs ("record the staticChannels map"). The
// surrounding T.125 MCS Connect-Initial/Connect-Response PER envelope
// is spliced through byte-for-byte rather than re-encoded (see
// DESIGN.md: no Go PER/GCC codec exists in the example pack, and a
// byte-correct from-scratch PER implementation is out of scope; only
// the fixed-layout CS_NET sub-block, which the original's own
// gcc::ChannelDef reads the same way, is decoded here).

const (
	csNetBlockType uint16 = 0x0C03

	channelNameLen = 8
)

// scanClientNetworkData finds the CS_NET block inside a Connect-Initial
// GCC blob and returns the requested static channel names in order.
// Channel ids are assigned sequentially starting at 1001 once the
// server confirms the domain, per the MCS convention used throughout
// the connection sequence (mirrored from StaticChannels's channel_id ->
// name map in mcs.rs).
func scanClientNetworkData(blob []byte) ([]string, error) {
	for i := 0; i+4 <= len(blob); i++ {
		if binary.LittleEndian.Uint16(blob[i:i+2]) != csNetBlockType {
			continue
		}
		blockLen := int(binary.LittleEndian.Uint16(blob[i+2 : i+4]))
		if blockLen < 8 || i+blockLen > len(blob) {
			continue
		}
		block := blob[i : i+blockLen]
		channelCount := int(binary.LittleEndian.Uint32(block[4:8]))
		names := make([]string, 0, channelCount)
		offset := 8
		for c := 0; c < channelCount; c++ {
			if offset+channelNameLen+4 > len(block) {
				return nil, gwerrors.ProtocolViolation("CS_NET block truncated at channel %d", c)
			}
			raw := block[offset : offset+channelNameLen]
			names = append(names, trimChannelName(raw))
			offset += channelNameLen + 4 // name + channelOptions
		}
		return names, nil
	}
	// No CS_NET block: client requested no static virtual channels.
	return nil, nil
}

func trimChannelName(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

const (
	csSecurityBlockType uint16 = 0x0C02
	scSecurityBlockType uint16 = 0x0C02
)

// rewriteSecurityData zeroes the encryption-method/level fields of the
// Client/Server Security Data GCC block in place (spec.md §4.7 step 4:
// "rewrite security-data cookies"). Both legs of an RDP-TLS-rewritten
// connection already derive their session keys from TLS, so the legacy
// RDP Standard Security encryption negotiated in this block must be
// forced down to ENCRYPTION_METHOD_NONE / ENCRYPTION_LEVEL_NONE or the
// peer will expect a second, incompatible encryption layer on top.
func rewriteSecurityData(blob []byte, blockType uint16) {
	for i := 0; i+8 <= len(blob); i++ {
		if binary.LittleEndian.Uint16(blob[i:i+2]) != blockType {
			continue
		}
		blockLen := int(binary.LittleEndian.Uint16(blob[i+2 : i+4]))
		if blockLen < 12 || i+blockLen > len(blob) {
			continue
		}
		// encryptionMethod(s) and encryptionLevel/extEncryptionMethods,
		// both 4-byte LE fields immediately following the block header.
		for j := i + 4; j < i+12; j++ {
			blob[j] = 0
		}
		return
	}
}

const firstStaticChannelID uint16 = 1001

// assignChannelIDs builds the channel_id -> name map the MCS
// ChannelJoinRequest/Confirm loop drives, in the same sequential
// assignment order the server's Connect-Response will confirm.
func assignChannelIDs(names []string) map[uint16]string {
	channels := make(map[uint16]string, len(names))
	for i, name := range names {
		channels[firstStaticChannelID+uint16(i)] = name
	}
	return channels
}
