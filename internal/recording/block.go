package recording

import (
	"encoding/binary"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// parseBlockHeader decodes a SimpleBlock or Block element's fixed
// header: track number (VINT), a 2-byte big-endian signed intra-cluster
// timecode, a flags byte, followed by frame data. Lacing is not
// supported: this gateway's own recordings never lace (each SimpleBlock
// carries exactly one frame), so an unlaced flags byte (bits 1-2 both
// zero) is required and anything else is reported as a protocol
// violation rather than silently mis-parsed.
func parseBlockHeader(body []byte) (trackNumber uint64, timecode int16, flags byte, frame []byte, err error) {
	trackNumber, n, ok := readVint(body)
	if !ok {
		return 0, 0, 0, nil, gwerrors.ProtocolViolation("block header: invalid track number VINT")
	}
	rest := body[n:]
	if len(rest) < 3 {
		return 0, 0, 0, nil, gwerrors.ProtocolViolation("block header: too short")
	}
	timecode = int16(binary.BigEndian.Uint16(rest[0:2]))
	flags = rest[2]
	if flags&0x06 != 0 {
		return 0, 0, 0, nil, gwerrors.ProtocolViolation("block header: laced blocks are not supported")
	}
	frame = rest[3:]
	return trackNumber, timecode, flags, frame, nil
}

// encodeBlockHeader is parseBlockHeader's inverse, used by the muxer to
// re-emit a SimpleBlock with a rebased timecode and (for the cut block
// only) a forced keyframe bit.
func encodeBlockHeader(trackNumber uint64, timecode int16, keyframe bool, frame []byte) []byte {
	head := encodeVint(trackNumber)
	out := make([]byte, 0, len(head)+3+len(frame))
	out = append(out, head...)
	var tc [2]byte
	binary.BigEndian.PutUint16(tc[:], uint16(timecode))
	out = append(out, tc[:]...)
	var flags byte
	if keyframe {
		flags |= 0x80
	}
	out = append(out, flags)
	out = append(out, frame...)
	return out
}
