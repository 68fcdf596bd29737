package recording

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// ElementID is a Matroska/WebM EBML element id, VINT-encoded with its
// marker bit retained as part of the identity (spec.md §4.9's header
// extraction names EBML, Segment, SeekHead, Info, Tracks, Cluster by
// these standard ids).
type ElementID uint32

const (
	idEBML        ElementID = 0x1A45DFA3
	idSegment     ElementID = 0x18538067
	idSeekHead    ElementID = 0x114D9B74
	idInfo        ElementID = 0x1549A966
	idTracks      ElementID = 0x1654AE6B
	idTrackEntry  ElementID = 0xAE
	idCodecID     ElementID = 0x86
	idVideo       ElementID = 0xE0
	idPixelWidth  ElementID = 0xB0
	idPixelHeight ElementID = 0xBA
	idCluster     ElementID = 0x1F43B675
	idTimestamp   ElementID = 0xE7
	idSimpleBlock ElementID = 0xA3
	idBlockGroup  ElementID = 0xA0
	idBlock       ElementID = 0xA1
	idVoid        ElementID = 0xEC
)

// TagKind classifies a decoded element the way spec.md §4.9 describes
// the iterator's output: header masters are read whole (Full), the live
// Cluster container is streamed as a Start/End pair so an in-progress
// cluster can be observed before it is finished being written.
type TagKind int

const (
	KindMasterStart TagKind = iota
	KindMasterEnd
	KindMasterFull
	KindLeaf
)

// Tag is one decoded EBML element. StartPos/EndPos bound the bytes this
// tag occupies in the source file (EndPos is exclusive), used by the
// positioned iterator for rewind/resume bookkeeping.
type Tag struct {
	ID       ElementID
	Kind     TagKind
	Value    []byte // leaf payload, or the raw bytes of a MasterFull element's body
	Children []Tag  // populated for MasterFull elements this package inspects (Tracks, TrackEntry, Video, BlockGroup)
	StartPos int64
	EndPos   int64
}

// masterKnownSize is the set of elements this package reads fully into
// memory (Master::Full in the original terminology) rather than
// streaming as Start/End.
var masterKnownSize = map[ElementID]bool{
	idEBML:       true,
	idSeekHead:   true,
	idInfo:       true,
	idTracks:     true,
	idTrackEntry: true,
	idVideo:      true,
	idBlockGroup: true,
}

// masterUnknownSize streams as Start/End: Segment is entered once at the
// top and never explicitly closed (there is exactly one Segment in a
// live recording); Cluster recurs once per cluster and its End is
// synthesized by the iterator, never read off the wire, matching the
// source's emit_master_end_when_eof(false) behavior (mod.rs/iter.rs).
var masterUnknownSize = map[ElementID]bool{
	idSegment: true,
	idCluster: true,
}

// tagReader decodes one EBML element at a time from a ReadSeeker,
// tracking the absolute byte position of each element's start.
type tagReader struct {
	r   io.ReadSeeker
	pos int64
}

func newTagReader(r io.ReadSeeker, startPos int64) *tagReader {
	return &tagReader{r: r, pos: startPos}
}

func (t *tagReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(t.r, buf); err != nil {
		return nil, err
	}
	t.pos += int64(n)
	return buf, nil
}

// readElementHeader reads one element id and size VINT, returning the
// start position of the element (its id's first byte) and whether the
// size is the EBML "unknown size" sentinel.
func (t *tagReader) readElementHeader() (id ElementID, size uint64, unknown bool, startPos int64, err error) {
	startPos = t.pos
	rawID, idLen, err := t.readRawVint()
	if err != nil {
		return 0, 0, false, 0, err
	}
	rawSize, sizeLen, err := t.readRawVint()
	if err != nil {
		return 0, 0, false, 0, err
	}
	size, unknown = maskSize(rawSize, sizeLen)
	_ = idLen
	return ElementID(rawID), size, unknown, startPos, nil
}

func (t *tagReader) readRawVint() (uint64, int, error) {
	var lead [1]byte
	if _, err := io.ReadFull(t.r, lead[:]); err != nil {
		return 0, 0, err
	}
	t.pos++
	length := vintLength(lead[0])
	if length == 0 {
		return 0, 0, gwerrors.ProtocolViolation("VInt first byte cannot be 0")
	}
	value := uint64(lead[0])
	if length > 1 {
		rest, err := t.readFull(length - 1)
		if err != nil {
			return 0, 0, err
		}
		for _, b := range rest {
			value = value<<8 | uint64(b)
		}
	}
	return value, length, nil
}

// next reads one top-level/current-level element. For known-size
// masters this package cares about, it recurses fully and returns a
// MasterFull tag with Children populated for the ids this package
// inspects (TrackEntry/Video/BlockGroup); for unknown-size masters
// (Segment, Cluster) it returns MasterStart only, leaving the caller to
// keep reading at the new nesting level.
func (t *tagReader) next() (Tag, error) {
	id, size, unknown, start, err := t.readElementHeader()
	if err != nil {
		return Tag{}, err
	}

	switch {
	case unknown && masterUnknownSize[id]:
		return Tag{ID: id, Kind: KindMasterStart, StartPos: start, EndPos: t.pos}, nil
	case masterKnownSize[id]:
		body, err := t.readFull(int(size))
		if err != nil {
			return Tag{}, err
		}
		tag := Tag{ID: id, Kind: KindMasterFull, Value: body, StartPos: start, EndPos: t.pos}
		if id == idTrackEntry || id == idVideo || id == idTracks || id == idBlockGroup {
			children, err := decodeChildren(body)
			if err != nil {
				return Tag{}, err
			}
			tag.Children = children
		}
		return tag, nil
	default:
		body, err := t.readFull(int(size))
		if err != nil {
			return Tag{}, err
		}
		return Tag{ID: id, Kind: KindLeaf, Value: body, StartPos: start, EndPos: t.pos}, nil
	}
}

// decodeChildren parses a known-size master element's body into its
// immediate children, recursing into nested known-size masters (Tracks
// contains TrackEntry contains Video; BlockGroup contains Block).
func decodeChildren(body []byte) ([]Tag, error) {
	r := bytes.NewReader(body)
	tr := newTagReader(r, 0)
	var out []Tag
	for {
		if r.Len() == 0 {
			break
		}
		tag, err := tr.next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, tag)
	}
	return out, nil
}

// findChild returns the first immediate child tag with the given id.
func findChild(children []Tag, id ElementID) (Tag, bool) {
	for _, c := range children {
		if c.ID == id {
			return c, true
		}
	}
	return Tag{}, false
}

func bigEndianUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func encodeUintPayload(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// writeElement writes a known-size element: id, VINT size, payload.
func writeElement(w io.Writer, id ElementID, payload []byte) error {
	if _, err := w.Write(encodeElementID(id)); err != nil {
		return err
	}
	if _, err := w.Write(encodeVint(uint64(len(payload)))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// writeUnknownSizeStart writes an element id followed by the
// conventional 8-byte "unknown size" VINT, opening a streamed master.
func writeUnknownSizeStart(w io.Writer, id ElementID) error {
	if _, err := w.Write(encodeElementID(id)); err != nil {
		return err
	}
	_, err := w.Write(unknownSizeVint)
	return err
}

// encodeElementID renders id as its big-endian byte sequence. IDs are
// fixed-width well-known constants, so the length is simply the number
// of significant bytes in the constant (the VINT marker bit is already
// baked in, e.g. idCluster's leading 0x1F marks it as 4 bytes).
func encodeElementID(id ElementID) []byte {
	length := byteLen(uint32(id))
	out := make([]byte, length)
	v := uint32(id)
	for i := length - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func byteLen(v uint32) int {
	switch {
	case v > 0xFFFFFF:
		return 4
	case v > 0xFFFF:
		return 3
	case v > 0xFF:
		return 2
	default:
		return 1
	}
}
