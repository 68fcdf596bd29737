package recording

import (
	"errors"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// LastKeyFrameState distinguishes whether a keyframe has been observed
// yet within the current cluster run. Kept as its own enum (not a
// boolean flag) because spec.md §9 calls this state machine contractual:
// "The LastKeyFrameInfo enum (NotMet | Met) ... encode[s] the recovery
// protocol across EOF retries and cannot be elided."
type LastKeyFrameState int

const (
	KeyFrameNotMet LastKeyFrameState = iota
	KeyFrameMet
)

// LastKeyFrameInfo tracks the most recent keyframe seen by the
// iterator, updated on every Timestamp, Cluster(Start), and keyframe
// block (spec.md §4.9 step 3).
type LastKeyFrameInfo struct {
	State              LastKeyFrameState
	Position           int64 // absolute start position of the keyframe block's tag
	ClusterTimestamp   uint64
	ClusterStartPos    int64
}

// Iterator streams EBML tags from a live, append-only WebM file,
// tracking absolute byte positions and the most recent keyframe so the
// streamer can rewind and resume across producer EOFs (spec.md §4.9).
type Iterator struct {
	src    Reopenable
	tr     *tagReader
	codec  Codec // set once Tracks has been read, used for keyframe inspection

	previousEmittedTagPos int64
	lastTagEndPos         int64
	lastKeyFrame          LastKeyFrameInfo
}

// NewIterator builds an Iterator starting at src's current position
// (normally 0).
func NewIterator(src Reopenable) *Iterator {
	return &Iterator{
		src: src,
		tr:  newTagReader(src, 0),
		lastKeyFrame: LastKeyFrameInfo{State: KeyFrameNotMet},
	}
}

// SetCodec records the stream's VPx profile, discovered from Tracks
// during header extraction, so later keyframe detection on
// BlockGroup/Block tags knows which bitstream layout to inspect.
func (it *Iterator) SetCodec(codec Codec) { it.codec = codec }

// PreviousEmittedTagPosition is the absolute position of the start of
// the last tag this iterator successfully returned — the resume point
// on EOF/rollback.
func (it *Iterator) PreviousEmittedTagPosition() int64 { return it.previousEmittedTagPos }

// LastKeyFrame returns the current LastKeyFrameInfo snapshot.
func (it *Iterator) LastKeyFrame() LastKeyFrameInfo { return it.lastKeyFrame }

// ClusterTimestamp is the most recently read Cluster's own absolute
// Timestamp value, used to turn a block's intra-cluster offset into an
// absolute timestamp.
func (it *Iterator) ClusterTimestamp() uint64 { return it.lastKeyFrame.ClusterTimestamp }

// Next reads the next tag. io.EOF (wrapped) signals the producer hasn't
// written further data yet, distinct from any other error which is a
// genuine protocol violation or I/O failure.
func (it *Iterator) Next() (Tag, error) {
	tag, err := it.tr.next()
	if err != nil {
		return Tag{}, err
	}

	it.previousEmittedTagPos = tag.StartPos
	it.lastTagEndPos = tag.EndPos

	switch tag.ID {
	case idCluster:
		if tag.Kind == KindMasterStart {
			it.lastKeyFrame.ClusterStartPos = tag.StartPos
		}
	case idTimestamp:
		it.lastKeyFrame.ClusterTimestamp = bigEndianUint(tag.Value)
	case idSimpleBlock, idBlockGroup:
		isKF, err := it.tagIsKeyFrame(tag)
		if err != nil {
			return Tag{}, err
		}
		if isKF {
			switch it.lastKeyFrame.State {
			case KeyFrameNotMet:
				it.lastKeyFrame = LastKeyFrameInfo{
					State:            KeyFrameMet,
					Position:         it.previousEmittedTagPos,
					ClusterTimestamp: it.lastKeyFrame.ClusterTimestamp,
					ClusterStartPos:  it.lastKeyFrame.ClusterStartPos,
				}
			case KeyFrameMet:
				it.lastKeyFrame.Position = it.previousEmittedTagPos
			}
		}
	}

	return tag, nil
}

// tagIsKeyFrame dispatches keyframe detection per spec.md §4.9:
// SimpleBlock carries an explicit flag bit; BlockGroup requires
// inspecting its child Block's first VPx frame payload.
func (it *Iterator) tagIsKeyFrame(tag Tag) (bool, error) {
	switch tag.ID {
	case idSimpleBlock:
		_, _, flags, _, err := parseBlockHeader(tag.Value)
		if err != nil {
			return false, err
		}
		return flags&0x80 != 0, nil
	case idBlockGroup:
		block, ok := findChild(tag.Children, idBlock)
		if !ok {
			return false, gwerrors.ProtocolViolation("BlockGroup without a Block child")
		}
		_, _, _, frame, err := parseBlockHeader(block.Value)
		if err != nil {
			return false, err
		}
		if it.codec == "" {
			return false, gwerrors.ProtocolViolation("BlockGroup keyframe check before codec is known")
		}
		return IsKeyFrame(it.codec, frame)
	default:
		return false, nil
	}
}

// RollbackToLastSuccessfulTag reopens the source and seeks to just past
// the last successfully emitted tag, rebuilding the tag reader there
// (spec.md §4.9 step 5: "on wakeup, reopen the file, seek to the last
// successful tag position, and resume"). Resuming after (not at) that
// tag's end is what keeps a retry from re-emitting the tag that already
// succeeded.
func (it *Iterator) RollbackToLastSuccessfulTag() error {
	resumeAt := it.lastTagEndPos
	if err := it.src.Reopen(); err != nil {
		return err
	}
	if _, err := it.src.Seek(resumeAt, io.SeekStart); err != nil {
		return err
	}
	it.tr = newTagReader(it.src, resumeAt)
	return nil
}

// RollbackToLastKeyFrame seeks back to the most recent keyframe so
// muxing can start there (spec.md §4.9 step 3). Returns the
// LastKeyFrameInfo in effect; callers must treat KeyFrameNotMet as "no
// keyframe found in the last cluster" per the source's behavior.
func (it *Iterator) RollbackToLastKeyFrame() (LastKeyFrameInfo, error) {
	info := it.lastKeyFrame
	if info.State == KeyFrameNotMet {
		return info, nil
	}
	if err := it.src.Reopen(); err != nil {
		return info, err
	}
	if _, err := it.src.Seek(info.Position, io.SeekStart); err != nil {
		return info, err
	}
	it.tr = newTagReader(it.src, info.Position)
	it.previousEmittedTagPos = info.Position
	it.lastTagEndPos = info.Position
	return info, nil
}

// IsCatchUpEOF reports whether err signals the ordinary "producer hasn't
// written more data yet" condition (wrapping io.EOF / io.ErrUnexpectedEOF
// from the underlying reads).
func IsCatchUpEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
