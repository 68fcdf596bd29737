package recording

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// ChunkNotifier is notified when the producer appends new bytes to the
// recording file, letting Stream resume after an UnexpectedEOF instead
// of polling (spec.md §4.9 step 5). *Slot implements it.
type ChunkNotifier interface {
	Wait(ctx context.Context) error
}

const chunkBufferSize = 32

// Stream runs the full WebM streaming pipeline (spec.md §4.9) against
// src, writing framed output to ws until the source's producer signals
// shutdown via ctx, the viewer disconnects, or an unrecoverable error
// occurs. The muxing/iteration work happens in a background goroutine
// (the source's spawn_sending_task, reimplemented as a channel-backed
// producer rather than a tokio task) so the foreground loop can keep
// answering client Start/Pull messages while the file is re-opened and
// resumed across producer EOFs.
func Stream(ctx context.Context, ws *Conn, src Reopenable, notifier ChunkNotifier, log *logrus.Entry) error {
	it := NewIterator(src)

	headers, err := readHeaders(it)
	if err != nil {
		return err
	}
	codec, err := codecFromHeaders(headers)
	if err != nil {
		return err
	}
	it.SetCodec(codec)

	if err := catchUp(it); err != nil {
		return err
	}

	info, err := it.RollbackToLastKeyFrame()
	if err != nil {
		return err
	}
	if info.State == KeyFrameNotMet {
		return gwerrors.ProtocolViolation("no key frame found in the last cluster")
	}

	if err := ws.WriteMetadata(codec); err != nil {
		return err
	}

	chunks := make(chan []byte, chunkBufferSize)
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go produce(ctx, it, headers, codec, info, notifier, chunks, errCh, stop)

	for {
		kind, err := ws.ReadClientMessage()
		if err != nil {
			return nil
		}

		switch kind {
		case ClientStart:
			if err := ws.WriteMetadata(codec); err != nil {
				return err
			}
		case ClientPull:
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return ws.WriteEnd()
				}
				if err := ws.WriteChunk(chunk); err != nil {
					return err
				}
			case werr := <-errCh:
				log.WithError(werr).Warn("WebM streaming failed")
				_ = ws.WriteError(classifyStreamError(werr))
				return werr
			case <-ctx.Done():
				return ws.WriteEnd()
			}
		}
	}
}

// readHeaders buffers every tag up to (but not including) the first
// Cluster(Start) (spec.md §4.9 step 1).
func readHeaders(it *Iterator) ([]Tag, error) {
	var headers []Tag
	for {
		tag, err := it.Next()
		if err != nil {
			return nil, err
		}
		if tag.ID == idCluster && tag.Kind == KindMasterStart {
			return headers, nil
		}
		headers = append(headers, tag)
	}
}

// catchUp iterates to the live edge of the file, stopping at the first
// UnexpectedEOF (spec.md §4.9 step 2). The iterator's
// previousEmittedTagPos is now the cut_block_position.
func catchUp(it *Iterator) error {
	for {
		_, err := it.Next()
		if err != nil {
			if IsCatchUpEOF(err) {
				return nil
			}
			return err
		}
	}
}

// codecFromHeaders extracts Tracks/TrackEntry/CodecID from the buffered
// header tags (spec.md §4.9 step 1: "From Tracks pull CodecID,
// PixelWidth, PixelHeight").
func codecFromHeaders(headers []Tag) (Codec, error) {
	for _, h := range headers {
		if h.ID != idTracks {
			continue
		}
		for _, te := range h.Children {
			if te.ID != idTrackEntry {
				continue
			}
			if cid, ok := findChild(te.Children, idCodecID); ok {
				return codecFromMatroskaID(string(cid.Value))
			}
		}
	}
	return "", gwerrors.ProtocolViolation("no CodecID found in Tracks header")
}

// produce runs the muxing loop in the background, feeding re-muxed bytes
// into chunks until the source's iterator reaches shutdown, an
// unrecoverable error, or the viewer side closes stop.
func produce(
	ctx context.Context,
	it *Iterator,
	headers []Tag,
	codec Codec,
	info LastKeyFrameInfo,
	notifier ChunkNotifier,
	chunks chan<- []byte,
	errCh chan<- error,
	stop <-chan struct{},
) {
	defer close(chunks)

	cw := &chanWriter{ch: chunks, stop: stop}
	mux := NewMuxer(cw, NewPassthroughCodec(codec), info.ClusterTimestamp)
	if err := mux.WriteHeaders(headers); err != nil {
		trySend(errCh, err)
		return
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		tag, err := it.Next()
		if err != nil {
			if IsCatchUpEOF(err) {
				if werr := notifier.Wait(ctx); werr != nil {
					return
				}
				if rerr := it.RollbackToLastSuccessfulTag(); rerr != nil {
					trySend(errCh, rerr)
					return
				}
				continue
			}
			trySend(errCh, err)
			return
		}

		var frame []byte
		var timecode int16
		switch tag.ID {
		case idSimpleBlock:
			_, timecode, _, frame, err = parseBlockHeader(tag.Value)
		case idBlockGroup:
			var block Tag
			var ok bool
			block, ok = findChild(tag.Children, idBlock)
			if !ok {
				err = gwerrors.ProtocolViolation("BlockGroup without a Block child")
				break
			}
			_, timecode, _, frame, err = parseBlockHeader(block.Value)
		default:
			continue
		}
		if err != nil {
			trySend(errCh, err)
			return
		}

		absolute := int64(it.ClusterTimestamp()) + int64(timecode)
		if err := mux.WriteBlock(absolute, frame); err != nil {
			if err == errStreamStopped {
				return
			}
			trySend(errCh, err)
			return
		}
	}
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// classifyStreamError maps a producer failure onto the viewer-facing
// ErrorKind (spec.md §4.9: "Errors are surfaced as Error messages before
// disconnect").
func classifyStreamError(err error) ErrorKind {
	if IsCatchUpEOF(err) {
		return ErrorUnexpectedEOF
	}
	return ErrorUnexpectedError
}
