package recording

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// upgrader accepts any origin: the pull endpoint is authorized by the
// jrec bearer token, not by same-origin policy (spec.md §6).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RecordingMetadata describes one on-disk recording, as returned by
// Store.List (spec.md §4.9/§6: "GET /jet/jrec").
type RecordingMetadata struct {
	ID   uuid.UUID `json:"id"`
	Size int64     `json:"size"`
}

// Store implements internal/control.RecordingStore against a directory
// of append-only WebM files, one per association id, each named
// "<id>.webm". The Registry supplies the live Slot (notify-new-chunk
// signal, pull refcount) for recordings still being written; a
// recording with no Slot entry is treated as completed and streamed to
// EOF without waiting for further writes.
type Store struct {
	Dir      string
	Registry *Registry
	Log      *logrus.Entry
}

// NewStore builds a Store rooted at dir.
func NewStore(dir string, registry *Registry, log *logrus.Entry) *Store {
	return &Store{Dir: dir, Registry: registry, Log: log}
}

func (s *Store) pathFor(id uuid.UUID) string {
	return filepath.Join(s.Dir, id.String()+".webm")
}

// Delete removes a completed recording's file. Deleting a recording
// that is still actively being written is refused, mirroring spec.md
// §4.9's assumption that Slot lifetime tracks the owning association.
func (s *Store) Delete(id uuid.UUID) error {
	if _, ok := s.Registry.Lookup(id); ok {
		return gwerrors.ProtocolViolation("recording %s is still active", id)
	}
	if err := os.Remove(s.pathFor(id)); err != nil {
		if os.IsNotExist(err) {
			return gwerrors.ProtocolViolation("recording %s not found", id)
		}
		return err
	}
	return nil
}

// List enumerates every "*.webm" file under Dir.
func (s *Store) List() (any, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RecordingMetadata{}, nil
		}
		return nil, err
	}

	out := make([]RecordingMetadata, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".webm" {
			continue
		}
		id, err := uuid.Parse(e.Name()[:len(e.Name())-len(".webm")])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RecordingMetadata{ID: id, Size: info.Size()})
	}
	return out, nil
}

// Pull upgrades the request to a websocket and runs the full WebM
// streaming pipeline against the recording's file (spec.md §4.9). A
// recording with a live Slot streams from the cut keyframe forward and
// resumes across producer EOFs; a completed recording (no Slot) streams
// to its own end and then sends End.
func (s *Store) Pull(id uuid.UUID, w http.ResponseWriter, r *http.Request) error {
	path := s.pathFor(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return gwerrors.ProtocolViolation("recording %s not found", id)
		}
		return err
	}

	slot, ok := s.Registry.Lookup(id)
	if !ok {
		slot = NewSlot(id, path)
	}

	src, err := OpenFileSource(path)
	if err != nil {
		return err
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = src.Close()
		return nil // Upgrade already wrote the HTTP error response.
	}
	conn := NewConn(wsConn)

	go func() {
		defer src.Close()
		defer conn.Close()
		slot.Acquire()
		defer slot.Release()

		if err := Stream(r.Context(), conn, src, slot, s.Log); err != nil {
			s.Log.WithError(err).WithField("recording_id", id).Warn("recording stream ended with error")
		}
	}()

	return nil
}
