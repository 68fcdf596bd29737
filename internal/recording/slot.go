package recording

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Slot is one per currently-recording session (spec.md §4 Glossary:
// "RecordingSlot — one per currently-recording session: assoc_id,
// on-disk WebM path that is continuously appended by an external
// producer, a notify_new_chunk signal, and a reference count of active
// pull-streamers").
type Slot struct {
	AssociationID uuid.UUID
	Path          string

	mu       sync.Mutex
	refCount int
	waiters  []chan struct{}
}

// NewSlot builds a Slot for an association recording to path.
func NewSlot(assocID uuid.UUID, path string) *Slot {
	return &Slot{AssociationID: assocID, Path: path}
}

// NotifyNewChunk wakes every pull-streamer currently blocked in Wait,
// called by the recording producer each time it appends to Path.
func (s *Slot) NotifyNewChunk() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Wait implements ChunkNotifier: blocks until NotifyNewChunk fires or ctx
// is cancelled (spec.md §4.9 step 5 / §5's own stop notifier).
func (s *Slot) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire registers one more active pull-streamer against this slot,
// returning the new count.
func (s *Slot) Acquire() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refCount++
	return s.refCount
}

// Release removes one active pull-streamer, returning the new count.
func (s *Slot) Release() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refCount--
	return s.refCount
}

// RefCount reports the current number of active pull-streamers.
func (s *Slot) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

// Registry tracks the recording Slot for every association currently
// recording, mirroring internal/association.Registry's
// RWMutex-guarded-map shape.
type Registry struct {
	mu    sync.RWMutex
	slots map[uuid.UUID]*Slot
}

// NewRegistry builds an empty Slot registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[uuid.UUID]*Slot)}
}

// Put registers slot under its association id, replacing any existing
// entry.
func (r *Registry) Put(slot *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[slot.AssociationID] = slot
}

// Lookup returns the Slot for assocID, if any.
func (r *Registry) Lookup(assocID uuid.UUID) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[assocID]
	return s, ok
}

// Remove deletes the Slot for assocID.
func (r *Registry) Remove(assocID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, assocID)
}
