package association

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/events"
	"github.com/devolutions/gateway-go/internal/token"
)

// reaperInterval matches spec.md §4.2: "A reaper task runs every second".
const reaperInterval = time.Second

// Registry is the in-memory map with interior mutability keyed by
// jet_aid (spec.md §4.2). Every successful Register is paired with
// exactly one termination event (spec.md §4.2 invariant, §8 property 3).
type Registry struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Association
	bus   *events.Bus
	log   *logrus.Entry
	stopC chan struct{}
	doneC chan struct{}

	// Metrics, when set, tracks len(byID) as a gauge (C12's
	// gateway_associations_active).
	Metrics interface {
		AddAssociation(delta int)
	}
}

// NewRegistry creates a Registry and starts its TTL reaper goroutine.
func NewRegistry(bus *events.Bus) *Registry {
	r := &Registry{
		byID:  make(map[uuid.UUID]*Association),
		bus:   bus,
		log:   logrus.WithField("component", "association-registry"),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	go r.reap()
	return r
}

func (r *Registry) noteAdded() {
	if r.Metrics != nil {
		r.Metrics.AddAssociation(1)
	}
}

func (r *Registry) noteRemoved() {
	if r.Metrics != nil {
		r.Metrics.AddAssociation(-1)
	}
}

// Stop halts the reaper. It does not terminate existing associations.
func (r *Registry) Stop() {
	close(r.stopC)
	<-r.doneC
}

// Register creates and stores a new Association from verified claims,
// or reuses an existing jet_aid if its reuse budget allows (spec.md
// §4.2): "errors with AlreadyExists if jet_aid already present and
// jet_reuse is exhausted; otherwise decrements jet_reuse and returns a
// handle."
func (r *Registry) Register(claims *token.AssociationClaims) (*Association, error) {
	r.mu.Lock()
	if existing, ok := r.byID[claims.AssociationID]; ok {
		r.mu.Unlock()
		if !existing.TryConsumeReuse() {
			return nil, trace.AlreadyExists("association %s already exists and its reuse budget is exhausted", claims.AssociationID)
		}
		return existing, nil
	}

	assoc := New(claims)
	assoc.TryConsumeReuse() // consume the first use immediately
	r.byID[claims.AssociationID] = assoc
	r.mu.Unlock()
	r.noteAdded()

	r.bus.Publish(events.Event{Kind: events.SessionStarted, AssocID: assoc.ID})
	return assoc, nil
}

// Put installs an Association created administratively rather than via
// Register, used by JET Accept V1 (spec.md §4.4). It does not publish a
// session.started event: V1 associations have no backing token claims
// to report.
func (r *Registry) Put(assoc *Association) {
	r.mu.Lock()
	r.byID[assoc.ID] = assoc
	r.mu.Unlock()
	r.noteAdded()
}

// Lookup finds an Association by id.
func (r *Registry) Lookup(id uuid.UUID) (*Association, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	return a, ok
}

// Terminate idempotently closes an association, publishes session.ended,
// and frees its id (spec.md §4.2, §3 Association lifecycle).
func (r *Registry) Terminate(id uuid.UUID, reason TerminationReason) {
	r.mu.Lock()
	assoc, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.noteRemoved()
	if assoc.terminate(reason) {
		r.bus.Publish(events.Event{
			Kind:    events.SessionEnded,
			AssocID: assoc.ID,
			Reason:  string(reason),
			BytesTx: assoc.BytesTx(),
			BytesRx: assoc.BytesRx(),
		})
	}
}

// List returns a snapshot of every registered association, used by GET
// /jet/sessions and GET /jet/heartbeat (spec.md §4.2).
func (r *Registry) List() []*Association {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Association, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	return out
}

// reap terminates any association whose start_ts+jet_ttl is in the past,
// once per second (spec.md §4.2, §5).
func (r *Registry) reap() {
	defer close(r.doneC)
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			return
		case now := <-ticker.C:
			r.reapOnce(now)
		}
	}
}

func (r *Registry) reapOnce(now time.Time) {
	r.mu.RLock()
	var expired []uuid.UUID
	for id, a := range r.byID {
		if a.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.WithField("assoc_id", id).Debug("association TTL expired")
		r.Terminate(id, ReasonTTLExpired)
	}
}
