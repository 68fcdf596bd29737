// Package association implements C2: the process-wide {assoc_id ->
// Association} registry, its TTL reaper, and the Association/Candidate
// lifecycle objects themselves (spec.md §3, §4.2).
package association

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/token"
)

// CandidateState is one of {Created, Accepted, Connected}
// (spec.md §3: Candidate).
type CandidateState int

const (
	CandidateCreated CandidateState = iota
	CandidateAccepted
	CandidateConnected
)

// TransportType distinguishes a rendezvous candidate's carrying
// transport.
type TransportType int

const (
	TransportTCP TransportType = iota
	TransportWS
)

// Candidate is one attempted rendezvous transport (spec.md §3).
type Candidate struct {
	ID        uuid.UUID
	Transport TransportType

	mu    sync.Mutex
	state CandidateState
	conn  any // the half-open transport waiting to be joined to its peer
}

// NewCandidate creates a Candidate in state Created.
func NewCandidate(id uuid.UUID, transport TransportType) *Candidate {
	return &Candidate{ID: id, Transport: transport, state: CandidateCreated}
}

func (c *Candidate) State() CandidateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Candidate) SetState(s CandidateState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Attach parks a half-open transport on the candidate (the accept side,
// waiting for its Connect peer).
func (c *Candidate) Attach(conn any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Take removes and returns the parked transport, if any.
func (c *Candidate) Take() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

// TerminationReason names why an Association was torn down.
type TerminationReason string

const (
	ReasonClientClosed    TerminationReason = "client_closed"
	ReasonServerClosed    TerminationReason = "server_closed"
	ReasonTTLExpired      TerminationReason = "ttl_expired"
	ReasonReuseExhausted  TerminationReason = "reuse_exhausted"
	ReasonExplicit        TerminationReason = "explicit_terminate"
	ReasonFatalProtocol   TerminationReason = "fatal_protocol_error"
	ReasonUpstreamFailure TerminationReason = "upstream_failure"
)

// Association is one client-to-target session binding (spec.md §3).
type Association struct {
	ID              uuid.UUID
	ApplicationProto token.ApplicationProtocol
	ConnectionMode  token.ConnectionMode
	RecordingPolicy token.RecordingPolicy
	TTL             time.Duration // zero means no TTL
	DstHost         string
	CertThumb256    string
	Creds           *token.Creds

	StartTS time.Time

	mu         sync.Mutex
	reuseLeft  uint32
	candidates map[uuid.UUID]*Candidate
	closed     bool
	reason     TerminationReason

	bytesTx atomic.Uint64
	bytesRx atomic.Uint64

	cancelCtx context.Context
	cancel    context.CancelFunc
}

// New builds an Association from verified AssociationClaims.
func New(claims *token.AssociationClaims) *Association {
	var reuse uint32 = 1
	if claims.Reuse != nil {
		reuse = *claims.Reuse
	}
	var ttl time.Duration
	if claims.TTLMinutes != nil {
		ttl = time.Duration(*claims.TTLMinutes) * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Association{
		ID:               claims.AssociationID,
		ApplicationProto: claims.ApplicationProto,
		ConnectionMode:   claims.ConnectionMode,
		RecordingPolicy:  claims.RecordingPolicy,
		TTL:              ttl,
		DstHost:          claims.DstHost,
		CertThumb256:     claims.CertThumb256,
		Creds:            claims.Creds,
		StartTS:          time.Now(),
		reuseLeft:        reuse,
		candidates:       make(map[uuid.UUID]*Candidate),
		cancelCtx:        ctx,
		cancel:           cancel,
	}
}

// NewBare builds an Association with no backing claims, used by JET
// Accept V1 which creates associations administratively rather than
// from a verified token (spec.md §4.4).
func NewBare(id uuid.UUID) *Association {
	ctx, cancel := context.WithCancel(context.Background())
	return &Association{
		ID:         id,
		StartTS:    time.Now(),
		reuseLeft:  1,
		candidates: make(map[uuid.UUID]*Candidate),
		cancelCtx:  ctx,
		cancel:     cancel,
	}
}

// Context is cancelled the instant the association is terminated; every
// child task (relay halves, JMUX channels, recorders) must observe it.
func (a *Association) Context() context.Context { return a.cancelCtx }

// AddBytesTx/AddBytesRx maintain the association's traffic counters
// (spec.md §3: bytes_tx, bytes_rx), incremented atomically by C4.
func (a *Association) AddBytesTx(n uint64) { a.bytesTx.Add(n) }
func (a *Association) AddBytesRx(n uint64) { a.bytesRx.Add(n) }

func (a *Association) BytesTx() uint64 { return a.bytesTx.Load() }
func (a *Association) BytesRx() uint64 { return a.bytesRx.Load() }

// TryConsumeReuse decrements the remaining authorised reuse count,
// returning false once exhausted.
func (a *Association) TryConsumeReuse() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reuseLeft == 0 {
		return false
	}
	a.reuseLeft--
	return true
}

// Expired reports whether start_ts + jet_ttl is in the past, consulted
// by the reaper (spec.md §4.2).
func (a *Association) Expired(now time.Time) bool {
	if a.TTL <= 0 {
		return false
	}
	return now.After(a.StartTS.Add(a.TTL))
}

// AddCandidate registers a rendezvous candidate.
func (a *Association) AddCandidate(c *Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates[c.ID] = c
}

// Candidate looks up a rendezvous candidate by id.
func (a *Association) Candidate(id uuid.UUID) (*Candidate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.candidates[id]
	return c, ok
}

// SoleCandidate returns the association's only candidate, for JET V1
// which permits exactly one (spec.md §4.4).
func (a *Association) SoleCandidate() (*Candidate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.candidates) != 1 {
		return nil, false
	}
	for _, c := range a.candidates {
		return c, true
	}
	return nil, false
}

// terminate is idempotent: only the first call has any effect, cancels
// the association's context, and records the reason.
func (a *Association) terminate(reason TerminationReason) (fired bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	a.reason = reason
	a.cancel()
	return true
}

// Closed reports whether the association has already been terminated.
func (a *Association) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Reason returns the termination reason, valid only once Closed.
func (a *Association) Reason() TerminationReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}
