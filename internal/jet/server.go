package jet

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/relay"
)

// AcceptRequestTimeout is the default window between an Accept and its
// matching Connect before the association is torn down (spec.md §4.4,
// §5: "JET accept-to-connect window: configurable, default 5 seconds").
const AcceptRequestTimeout = 5 * time.Second

// Server drives JET rendezvous against a shared association registry.
type Server struct {
	Registry      *association.Registry
	AcceptTimeout time.Duration
	InstanceName  string
	Log           *logrus.Entry
}

// NewServer wires a Server with sane defaults.
func NewServer(reg *association.Registry) *Server {
	return &Server{
		Registry:      reg,
		AcceptTimeout: AcceptRequestTimeout,
		InstanceName:  "gateway",
		Log:           logrus.WithField("component", "jet"),
	}
}

// HandleAccept implements the accept-side of rendezvous (spec.md §4.4):
// "On Accept V1: allocate a fresh association with one TCP candidate in
// state Accepted, park the transport on the candidate, reply OK with
// the new id. Schedule a removal timer... On Accept V2: look up the
// association+candidate id pair... move candidate to Accepted, park
// transport."
func (s *Server) HandleAccept(conn net.Conn, req AcceptReq) error {
	var assoc *association.Association
	var cand *association.Candidate

	switch req.Version {
	case VersionV1:
		// V1 has no prior token-driven Register; the accept itself
		// creates the association administratively.
		assoc = association.NewBare(uuid.New())
		s.Registry.Put(assoc)
		cand = association.NewCandidate(uuid.New(), association.TransportTCP)
		assoc.AddCandidate(cand)

		time.AfterFunc(s.AcceptTimeout, func() {
			if cand.State() != association.CandidateConnected {
				s.Registry.Terminate(assoc.ID, association.ReasonReuseExhausted)
			}
		})
		cand.SetState(association.CandidateAccepted)
		cand.Attach(conn)

		return WriteAcceptRsp(conn, AcceptRsp{
			Status:        StatusOK,
			AssociationID: assoc.ID,
			Version:       VersionV1,
			InstanceName:  s.InstanceName,
			TimeoutSecs:   uint32(s.AcceptTimeout.Seconds()),
		})

	case VersionV2:
		var ok bool
		assoc, ok = s.Registry.Lookup(req.AssociationID)
		if !ok {
			return WriteAcceptRsp(conn, AcceptRsp{Status: StatusNotFound, Version: VersionV2})
		}
		cand, ok = assoc.Candidate(req.CandidateID)
		if !ok {
			return WriteAcceptRsp(conn, AcceptRsp{Status: StatusNotFound, Version: VersionV2})
		}
		cand.SetState(association.CandidateAccepted)
		cand.Attach(conn)

		return WriteAcceptRsp(conn, AcceptRsp{
			Status:        StatusOK,
			AssociationID: assoc.ID,
			Version:       VersionV2,
			InstanceName:  s.InstanceName,
			TimeoutSecs:   uint32(s.AcceptTimeout.Seconds()),
		})

	default:
		return WriteAcceptRsp(conn, AcceptRsp{Status: StatusBadRequest, Version: req.Version})
	}
}

// HandleConnect implements the connect-side of rendezvous (spec.md
// §4.4): "find the matching Accepted candidate, move it to Connected,
// and hand both halves to the generic relay. V1 permits only the
// single candidate; V2 requires id match and transport-type match."
// It blocks for the lifetime of the relayed session.
func (s *Server) HandleConnect(ctx context.Context, conn net.Conn, req ConnectReq) error {
	assoc, ok := s.Registry.Lookup(req.AssociationID)
	if !ok {
		return WriteConnectRsp(conn, ConnectRsp{Status: StatusNotFound, Version: req.Version})
	}

	var cand *association.Candidate
	switch req.Version {
	case VersionV1:
		cand, ok = assoc.SoleCandidate()
	case VersionV2:
		cand, ok = assoc.Candidate(req.CandidateID)
	default:
		return WriteConnectRsp(conn, ConnectRsp{Status: StatusBadRequest, Version: req.Version})
	}
	if !ok || cand.State() != association.CandidateAccepted {
		return WriteConnectRsp(conn, ConnectRsp{Status: StatusBadRequest, Version: req.Version})
	}

	parked := cand.Take()
	serverConn, ok := parked.(net.Conn)
	if !ok || serverConn == nil {
		return WriteConnectRsp(conn, ConnectRsp{Status: StatusNotFound, Version: req.Version})
	}
	cand.SetState(association.CandidateConnected)

	if err := WriteConnectRsp(conn, ConnectRsp{Status: StatusOK, Version: req.Version}); err != nil {
		return err
	}

	reason, err := relay.Run(ctx, conn, serverConn, nil, assoc)
	s.Registry.Terminate(assoc.ID, reason)
	return err
}

// HandleTest echoes OK (spec.md §4.4: "On Test: echo status OK").
func (s *Server) HandleTest(conn net.Conn, req TestReq) error {
	return WriteTestRsp(conn, TestRsp{Version: req.Version, Status: StatusOK})
}

// Serve dispatches a freshly accepted connection already known to carry
// the "JET\0" magic (spec.md §4.3 step 3) to the matching handler,
// blocking for the handler's lifetime. Connect blocks for the relayed
// session; Accept and Test return as soon as their single response is
// written.
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	br := bufio.NewReader(conn)
	typ, err := PeekType(br)
	if err != nil {
		return err
	}

	r := io.Reader(br)
	switch typ {
	case MsgAcceptReq:
		req, err := ReadAcceptReq(r)
		if err != nil {
			return err
		}
		return s.HandleAccept(readerConn{br, conn}, req)
	case MsgConnectReq:
		req, err := ReadConnectReq(r)
		if err != nil {
			return err
		}
		return s.HandleConnect(ctx, readerConn{br, conn}, req)
	case MsgTestReq:
		req, err := ReadTestReq(r)
		if err != nil {
			return err
		}
		return s.HandleTest(readerConn{br, conn}, req)
	default:
		return gwerrors.ProtocolViolation("unexpected JET message type %d on a fresh connection", typ)
	}
}

// readerConn layers a buffered reader (which may hold bytes peeked
// ahead of the underlying socket) back over a net.Conn so the rest of
// the relay sees a single, complete stream.
type readerConn struct {
	r io.Reader
	net.Conn
}

func (c readerConn) Read(p []byte) (int, error) { return c.r.Read(p) }
