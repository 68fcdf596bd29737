package rdp

import (
	"bufio"
	"context"
	"net"
	"strings"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/policy"
	"github.com/devolutions/gateway-go/internal/relay"
	"github.com/devolutions/gateway-go/internal/token"
	"github.com/sirupsen/logrus"
)

// Server drives the C8 entry point the listener dispatches to once its
// 4-byte sniff (spec.md §4.3) suspects an RDP Preconnection PDU.
type Server struct {
	Verifier *token.Verifier
	Registry *association.Registry
	TLS      Config

	// Policy, when set, is consulted before dialing the destination
	// named by the token (SPEC_FULL.md's Policy addition: "consulted by
	// C3/C8 before opening the target-side connection").
	Policy *policy.Policy

	Log *logrus.Entry
}

// HandleConnection extracts the PCB's JET token, verifies it, and
// either tunnels (Fwd), rendezvous-splices to a pending accept-side
// candidate (Rdv), or — when the token carries destination credentials
// — drives the full TLS-rewrite connection sequence (spec.md §4.7).
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn, sourceIP net.IP) error {
	br := bufio.NewReader(conn)
	pdu, err := peekPreconnectionPDU(br)
	if err != nil {
		if isNotPCB(err) {
			return err
		}
		return err
	}
	if pdu.Token == "" {
		return gwerrors.ProtocolViolation("RDP preconnection PDU carries no JET token")
	}

	claims, err := s.Verifier.Verify([]byte(pdu.Token), sourceIP)
	if err != nil {
		return err
	}
	assocClaims := claims.Association
	if assocClaims == nil {
		return gwerrors.ProtocolViolation("RDP preconnection token is not an association token")
	}

	wrapped := bufferedConn{Conn: conn, r: br}

	switch assocClaims.ConnectionMode {
	case token.ModeForward:
		return s.handleForward(ctx, wrapped, assocClaims)
	case token.ModeRendezvous:
		return s.handleRendezvous(ctx, wrapped, assocClaims)
	default:
		return gwerrors.ProtocolViolation("unknown jet_cm %q", assocClaims.ConnectionMode)
	}
}

func (s *Server) handleForward(ctx context.Context, client net.Conn, claims *token.AssociationClaims) error {
	assoc, err := s.Registry.Register(claims)
	if err != nil {
		return err
	}
	defer s.Registry.Terminate(assoc.ID, association.ReasonServerClosed)

	if err := s.Policy.Check(claims.ApplicationProto, dstHostOnly(claims.DstHost)); err != nil {
		s.Registry.Terminate(assoc.ID, association.ReasonFatalProtocol)
		return err
	}

	if claims.Creds != nil {
		reason, err := runTLSRewrite(ctx, client, s.TLS, claims.Creds, claims.DstHost, assoc)
		s.Registry.Terminate(assoc.ID, reason)
		return err
	}

	server, err := net.Dial("tcp", claims.DstHost)
	if err != nil {
		s.Registry.Terminate(assoc.ID, association.ReasonUpstreamFailure)
		return err
	}
	defer server.Close()

	reason, err := relay.Run(ctx, client, server, nil, assoc)
	s.Registry.Terminate(assoc.ID, reason)
	return err
}

func (s *Server) handleRendezvous(ctx context.Context, client net.Conn, claims *token.AssociationClaims) error {
	assoc, ok := s.Registry.Lookup(claims.AssociationID)
	if !ok {
		return gwerrors.ProtocolViolation("no pending association %s for rendezvous", claims.AssociationID)
	}
	cand, ok := assoc.SoleCandidate()
	if !ok {
		return gwerrors.ProtocolViolation("no pending candidate for association %s", claims.AssociationID)
	}
	server, ok := cand.Take().(net.Conn)
	if !ok {
		return gwerrors.ProtocolViolation("rendezvous candidate has no parked connection")
	}
	cand.SetState(association.CandidateConnected)

	reason, err := relay.Run(ctx, client, server, nil, assoc)
	s.Registry.Terminate(assoc.ID, reason)
	return err
}

// dstHostOnly strips a trailing ":port" so policy rules match against
// a bare hostname/IP, matching the convention tested in
// internal/policy's hostMatches.
func dstHostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(hostport, ":")
}

// bufferedConn lets the PCB's bufio.Reader keep reading any bytes
// already buffered past the preconnection PDU (the X.224 Connection
// Request that immediately follows it) while writes still go straight
// to the underlying net.Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
