package rdp

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/relay"
	"github.com/devolutions/gateway-go/internal/token"
)

// Config bundles the pieces the TLS-rewrite sequence needs beyond the
// connection itself.
type Config struct {
	// ServerTLSConfig authenticates the gateway to the RDP client
	// (spec.md §4.7 step 2: "using a gateway certificate").
	ServerTLSConfig *tls.Config
	// DestinationTLSConfig is the TLS config used when connecting to
	// the real RDP server (step 3). Destinations are frequently
	// internal hosts with self-signed or name-mismatched certificates,
	// so InsecureSkipVerify is the caller's explicit choice here, not a
	// default this package silently applies.
	DestinationTLSConfig *tls.Config
	// NewClientNegotiator/NewServerNegotiator build the CredSSP
	// SPNEGO/NTLM engine for, respectively, the gateway-as-client leg
	// (toward the destination) and the gateway-as-server leg (toward
	// the RDP client). See credssp.go's Negotiator doc comment: the
	// actual negotiation token cryptography is a pluggable dependency,
	// mirroring the original's delegation to the `sspi` crate.
	NewClientNegotiator func() Negotiator
	NewServerNegotiator func() Negotiator
}

// runTLSRewrite drives the full deterministic connection sequence from
// spec.md §4.7: X.224 negotiation with the client, CredSSP NLA with the
// client, connect + X.224 negotiation + CredSSP with the real server
// using the destination credentials, MCS/GCC splice, channel join, and
// finally a relay between the two TLS legs right after the join. Any PDU
// arriving out of the expected order surfaces as a ProtocolViolation,
// per the failure policy in spec.md §4.7.
func runTLSRewrite(ctx context.Context, clientConn net.Conn, cfg Config, creds *token.Creds, dstHost string, assoc *association.Association) (association.TerminationReason, error) {
	clientNegoReq, err := readNegotiationRequest(clientConn)
	if err != nil {
		return association.ReasonFatalProtocol, err
	}
	if clientNegoReq.Requested&ProtocolHybrid == 0 {
		return association.ReasonFatalProtocol, gwerrors.ProtocolViolation("client does not support CredSSP/HYBRID")
	}
	if err := writeNegotiationResponse(clientConn, negotiationResponse{Selected: ProtocolHybrid}); err != nil {
		return association.ReasonFatalProtocol, err
	}

	clientTLS := tls.Server(clientConn, cfg.ServerTLSConfig)
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		return association.ReasonFatalProtocol, err
	}

	serverNeg := cfg.NewServerNegotiator()
	clientDelegated, err := runCredSSPServerSide(clientTLS, serverNeg)
	if err != nil {
		return association.ReasonFatalProtocol, err
	}
	_ = clientDelegated // the proxy-side credentials; the destination login always uses creds.Dst*, per spec.md §4.7

	serverConn, err := net.Dial("tcp", dstHost)
	if err != nil {
		return association.ReasonUpstreamFailure, err
	}
	defer serverConn.Close()

	if err := writeNegotiationRequest(serverConn, negotiationRequest{
		Cookie:    "Cookie: mstshash=" + creds.DstUsername + "\r\n",
		Requested: ProtocolHybrid,
	}); err != nil {
		return association.ReasonUpstreamFailure, err
	}
	serverNegoResp, err := readNegotiationResponse(serverConn)
	if err != nil {
		return association.ReasonUpstreamFailure, err
	}
	if serverNegoResp.Failure {
		return association.ReasonUpstreamFailure, gwerrors.ProtocolViolation("destination refused negotiation, code %d", serverNegoResp.FailureCode)
	}

	serverTLS := tls.Client(serverConn, cfg.DestinationTLSConfig)
	if err := serverTLS.HandshakeContext(ctx); err != nil {
		return association.ReasonUpstreamFailure, err
	}

	clientNeg := cfg.NewClientNegotiator()
	if err := runCredSSPClientSide(serverTLS, clientNeg, "", creds.DstUsername, creds.DstPassword); err != nil {
		return association.ReasonUpstreamFailure, err
	}

	clientGCC, err := readX224Data(clientTLS)
	if err != nil {
		return association.ReasonFatalProtocol, err
	}
	rewriteSecurityData(clientGCC, csSecurityBlockType)
	channelNames, err := scanClientNetworkData(clientGCC)
	if err != nil {
		return association.ReasonFatalProtocol, err
	}
	if err := writeX224Data(serverTLS, clientGCC); err != nil {
		return association.ReasonUpstreamFailure, err
	}

	serverGCC, err := readX224Data(serverTLS)
	if err != nil {
		return association.ReasonUpstreamFailure, err
	}
	rewriteSecurityData(serverGCC, scSecurityBlockType)
	if err := writeX224Data(clientTLS, serverGCC); err != nil {
		return association.ReasonFatalProtocol, err
	}

	channels := assignChannelIDs(channelNames)
	joined, err := runMCSDomainSequence(clientTLS, serverTLS, channels)
	if err != nil {
		return association.ReasonFatalProtocol, err
	}
	_ = joined // recorded for diagnostics only; the relay below is channel-agnostic

	return relay.Run(ctx, clientTLS, serverTLS, nil, assoc)
}
