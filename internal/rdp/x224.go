package rdp

import (
	"encoding/binary"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// TPKT (RFC 1006) + X.224 framing for the negotiation phase of the RDP
// connection sequence (spec.md §4.7 step 1), grounded on the PDU order
// driven by connection_sequence_future.rs's NegotiationWithClient/
// NegotiationWithServer states.

const (
	tpktVersion byte = 3

	x224TPDUConnectionRequest byte = 0xE0
	x224TPDUConnectionConfirm byte = 0xD0

	negReqType byte = 0x01
	negRspType byte = 0x02
	negFailure byte = 0x03
)

// SecurityProtocol mirrors RDP_NEG_REQ/RSP's requestedProtocols bitmask.
type SecurityProtocol uint32

const (
	ProtocolRDP   SecurityProtocol = 0x0
	ProtocolSSL   SecurityProtocol = 0x1
	ProtocolHybrid SecurityProtocol = 0x2
	ProtocolHybridEx SecurityProtocol = 0x8
)

// negotiationRequest is the X.224 Connection Request TPDU body.
type negotiationRequest struct {
	Cookie  string // optional "Cookie: mstshash=...\r\n" or routing token
	Flags   byte
	Requested SecurityProtocol
}

// negotiationResponse is the X.224 Connection Confirm TPDU body.
type negotiationResponse struct {
	Flags    byte
	Selected SecurityProtocol
	Failure  bool
	FailureCode uint32
}

func writeTPKT(w io.Writer, payload []byte) error {
	if len(payload)+4 > 0xFFFF {
		return gwerrors.ProtocolViolation("TPKT payload too large: %d bytes", len(payload))
	}
	hdr := make([]byte, 4)
	hdr[0] = tpktVersion
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:4], uint16(4+len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readTPKT(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != tpktVersion {
		return nil, gwerrors.ProtocolViolation("bad TPKT version %d", hdr[0])
	}
	length := binary.BigEndian.Uint16(hdr[2:4])
	if length < 4 {
		return nil, gwerrors.ProtocolViolation("TPKT length %d shorter than header", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// readNegotiationRequest reads the client's X.224 Connection Request
// (RFC 1006/ITU-T X.224), including its optional RDP_NEG_REQ variable
// data and routing-token/cookie text.
func readNegotiationRequest(r io.Reader) (negotiationRequest, error) {
	body, err := readTPKT(r)
	if err != nil {
		return negotiationRequest{}, err
	}
	if len(body) < 7 {
		return negotiationRequest{}, gwerrors.ProtocolViolation("X.224 CR TPDU too short")
	}
	if body[1] != x224TPDUConnectionRequest {
		return negotiationRequest{}, gwerrors.ProtocolViolation("expected X.224 CR TPDU, got %#x", body[1])
	}

	variable := body[6:]
	req := negotiationRequest{}

	// Everything up to an optional trailing RDP_NEG_REQ (8 bytes: type,
	// flags, length, requestedProtocols) is routing-token/cookie text.
	if len(variable) >= 8 && variable[len(variable)-8] == negReqType {
		cookieEnd := len(variable) - 8
		req.Cookie = string(variable[:cookieEnd])
		negBlock := variable[cookieEnd:]
		req.Flags = negBlock[1]
		req.Requested = SecurityProtocol(binary.LittleEndian.Uint32(negBlock[4:8]))
	} else {
		req.Cookie = string(variable)
	}
	return req, nil
}

func writeNegotiationRequest(w io.Writer, req negotiationRequest) error {
	body := make([]byte, 0, 7+len(req.Cookie)+8)
	body = append(body, 0, x224TPDUConnectionRequest, 0, 0, 0, 0)
	body = append(body, req.Cookie...)

	negBlock := make([]byte, 8)
	negBlock[0] = negReqType
	negBlock[1] = req.Flags
	binary.LittleEndian.PutUint16(negBlock[2:4], 8)
	binary.LittleEndian.PutUint32(negBlock[4:8], uint32(req.Requested))
	body = append(body, negBlock...)
	body[0] = byte(len(body) - 1)

	return writeTPKT(w, body)
}

// readNegotiationResponse reads the server's X.224 Connection Confirm,
// including its RDP_NEG_RSP or RDP_NEG_FAILURE trailer.
func readNegotiationResponse(r io.Reader) (negotiationResponse, error) {
	body, err := readTPKT(r)
	if err != nil {
		return negotiationResponse{}, err
	}
	if len(body) < 7 {
		return negotiationResponse{}, gwerrors.ProtocolViolation("X.224 CC TPDU too short")
	}
	if body[1] != x224TPDUConnectionConfirm {
		return negotiationResponse{}, gwerrors.ProtocolViolation("expected X.224 CC TPDU, got %#x", body[1])
	}

	trailer := body[6:]
	if len(trailer) < 8 {
		// No negotiation trailer: peer doesn't support HYBRID at all.
		return negotiationResponse{}, gwerrors.ProtocolViolation("peer does not support RDP security negotiation")
	}

	switch trailer[0] {
	case negRspType:
		return negotiationResponse{
			Flags:    trailer[1],
			Selected: SecurityProtocol(binary.LittleEndian.Uint32(trailer[4:8])),
		}, nil
	case negFailure:
		return negotiationResponse{
			Failure:     true,
			FailureCode: binary.LittleEndian.Uint32(trailer[4:8]),
		}, nil
	default:
		return negotiationResponse{}, gwerrors.ProtocolViolation("unknown RDP_NEG trailer type %#x", trailer[0])
	}
}

func writeNegotiationResponse(w io.Writer, resp negotiationResponse) error {
	body := make([]byte, 0, 14)
	body = append(body, 0, x224TPDUConnectionConfirm, 0, 0, 0, 0)

	trailer := make([]byte, 8)
	if resp.Failure {
		trailer[0] = negFailure
		binary.LittleEndian.PutUint16(trailer[2:4], 8)
		binary.LittleEndian.PutUint32(trailer[4:8], resp.FailureCode)
	} else {
		trailer[0] = negRspType
		trailer[1] = resp.Flags
		binary.LittleEndian.PutUint16(trailer[2:4], 8)
		binary.LittleEndian.PutUint32(trailer[4:8], uint32(resp.Selected))
	}
	body = append(body, trailer...)
	body[0] = byte(len(body) - 1)

	return writeTPKT(w, body)
}
