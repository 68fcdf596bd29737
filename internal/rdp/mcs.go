package rdp

import (
	"encoding/binary"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// T.125 MCS domain PDUs, framed inside X.224 Data TPDUs over TPKT. The
// per-PDU field layout here is a simplified fixed-width encoding (not
// the full ASN.1 PER used on the wire) sufficient to drive the
// deterministic channel-join sequence spec.md §4.7 step 5 calls for;
// see DESIGN.md for why a byte-correct PER codec is out of scope.
// State sequencing is grounded on mcs.rs's McsSequenceState enum
// (ErectDomainRequest -> AttachUserRequest -> AttachUserConfirm ->
// {ChannelJoinRequest -> ChannelJoinConfirm}*).

const (
	GlobalChannelName = "GLOBAL"
	UserChannelName   = "USER"
)

const (
	mcsErectDomainRequest byte = 1
	mcsAttachUserRequest  byte = 10
	mcsAttachUserConfirm  byte = 11
	mcsChannelJoinRequest byte = 14
	mcsChannelJoinConfirm byte = 15
)

func writeX224Data(w io.Writer, payload []byte) error {
	body := make([]byte, 0, 3+len(payload))
	body = append(body, 0x02, 0xF0, 0x80)
	body = append(body, payload...)
	return writeTPKT(w, body)
}

func readX224Data(r io.Reader) ([]byte, error) {
	body, err := readTPKT(r)
	if err != nil {
		return nil, err
	}
	if len(body) < 3 || body[1] != 0xF0 {
		return nil, gwerrors.ProtocolViolation("expected X.224 Data TPDU")
	}
	return body[3:], nil
}

func writeErectDomainRequest(w io.Writer) error {
	return writeX224Data(w, []byte{mcsErectDomainRequest, 0, 0, 0, 0})
}

func readErectDomainRequest(r io.Reader) error {
	payload, err := readX224Data(r)
	if err != nil {
		return err
	}
	if len(payload) < 1 || payload[0] != mcsErectDomainRequest {
		return gwerrors.ProtocolViolation("expected MCS ErectDomainRequest")
	}
	return nil
}

func writeAttachUserRequest(w io.Writer) error {
	return writeX224Data(w, []byte{mcsAttachUserRequest})
}

func readAttachUserRequest(r io.Reader) error {
	payload, err := readX224Data(r)
	if err != nil {
		return err
	}
	if len(payload) < 1 || payload[0] != mcsAttachUserRequest {
		return gwerrors.ProtocolViolation("expected MCS AttachUserRequest")
	}
	return nil
}

func writeAttachUserConfirm(w io.Writer, initiatorID uint16) error {
	body := make([]byte, 4)
	body[0] = mcsAttachUserConfirm
	body[1] = 0 // result: rt-successful
	binary.BigEndian.PutUint16(body[2:4], initiatorID)
	return writeX224Data(w, body)
}

func readAttachUserConfirm(r io.Reader) (uint16, error) {
	payload, err := readX224Data(r)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 || payload[0] != mcsAttachUserConfirm {
		return 0, gwerrors.ProtocolViolation("expected MCS AttachUserConfirm")
	}
	if payload[1] != 0 {
		return 0, gwerrors.ProtocolViolation("MCS AttachUserRequest refused, result %d", payload[1])
	}
	return binary.BigEndian.Uint16(payload[2:4]), nil
}

func writeChannelJoinRequest(w io.Writer, initiatorID, channelID uint16) error {
	body := make([]byte, 5)
	body[0] = mcsChannelJoinRequest
	binary.BigEndian.PutUint16(body[1:3], initiatorID)
	binary.BigEndian.PutUint16(body[3:5], channelID)
	return writeX224Data(w, body)
}

func readChannelJoinRequest(r io.Reader) (initiatorID, channelID uint16, err error) {
	payload, err := readX224Data(r)
	if err != nil {
		return 0, 0, err
	}
	if len(payload) < 5 || payload[0] != mcsChannelJoinRequest {
		return 0, 0, gwerrors.ProtocolViolation("expected MCS ChannelJoinRequest")
	}
	return binary.BigEndian.Uint16(payload[1:3]), binary.BigEndian.Uint16(payload[3:5]), nil
}

func writeChannelJoinConfirm(w io.Writer, initiatorID, requestedChannelID, channelID uint16) error {
	body := make([]byte, 8)
	body[0] = mcsChannelJoinConfirm
	body[1] = 0 // result: rt-successful
	binary.BigEndian.PutUint16(body[2:4], initiatorID)
	binary.BigEndian.PutUint16(body[4:6], requestedChannelID)
	binary.BigEndian.PutUint16(body[6:8], channelID)
	return writeX224Data(w, body)
}

func readChannelJoinConfirm(r io.Reader) (channelID uint16, err error) {
	payload, err := readX224Data(r)
	if err != nil {
		return 0, err
	}
	if len(payload) < 8 || payload[0] != mcsChannelJoinConfirm {
		return 0, gwerrors.ProtocolViolation("expected MCS ChannelJoinConfirm")
	}
	if payload[1] != 0 {
		return 0, gwerrors.ProtocolViolation("MCS ChannelJoinRequest refused, result %d", payload[1])
	}
	return binary.BigEndian.Uint16(payload[6:8]), nil
}

// runMCSDomainSequence drives the ErectDomainRequest -> AttachUserRequest
// -> AttachUserConfirm -> ChannelJoinRequest/Confirm* handshake between
// the already-connected client and server transports, joining every
// channel in channels plus the well-known user channel, and returns the
// final channel_id -> name map (spec.md §4.7 step 5).
func runMCSDomainSequence(client, server io.ReadWriter, channels map[uint16]string) (map[uint16]string, error) {
	if err := readErectDomainRequest(client); err != nil {
		return nil, err
	}
	if err := writeErectDomainRequest(server); err != nil {
		return nil, err
	}

	if err := readAttachUserRequest(client); err != nil {
		return nil, err
	}
	if err := writeAttachUserRequest(server); err != nil {
		return nil, err
	}
	initiatorID, err := readAttachUserConfirm(server)
	if err != nil {
		return nil, err
	}
	if err := writeAttachUserConfirm(client, initiatorID); err != nil {
		return nil, err
	}

	toJoin := make(map[uint16]string, len(channels)+1)
	for id, name := range channels {
		toJoin[id] = name
	}
	toJoin[initiatorID] = UserChannelName

	joined := make(map[uint16]string, len(toJoin))
	for len(toJoin) > 0 {
		reqInitiator, reqChannel, err := readChannelJoinRequest(client)
		if err != nil {
			return nil, err
		}
		name, known := toJoin[reqChannel]
		if !known {
			return nil, gwerrors.ProtocolViolation("unknown channel id %d in ChannelJoinRequest", reqChannel)
		}
		if err := writeChannelJoinRequest(server, reqInitiator, reqChannel); err != nil {
			return nil, err
		}
		confirmedID, err := readChannelJoinConfirm(server)
		if err != nil {
			return nil, err
		}
		if err := writeChannelJoinConfirm(client, reqInitiator, reqChannel, confirmedID); err != nil {
			return nil, err
		}
		joined[confirmedID] = name
		delete(toJoin, reqChannel)
	}

	return joined, nil
}
