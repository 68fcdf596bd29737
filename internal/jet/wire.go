// Package jet implements C5: the JET rendezvous protocol (spec.md §4.4).
package jet

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// Magic is the 4-byte signature that opens every JET message on the
// wire (spec.md §4.4, §6): "JET\0".
var Magic = [4]byte{'J', 'E', 'T', 0}

const (
	VersionV1 uint16 = 1
	VersionV2 uint16 = 2
)

// MsgType identifies the variant body following the common header.
type MsgType uint8

const (
	MsgAcceptReq MsgType = iota
	MsgAcceptRsp
	MsgConnectReq
	MsgConnectRsp
	MsgTestReq
	MsgTestRsp
)

// StatusCode mirrors the JET wire status values (spec.md §4.4).
type StatusCode uint16

const (
	StatusOK         StatusCode = 200
	StatusBadRequest StatusCode = 400
	StatusNotFound   StatusCode = 404
)

// AcceptReq is JetAcceptReq{ version, association_id (V2 only), candidate_id (V2 only) }.
type AcceptReq struct {
	Version       uint16
	AssociationID uuid.UUID // zero value for V1
	CandidateID   uuid.UUID // zero value for V1
}

// AcceptRsp is JetAcceptRsp{ status, association_id, version, instance_name, timeout_secs }.
type AcceptRsp struct {
	Status        StatusCode
	AssociationID uuid.UUID
	Version       uint16
	InstanceName  string
	TimeoutSecs   uint32
}

// ConnectReq is JetConnectReq{ version, association_id, candidate_id }.
type ConnectReq struct {
	Version       uint16
	AssociationID uuid.UUID
	CandidateID   uuid.UUID // zero value for V1
}

// ConnectRsp is JetConnectRsp{ status, version }.
type ConnectRsp struct {
	Status  StatusCode
	Version uint16
}

// TestReq/TestRsp are JetTestReq/Rsp{ version, status }.
type TestReq struct{ Version uint16 }
type TestRsp struct {
	Version uint16
	Status  StatusCode
}

// header is the common preamble: 4-byte magic, 2-byte version, 2-byte
// total length, then a 1-byte message-type discriminant so a single
// listening socket can receive any of the Accept/Connect/Test variants
// without knowing in advance which one is coming (spec.md §4.4, §4.3
// step 3 hands any "JET\0"-prefixed connection to this package as a
// whole, not to a pre-selected variant reader).
type header struct {
	Version uint16
	Length  uint16
	Type    MsgType
}

// PeekType reads and returns just enough of the stream to learn the
// message type, without consuming the rest of the header — callers use
// a bufio.Reader so the header can be re-read in full by the
// type-specific Read* function.
func PeekType(r bufioPeeker) (MsgType, error) {
	buf, err := r.Peek(9)
	if err != nil {
		return 0, err
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return 0, gwerrors.ProtocolViolation("bad JET magic %x", buf[:4])
	}
	return MsgType(buf[8]), nil
}

// bufioPeeker is the minimal interface PeekType needs; satisfied by
// *bufio.Reader.
type bufioPeeker interface {
	Peek(n int) ([]byte, error)
}

func readHeader(r io.Reader, want MsgType) (header, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return header{}, err
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return header{}, gwerrors.ProtocolViolation("bad JET magic %x", buf[:4])
	}
	hdr := header{
		Version: binary.BigEndian.Uint16(buf[4:6]),
		Length:  binary.BigEndian.Uint16(buf[6:8]),
		Type:    MsgType(buf[8]),
	}
	if hdr.Type != want {
		return header{}, gwerrors.ProtocolViolation("unexpected JET message type %d, wanted %d", hdr.Type, want)
	}
	return hdr, nil
}

func writeHeader(w io.Writer, version, length uint16, typ MsgType) error {
	var buf [9]byte
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], version)
	binary.BigEndian.PutUint16(buf[6:8], length)
	buf[8] = byte(typ)
	_, err := w.Write(buf[:])
	return err
}

func readUUID(r io.Reader) (uuid.UUID, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(buf[:])
}

func writeUUID(w io.Writer, id uuid.UUID) error {
	b, err := id.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadAcceptReq reads a JetAcceptReq body following the common header.
func ReadAcceptReq(r io.Reader) (AcceptReq, error) {
	hdr, err := readHeader(r, MsgAcceptReq)
	if err != nil {
		return AcceptReq{}, err
	}
	req := AcceptReq{Version: hdr.Version}
	if hdr.Version == VersionV2 {
		if req.AssociationID, err = readUUID(r); err != nil {
			return AcceptReq{}, err
		}
		if req.CandidateID, err = readUUID(r); err != nil {
			return AcceptReq{}, err
		}
	} else if hdr.Version != VersionV1 {
		return AcceptReq{}, gwerrors.ProtocolViolation("unsupported JET version %d", hdr.Version)
	}
	return req, nil
}

// WriteAcceptRsp writes a JetAcceptRsp.
func WriteAcceptRsp(w io.Writer, rsp AcceptRsp) error {
	// status(2) + assoc(16) + version(2) + name-len(1) + name + timeout(4)
	nameBytes := []byte(rsp.InstanceName)
	length := 2 + 16 + 2 + 1 + len(nameBytes) + 4
	if err := writeHeader(w, rsp.Version, uint16(9+length), MsgAcceptRsp); err != nil {
		return err
	}
	var fixed [5]byte
	binary.BigEndian.PutUint16(fixed[0:2], uint16(rsp.Status))
	if err := writeAll(w, fixed[0:2]); err != nil {
		return err
	}
	if err := writeUUID(w, rsp.AssociationID); err != nil {
		return err
	}
	var verBuf [2]byte
	binary.BigEndian.PutUint16(verBuf[:], rsp.Version)
	if err := writeAll(w, verBuf[:]); err != nil {
		return err
	}
	if err := writeAll(w, []byte{byte(len(nameBytes))}); err != nil {
		return err
	}
	if err := writeAll(w, nameBytes); err != nil {
		return err
	}
	var toBuf [4]byte
	binary.BigEndian.PutUint32(toBuf[:], rsp.TimeoutSecs)
	return writeAll(w, toBuf[:])
}

// ReadConnectReq reads a JetConnectReq body following the common header.
func ReadConnectReq(r io.Reader) (ConnectReq, error) {
	hdr, err := readHeader(r, MsgConnectReq)
	if err != nil {
		return ConnectReq{}, err
	}
	req := ConnectReq{Version: hdr.Version}
	if req.AssociationID, err = readUUID(r); err != nil {
		return ConnectReq{}, err
	}
	if hdr.Version == VersionV2 {
		if req.CandidateID, err = readUUID(r); err != nil {
			return ConnectReq{}, err
		}
	} else if hdr.Version != VersionV1 {
		return ConnectReq{}, gwerrors.ProtocolViolation("unsupported JET version %d", hdr.Version)
	}
	return req, nil
}

// WriteConnectRsp writes a JetConnectRsp.
func WriteConnectRsp(w io.Writer, rsp ConnectRsp) error {
	if err := writeHeader(w, rsp.Version, 9+2, MsgConnectRsp); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(rsp.Status))
	return writeAll(w, buf[:])
}

// ReadTestReq reads a JetTestReq body following the common header.
func ReadTestReq(r io.Reader) (TestReq, error) {
	hdr, err := readHeader(r, MsgTestReq)
	if err != nil {
		return TestReq{}, err
	}
	return TestReq{Version: hdr.Version}, nil
}

// WriteTestRsp writes a JetTestRsp.
func WriteTestRsp(w io.Writer, rsp TestRsp) error {
	if err := writeHeader(w, rsp.Version, 9+2, MsgTestRsp); err != nil {
		return err
	}
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(rsp.Status))
	return writeAll(w, buf[:])
}

func writeAll(w io.Writer, p []byte) error {
	_, err := w.Write(p)
	return err
}
