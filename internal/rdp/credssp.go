package rdp

import (
	"bufio"
	"encoding/asn1"
	"io"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// CredSSP (MS-CSSP) NLA handshake: the TSRequest/TSCredentials ASN.1 DER
// envelope is implemented directly against the wire format; the actual
// SPNEGO/NTLM negotiation tokens carried inside negoTokens are produced
// and consumed by a pluggable Negotiator, mirroring how
// credssp_future.rs itself delegates token processing to the `sspi`
// crate's `CredSspClient`/`CredSspServer` rather than implementing
// NTLM/Kerberos inline (see DESIGN.md: no Go NTLM/SPNEGO library exists
// in the example pack to ground a from-scratch implementation on).

// TSRequest is MS-CSSP's top-level negotiation envelope.
type TSRequest struct {
	Version     int            `asn1:"explicit,tag:0"`
	NegoTokens  []negoDatum    `asn1:"explicit,tag:1,optional"`
	AuthInfo    []byte         `asn1:"explicit,tag:2,optional"`
	PubKeyAuth  []byte         `asn1:"explicit,tag:3,optional"`
	ErrorCode   int            `asn1:"explicit,tag:4,optional"`
	ClientNonce []byte         `asn1:"explicit,tag:5,optional"`
}

type negoDatum struct {
	NegoToken []byte `asn1:"explicit,tag:0"`
}

const credSSPVersion = 6

// TSCredentials carries the delegated credentials once NLA completes.
type TSCredentials struct {
	CredType    int    `asn1:"explicit,tag:0"`
	Credentials []byte `asn1:"explicit,tag:1"`
}

// tsPasswordCreds is TSCredentials.Credentials' inner payload when
// CredType is password-based (the only kind this gateway issues, since
// it always logs in with DstUsername/DstPassword from the token).
type tsPasswordCreds struct {
	DomainName []byte `asn1:"explicit,tag:0"`
	UserName   []byte `asn1:"explicit,tag:1"`
	Password   []byte `asn1:"explicit,tag:2"`
}

func encodeTSPasswordCreds(domain, user, password string) ([]byte, error) {
	return asn1.Marshal(tsPasswordCreds{
		DomainName: []byte(domain),
		UserName:   []byte(user),
		Password:   []byte(password),
	})
}

func newNegoTSRequest(token []byte) *TSRequest {
	return &TSRequest{Version: credSSPVersion, NegoTokens: []negoDatum{{NegoToken: token}}}
}

// soleNegoToken returns the single nego token carried by req, if any.
func soleNegoToken(req *TSRequest) []byte {
	if req == nil || len(req.NegoTokens) == 0 {
		return nil
	}
	return req.NegoTokens[0].NegoToken
}

// Negotiator drives one side of the SPNEGO/NTLM exchange embedded in
// TSRequest.NegoTokens. Process is called once per round-trip and returns
// the next token to send and whether negotiation is complete; the
// delegated credentials travel separately, in TSRequest.AuthInfo.
type Negotiator interface {
	Process(inToken []byte) (outToken []byte, done bool, err error)
}

// readTSRequest reads one DER-encoded TSRequest from r. DER's
// self-describing length means no extra framing is needed; we just
// need to know how many bytes the outer SEQUENCE occupies before
// handing them to asn1.Unmarshal.
func readTSRequest(r *bufio.Reader) (*TSRequest, error) {
	raw, err := readDERElement(r)
	if err != nil {
		return nil, err
	}
	var req TSRequest
	if _, err := asn1.Unmarshal(raw, &req); err != nil {
		return nil, gwerrors.ProtocolViolation("malformed TSRequest: %v", err)
	}
	return &req, nil
}

func writeTSRequest(w io.Writer, req *TSRequest) error {
	raw, err := asn1.Marshal(*req)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// readDERElement reads exactly one BER/DER TLV (tag, length, value)
// from r without consuming anything past it, per the standard
// definite-length encoding rules used throughout MS-CSSP.
func readDERElement(r *bufio.Reader) ([]byte, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	lenByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	var lengthBytes []byte
	var length int
	if lenByte&0x80 == 0 {
		length = int(lenByte)
	} else {
		n := int(lenByte &^ 0x80)
		if n == 0 || n > 4 {
			return nil, gwerrors.ProtocolViolation("unsupported DER length form")
		}
		lengthBytes = make([]byte, n)
		if _, err := io.ReadFull(r, lengthBytes); err != nil {
			return nil, err
		}
		for _, b := range lengthBytes {
			length = length<<8 | int(b)
		}
	}

	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 2+len(lengthBytes)+length)
	out = append(out, tagByte, lenByte)
	out = append(out, lengthBytes...)
	out = append(out, value...)
	return out, nil
}

// runCredSSPClientSide drives NLA from the gateway's position as TLS
// client toward the real RDP server (spec.md §4.7 step 3: "perform its
// own X.224 + CredSSP to the target using the destination credentials
// from the token"), grounded on CredSspClientFuture's GetMessage/
// ParseMessage/SendMessage/SendFinalMessage state loop.
func runCredSSPClientSide(rw io.ReadWriter, neg Negotiator, domain, user, password string) error {
	br := bufio.NewReader(rw)

	outToken, done, err := neg.Process(nil)
	if err != nil {
		return err
	}
	if err := writeTSRequest(rw, newNegoTSRequest(outToken)); err != nil {
		return err
	}

	for !done {
		in, err := readTSRequest(br)
		if err != nil {
			return err
		}
		outToken, done, err = neg.Process(soleNegoToken(in))
		if err != nil {
			return err
		}
		if !done {
			if err := writeTSRequest(rw, newNegoTSRequest(outToken)); err != nil {
				return err
			}
		}
	}

	creds, err := encodeTSPasswordCreds(domain, user, password)
	if err != nil {
		return err
	}
	tsCreds, err := asn1.Marshal(TSCredentials{CredType: 1, Credentials: creds})
	if err != nil {
		return err
	}
	return writeTSRequest(rw, &TSRequest{Version: credSSPVersion, AuthInfo: tsCreds})
}

// runCredSSPServerSide drives NLA from the gateway's position as TLS
// server toward the RDP client (spec.md §4.7 step 2), grounded on
// CredSspServerFuture's equivalent loop; it returns the delegated
// credentials the client handed over in its AuthInfo blob.
func runCredSSPServerSide(rw io.ReadWriter, neg Negotiator) (tsPasswordCreds, error) {
	br := bufio.NewReader(rw)
	var creds tsPasswordCreds

	for {
		in, err := readTSRequest(br)
		if err != nil {
			return creds, err
		}
		if len(in.AuthInfo) > 0 {
			var tsCreds TSCredentials
			if _, err := asn1.Unmarshal(in.AuthInfo, &tsCreds); err != nil {
				return creds, gwerrors.ProtocolViolation("malformed TSCredentials: %v", err)
			}
			if _, err := asn1.Unmarshal(tsCreds.Credentials, &creds); err != nil {
				return creds, gwerrors.ProtocolViolation("malformed TSPasswordCreds: %v", err)
			}
			return creds, nil
		}

		outToken, done, err := neg.Process(soleNegoToken(in))
		if err != nil {
			return creds, err
		}
		if done && len(outToken) == 0 {
			continue // await the client's final AuthInfo-bearing TSRequest
		}
		if err := writeTSRequest(rw, newNegoTSRequest(outToken)); err != nil {
			return creds, err
		}
	}
}
