package token

import (
	"crypto"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

var knownContentTypes = map[ContentType]bool{
	CtyAssociation: true,
	CtyScope:       true,
	CtyBridge:      true,
	CtyJmux:        true,
	CtyJrec:        true,
	CtyKdc:         true,
	CtyJrl:         true,
	CtyNetScan:     true,
	CtyWebApp:      true,
}

var signatureAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.EdDSA}
var keyAlgorithms = []jose.KeyAlgorithm{jose.RSA_OAEP_256}
var contentEncryption = []jose.ContentEncryption{jose.A256GCM}

// Verifier implements the C1 contract: verify(token_bytes, source_ip) ->
// TokenClaims | Error (spec.md §4.1).
type Verifier struct {
	GatewayID      uuid.UUID
	ProvisionerKey crypto.PublicKey
	DelegationKey  crypto.PrivateKey // decrypts JWE-wrapped tokens; nil if not configured
	ClockSkew      time.Duration

	Replay *ReplayCache
	JRL    *JRL

	// Now is overridable for tests.
	Now func() time.Time

	// Metrics, when set, is incremented once per Verify call with the
	// outcome ("ok" or a gwerrors.Kind string such as "expired").
	Metrics interface {
		IncTokenVerify(result string)
	}

	Log *logrus.Entry
}

// NewVerifier wires a Verifier with sane defaults.
func NewVerifier(gatewayID uuid.UUID, provisionerKey crypto.PublicKey) *Verifier {
	return &Verifier{
		GatewayID:      gatewayID,
		ProvisionerKey: provisionerKey,
		ClockSkew:      30 * time.Second,
		Replay:         NewReplayCache(),
		JRL:            NewJRL(),
		Now:            time.Now,
		Log:            logrus.WithField("component", "token"),
	}
}

// Verify implements spec.md §4.1's eight-step pipeline, recording the
// outcome to Metrics if configured.
func (v *Verifier) Verify(tokenBytes []byte, sourceIP net.IP) (Claims, error) {
	claims, err := v.verify(tokenBytes, sourceIP)
	if v.Metrics != nil {
		v.Metrics.IncTokenVerify(verifyResult(err))
	}
	return claims, err
}

func verifyResult(err error) string {
	if err == nil {
		return "ok"
	}
	var te *gwerrors.TokenError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return "error"
}

func (v *Verifier) verify(tokenBytes []byte, sourceIP net.IP) (Claims, error) {
	jwsBytes, err := v.maybeDecryptJWE(tokenBytes)
	if err != nil {
		return Claims{}, err
	}

	sig, err := jose.ParseSigned(string(jwsBytes), signatureAlgorithms)
	if err != nil {
		return Claims{}, gwerrors.NewTokenError(gwerrors.BadFormat, "parsing token: %v", err)
	}

	verifyKey := v.ProvisionerKey
	if keyToken, ok := headerExtra(sig, "key_token"); ok {
		keyData, _ := headerExtra(sig, "key_data")
		subkey, err := recoverSubkey(keyToken, keyData, v.ProvisionerKey, v.GatewayID)
		if err != nil {
			return Claims{}, gwerrors.NewTokenError(gwerrors.BadSignature, "recovering subkey: %v", err)
		}
		verifyKey = subkey
	}

	payload, err := sig.Verify(verifyKey)
	if err != nil {
		return Claims{}, gwerrors.NewTokenError(gwerrors.BadSignature, "signature verification failed: %v", err)
	}

	ctyStr, _ := headerExtra(sig, "cty")
	cty := ContentType(ctyStr)
	if cty == "" {
		// Some issuers put cty in the payload rather than the header.
		cty = sniffContentType(payload)
	}
	if !knownContentTypes[cty] {
		return Claims{}, gwerrors.NewTokenError(gwerrors.UnsupportedCty, "unknown cty %q", ctyStr)
	}

	claims, err := decode(cty, payload)
	if err != nil {
		return Claims{}, gwerrors.NewTokenError(gwerrors.BadFormat, "decoding claims: %v", err)
	}

	if cty == CtyJrl {
		// A JRL update isn't a connection authorization; it's validated
		// by signature alone (already done above) plus its own
		// monotonic-iat rule, applied by the caller via v.JRL.Install.
		return claims, nil
	}

	common, _ := claims.Common()
	now := v.Now()

	if now.Before(common.notBefore().Add(-v.ClockSkew)) {
		return Claims{}, gwerrors.NewTokenError(gwerrors.NotYetValid, "token not valid until %s", common.notBefore())
	}
	// exp is an exclusive upper bound: now == exp is rejected (spec.md §8).
	if !now.Before(common.expires().Add(v.ClockSkew)) {
		return Claims{}, gwerrors.NewTokenError(gwerrors.Expired, "token expired at %s", common.expires())
	}

	if common.JetGwID != nil && *common.JetGwID != v.GatewayID {
		return Claims{}, gwerrors.NewTokenError(gwerrors.WrongGateway, "token is for gateway %s, not %s", common.JetGwID, v.GatewayID)
	}

	if v.JRL.Revoked(claims.ClaimValues()) {
		return Claims{}, gwerrors.NewTokenError(gwerrors.Revoked, "token claims match the installed JRL")
	}

	isRDPAssociation := claims.Association != nil && claims.Association.ApplicationProto == ProtoRDP
	if v.Replay != nil {
		seen, allowed := v.Replay.Check(common.Jti, sourceIP, common.expires(), isRDPAssociation)
		if seen && !allowed {
			return Claims{}, gwerrors.NewTokenError(gwerrors.Replayed, "jti %s already used", common.Jti)
		}
	}

	return claims, nil
}

// maybeDecryptJWE detects a JWE envelope (mandatory for any ASSOCIATION
// token carrying credentials, spec.md §4.1 step 1) and decrypts it,
// returning the inner JWS bytes. If tokenBytes isn't a JWE, it is
// returned unchanged.
func (v *Verifier) maybeDecryptJWE(tokenBytes []byte) ([]byte, error) {
	enc, err := jose.ParseEncrypted(string(tokenBytes), keyAlgorithms, contentEncryption)
	if err != nil {
		// Not a JWE; assume a bare JWS.
		return tokenBytes, nil
	}
	if v.DelegationKey == nil {
		return nil, gwerrors.NewTokenError(gwerrors.BadFormat, "token is encrypted but no delegation key is configured")
	}
	plaintext, err := enc.Decrypt(v.DelegationKey)
	if err != nil {
		return nil, gwerrors.NewTokenError(gwerrors.BadFormat, "decrypting token: %v", err)
	}
	return plaintext, nil
}

// sniffContentType is a fallback for issuers that encode cty in the
// payload rather than the JOSE header; it looks for a handful of
// claim shapes unique to each variant.
func sniffContentType(payload []byte) ContentType {
	var probe struct {
		ConnectionMode *string `json:"jet_cm"`
		Scope          *string `json:"scope"`
		TargetHost     *string `json:"target_host"`
		DstHost        *string `json:"dst_hst"`
		Operation      *string `json:"jet_rop"`
		KrbRealm       *string `json:"krb_realm"`
		JRL            map[string]any `json:"jrl"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	switch {
	case probe.ConnectionMode != nil:
		return CtyAssociation
	case probe.JRL != nil:
		return CtyJrl
	case probe.Operation != nil:
		return CtyJrec
	case probe.KrbRealm != nil:
		return CtyKdc
	case probe.TargetHost != nil:
		return CtyBridge
	case probe.DstHost != nil:
		return CtyJmux
	case probe.Scope != nil:
		return CtyScope
	default:
		return CtyWebApp
	}
}

