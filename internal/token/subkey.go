package token

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/hex"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// subkeyHeaderClaims is the payload of the key_token JWS: a delegation
// certifying that the bearer of key_data may sign further tokens for the
// gateways listed in scope_ids (spec.md glossary: "Subkey").
type subkeyHeaderClaims struct {
	Kid      string      `json:"kid"`
	ScopeIDs []uuid.UUID `json:"scope_ids,omitempty"`
}

// headerExtra pulls a string-valued custom JOSE header out of a parsed
// JWS, returning ok=false if absent.
func headerExtra(sig *jose.JSONWebSignature, name string) (string, bool) {
	if sig == nil || len(sig.Signatures) == 0 {
		return "", false
	}
	raw, ok := sig.Signatures[0].Header.ExtraHeaders[jose.HeaderKey(name)]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// recoverSubkey implements spec.md §4.1 step 2's subkey recovery: verify
// key_token with the master provisioner key, check the hash of key_data
// matches the subkey token's kid, decode the subkey, and enforce its
// scope_ids.
func recoverSubkey(keyToken, keyDataB64 string, provisionerKey crypto.PublicKey, gatewayID uuid.UUID) (crypto.PublicKey, error) {
	sig, err := jose.ParseSigned(keyToken, []jose.SignatureAlgorithm{
		jose.RS256, jose.ES256, jose.EdDSA,
	})
	if err != nil {
		return nil, trace.Wrap(err, "parsing key_token")
	}

	payload, err := sig.Verify(provisionerKey)
	if err != nil {
		return nil, trace.Wrap(err, "verifying key_token against provisioner key")
	}

	var claims subkeyHeaderClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.Wrap(err, "decoding key_token claims")
	}

	keyData, err := base64.RawURLEncoding.DecodeString(keyDataB64)
	if err != nil {
		// Some issuers emit standard (padded) base64; tolerate both.
		keyData, err = base64.StdEncoding.DecodeString(keyDataB64)
		if err != nil {
			return nil, trace.Wrap(err, "decoding key_data")
		}
	}

	sum := sha256.Sum256(keyData)
	if hex.EncodeToString(sum[:]) != claims.Kid {
		return nil, trace.AccessDenied("key_data does not match key_token's kid")
	}

	if len(claims.ScopeIDs) > 0 {
		found := false
		for _, id := range claims.ScopeIDs {
			if id == gatewayID {
				found = true
				break
			}
		}
		if !found {
			return nil, trace.AccessDenied("subkey scope_ids does not include this gateway")
		}
	}

	pub, err := x509.ParsePKIXPublicKey(keyData)
	if err != nil {
		return nil, trace.Wrap(err, "parsing subkey public key")
	}
	return pub, nil
}
