package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func signAssociation(t *testing.T, priv *ecdsa.PrivateKey, claims AssociationClaims) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: priv}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"cty": string(CtyAssociation)},
	})
	require.NoError(t, err)

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)

	out, err := jws.CompactSerialize()
	require.NoError(t, err)
	return out
}

func newTestVerifier(t *testing.T, priv *ecdsa.PrivateKey) *Verifier {
	t.Helper()
	gwID := uuid.New()
	v := NewVerifier(gwID, priv.Public())
	v.Now = func() time.Time { return time.Unix(1_000_000, 0) }
	return v
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Minute).Unix(),
			Exp: now.Add(time.Minute).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		RecordingPolicy:  RecordingNone,
		AssociationID:    uuid.New(),
		DstHost:          "10.0.0.5:3389",
	}
	tok := signAssociation(t, priv, claims)

	got, err := v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)
	require.NotNil(t, got.Association)
	require.Equal(t, claims.AssociationID, got.Association.AssociationID)
}

func TestVerifyRejectsExpired(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Hour).Unix(),
			Exp: now.Unix(), // exp == now is rejected (exclusive upper bound)
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err)
}

type recordingMetrics struct {
	results []string
}

func (m *recordingMetrics) IncTokenVerify(result string) {
	m.results = append(m.results, result)
}

func TestVerifyRecordsOutcomeToMetrics(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	m := &recordingMetrics{}
	v.Metrics = m
	now := v.Now()

	valid := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Minute).Unix(),
			Exp: now.Add(time.Minute).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	_, err = v.Verify([]byte(signAssociation(t, priv, valid)), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)

	expired := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Hour).Unix(),
			Exp: now.Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	_, err = v.Verify([]byte(signAssociation(t, priv, expired)), net.ParseIP("203.0.113.7"))
	require.Error(t, err)

	require.Equal(t, []string{"ok", "expired"}, m.results)
}

func TestVerifyRejectsNotYetValid(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(time.Hour).Unix(),
			Exp: now.Add(2 * time.Hour).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err)
}

func TestVerifyNbfEqualsNowIsAccepted(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Unix(),
			Exp: now.Add(time.Hour).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)
}

func TestVerifyRejectsWrongGateway(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	other := uuid.New()
	claims := AssociationClaims{
		Common: Common{
			Jti:     uuid.New(),
			Nbf:     now.Add(-time.Minute).Unix(),
			Exp:     now.Add(time.Minute).Unix(),
			JetGwID: &other,
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err)
}

func TestVerifyReplayedRejectedFromDifferentIP(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Minute).Unix(),
			Exp: now.Add(time.Minute).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoSSH, // not RDP: no same-IP exception
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.NoError(t, err)

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err, "even the same IP cannot replay a non-RDP token")
}

func TestVerifyRevokedByJRL(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier(t, priv)
	now := v.Now()

	jti := uuid.New()
	claims := AssociationClaims{
		Common: Common{
			Jti: jti,
			Nbf: now.Add(-time.Minute).Unix(),
			Exp: now.Add(time.Minute).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, priv, claims)

	require.NoError(t, v.JRL.Install(&JrlClaims{
		Jti: uuid.New(),
		Iat: 100,
		Jrl: map[string][]any{"jti": {jti.String()}},
	}))

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err)
}

func TestVerifyBadSignatureRejected(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v := newTestVerifier(t, priv)
	now := v.Now()

	claims := AssociationClaims{
		Common: Common{
			Jti: uuid.New(),
			Nbf: now.Add(-time.Minute).Unix(),
			Exp: now.Add(time.Minute).Unix(),
		},
		ConnectionMode:   ModeForward,
		ApplicationProto: ProtoRDP,
		AssociationID:    uuid.New(),
	}
	tok := signAssociation(t, other, claims) // signed with the wrong key

	_, err = v.Verify([]byte(tok), net.ParseIP("203.0.113.7"))
	require.Error(t, err)
}
