// Package token implements C1: verification of the signed/encrypted
// tokens that authorize every gateway operation, the replay cache, and
// the JRL revocation list.
package token

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// ApplicationProtocol is the jet_ap claim, grounded on
// tools/tokengen/src/lib.rs's ApplicationProtocol enum.
type ApplicationProtocol string

const (
	ProtoWayk           ApplicationProtocol = "wayk"
	ProtoRDP            ApplicationProtocol = "rdp"
	ProtoARD            ApplicationProtocol = "ard"
	ProtoVNC            ApplicationProtocol = "vnc"
	ProtoSSH            ApplicationProtocol = "ssh"
	ProtoSSHPwsh        ApplicationProtocol = "ssh-pwsh"
	ProtoSFTP           ApplicationProtocol = "sftp"
	ProtoSCP            ApplicationProtocol = "scp"
	ProtoWinRMHTTPPwsh  ApplicationProtocol = "winrm-http-pwsh"
	ProtoWinRMHTTPSPwsh ApplicationProtocol = "winrm-https-pwsh"
	ProtoHTTP           ApplicationProtocol = "http"
	ProtoHTTPS          ApplicationProtocol = "https"
	ProtoLDAP           ApplicationProtocol = "ldap"
	ProtoLDAPS          ApplicationProtocol = "ldaps"
	ProtoUnknown        ApplicationProtocol = "unknown"
)

// ConnectionMode is the jet_cm claim: forward or rendezvous.
type ConnectionMode string

const (
	ModeForward    ConnectionMode = "fwd"
	ModeRendezvous ConnectionMode = "rdv"
)

// RecordingPolicy is the jet_rec claim.
type RecordingPolicy string

const (
	RecordingNone   RecordingPolicy = "none"
	RecordingStream RecordingPolicy = "stream"
	RecordingProxy  RecordingPolicy = "proxy"
)

// RecordingOperation is the jet_rop claim on a JREC token.
type RecordingOperation string

const (
	RecordingPush RecordingOperation = "push"
	RecordingPull RecordingOperation = "pull"
)

// ContentType is the `cty` JOSE header value used to dispatch claim
// decoding (spec.md §3).
type ContentType string

const (
	CtyAssociation ContentType = "ASSOCIATION"
	CtyScope       ContentType = "SCOPE"
	CtyBridge      ContentType = "BRIDGE"
	CtyJmux        ContentType = "JMUX"
	CtyJrec        ContentType = "JREC"
	CtyKdc         ContentType = "KDC"
	CtyJrl         ContentType = "JRL"
	CtyNetScan     ContentType = "NETSCAN"
	CtyWebApp      ContentType = "WEBAPP"
)

// Common carries the fields every claim variant shares (spec.md §3).
type Common struct {
	Jti      uuid.UUID  `json:"jti"`
	Nbf      int64      `json:"nbf"`
	Exp      int64      `json:"exp"`
	JetGwID  *uuid.UUID `json:"jet_gw_id,omitempty"`
}

func (c Common) notBefore() time.Time { return time.Unix(c.Nbf, 0) }
func (c Common) expires() time.Time   { return time.Unix(c.Exp, 0) }

// Creds carries the proxy/destination credential pair used only by the
// RDP-TLS rewrite flow (spec.md §3 Association.creds).
type Creds struct {
	ProxyUsername string `json:"prx_usr"`
	ProxyPassword string `json:"prx_pwd"`
	DstUsername   string `json:"dst_usr"`
	DstPassword   string `json:"dst_pwd"`
}

// AssociationClaims backs a JET_CM-carrying token that creates or
// resumes an Association (spec.md §3).
type AssociationClaims struct {
	Common
	ConnectionMode ConnectionMode      `json:"jet_cm"`
	ApplicationProto ApplicationProtocol `json:"jet_ap"`
	RecordingPolicy RecordingPolicy     `json:"jet_rec"`
	AssociationID   uuid.UUID           `json:"jet_aid"`
	TTLMinutes      *uint64             `json:"jet_ttl,omitempty"`
	Reuse           *uint32             `json:"jet_reuse,omitempty"`
	DstHost         string              `json:"dst_hst,omitempty"`
	CertThumb256    string              `json:"cert_thumb256,omitempty"`
	Creds           *Creds              `json:"-"`
}

// ScopeClaims authorizes exactly one control-plane endpoint.
type ScopeClaims struct {
	Common
	Scope string `json:"scope"`
}

// BridgeClaims is a lighter-weight forward token variant.
type BridgeClaims struct {
	Common
	TargetHost      string              `json:"target_host"`
	AssociationID   uuid.UUID           `json:"jet_aid"`
	ApplicationProto ApplicationProtocol `json:"jet_ap"`
	RecordingPolicy RecordingPolicy     `json:"jet_rec"`
	TTLMinutes      *uint64             `json:"jet_ttl,omitempty"`
}

// JmuxClaims authorizes opening a JMUX-relayed destination.
type JmuxClaims struct {
	Common
	DstHost          string              `json:"dst_hst"`
	DstAdditional     []string            `json:"dst_addl,omitempty"`
	ApplicationProto  ApplicationProtocol `json:"jet_ap"`
	RecordingPolicy   RecordingPolicy     `json:"jet_rec"`
	AssociationID     uuid.UUID           `json:"jet_aid"`
	TTLMinutes        *uint64             `json:"jet_ttl,omitempty"`
}

// JrecClaims authorizes pushing or pulling a recording stream.
type JrecClaims struct {
	Common
	AssociationID uuid.UUID          `json:"jet_aid"`
	Operation     RecordingOperation `json:"jet_rop"`
	Reuse         *uint32            `json:"jet_reuse,omitempty"`
}

// KdcClaims authorizes a Kerberos KDC proxy connection.
type KdcClaims struct {
	Common
	KrbRealm string `json:"krb_realm"`
	KrbKdc   string `json:"krb_kdc"`
}

// JrlClaims carries a revocation-list update.
type JrlClaims struct {
	Jti     uuid.UUID                  `json:"jti"`
	Iat     int64                      `json:"iat"`
	Jrl     map[string][]any           `json:"jrl"`
	JetGwID *uuid.UUID                 `json:"jet_gw_id,omitempty"`
}

// NetScanClaims authorizes the network-scanner collaborator.
type NetScanClaims struct {
	Common
}

// WebAppClaims authorizes the short-lived web-application token flow.
type WebAppClaims struct {
	Common
	Subject string `json:"sub,omitempty"`
}

// Claims is the decoded, tagged-union result of verification. Exactly
// one of the typed fields is non-nil, matching its Type.
type Claims struct {
	Type ContentType

	Association *AssociationClaims
	Scope       *ScopeClaims
	Bridge      *BridgeClaims
	Jmux        *JmuxClaims
	Jrec        *JrecClaims
	Kdc         *KdcClaims
	Jrl         *JrlClaims
	NetScan     *NetScanClaims
	WebApp      *WebAppClaims
}

// Common returns the fields shared by every variant except JRL (which
// carries iat instead of nbf/exp since it is an update record, not a
// connection authorization).
func (c Claims) Common() (Common, bool) {
	switch {
	case c.Association != nil:
		return c.Association.Common, true
	case c.Scope != nil:
		return c.Scope.Common, true
	case c.Bridge != nil:
		return c.Bridge.Common, true
	case c.Jmux != nil:
		return c.Jmux.Common, true
	case c.Jrec != nil:
		return c.Jrec.Common, true
	case c.Kdc != nil:
		return c.Kdc.Common, true
	case c.NetScan != nil:
		return c.NetScan.Common, true
	case c.WebApp != nil:
		return c.WebApp.Common, true
	default:
		return Common{}, false
	}
}

// ClaimValues returns every string-ish claim value carried by this token,
// keyed by claim name, for JRL matching (spec.md §3: "revoked if any of
// its claim values is a member of the corresponding set").
func (c Claims) ClaimValues() map[string]string {
	out := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	if common, ok := c.Common(); ok {
		add("jti", common.Jti.String())
	}
	switch {
	case c.Association != nil:
		a := c.Association
		add("jet_aid", a.AssociationID.String())
		add("dst_hst", a.DstHost)
		add("jet_ap", string(a.ApplicationProto))
	case c.Bridge != nil:
		add("jet_aid", c.Bridge.AssociationID.String())
		add("target_host", c.Bridge.TargetHost)
	case c.Jmux != nil:
		add("jet_aid", c.Jmux.AssociationID.String())
		add("dst_hst", c.Jmux.DstHost)
	case c.Jrec != nil:
		add("jet_aid", c.Jrec.AssociationID.String())
	case c.Scope != nil:
		add("scope", c.Scope.Scope)
	}
	return out
}

// decode dispatches on cty to unmarshal payload into the right variant.
func decode(cty ContentType, payload []byte) (Claims, error) {
	var claims Claims
	claims.Type = cty

	switch cty {
	case CtyAssociation:
		var a AssociationClaims
		if err := json.Unmarshal(payload, &a); err != nil {
			return claims, trace.Wrap(err)
		}
		var creds Creds
		var probe struct {
			ProxyUsername *string `json:"prx_usr"`
		}
		if err := json.Unmarshal(payload, &probe); err == nil && probe.ProxyUsername != nil {
			if err := json.Unmarshal(payload, &creds); err == nil {
				a.Creds = &creds
			}
		}
		claims.Association = &a
	case CtyScope:
		var s ScopeClaims
		if err := json.Unmarshal(payload, &s); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Scope = &s
	case CtyBridge:
		var b BridgeClaims
		if err := json.Unmarshal(payload, &b); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Bridge = &b
	case CtyJmux:
		var j JmuxClaims
		if err := json.Unmarshal(payload, &j); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Jmux = &j
	case CtyJrec:
		var j JrecClaims
		if err := json.Unmarshal(payload, &j); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Jrec = &j
	case CtyKdc:
		var k KdcClaims
		if err := json.Unmarshal(payload, &k); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Kdc = &k
	case CtyJrl:
		var j JrlClaims
		if err := json.Unmarshal(payload, &j); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.Jrl = &j
	case CtyNetScan:
		var n NetScanClaims
		if err := json.Unmarshal(payload, &n); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.NetScan = &n
	case CtyWebApp:
		var w WebAppClaims
		if err := json.Unmarshal(payload, &w); err != nil {
			return claims, trace.Wrap(err)
		}
		claims.WebApp = &w
	default:
		return claims, trace.BadParameter("unsupported cty %q", cty)
	}
	return claims, nil
}
