// Package config loads the gateway's on-disk configuration:
// $DGATEWAY_CONFIG_PATH/gateway.json plus any files it references
// (TLS material, the provisioner key, the optional destination-policy
// file). TLS certificate loading itself is an external collaborator
// (spec.md §1); this package only describes the shape of what it needs.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
)

// EnvConfigPath is the environment variable naming the directory that
// holds gateway.json and its referenced files.
const EnvConfigPath = "DGATEWAY_CONFIG_PATH"

// ListenerScheme is one of the schemes spec.md §6 allows for a listener.
type ListenerScheme string

const (
	SchemeTCP   ListenerScheme = "tcp"
	SchemeHTTP  ListenerScheme = "http"
	SchemeHTTPS ListenerScheme = "https"
	SchemeWS    ListenerScheme = "ws"
	SchemeWSS   ListenerScheme = "wss"
)

// ListenerURLs is one internal/external URL pair, mirroring the source's
// ListenerUrls (listener.rs).
type ListenerURLs struct {
	InternalURL string `json:"internal_url"`
	ExternalURL string `json:"external_url"`
}

// TLSConfig names the cert chain / key / optional CA trust list. Loading
// these into a *tls.Config is the external collaborator's job; this
// struct only carries the paths through from gateway.json.
type TLSConfig struct {
	CertificateFile string `json:"certificate_file"`
	PrivateKeyFile  string `json:"private_key_file"`
	CAFile          string `json:"ca_file,omitempty"`
}

// Config is the decoded shape of gateway.json.
type Config struct {
	// GatewayID is this gateway's configured id, checked against any
	// token's jet_gw_id claim (spec.md §3).
	GatewayID string `json:"jet_gw_id"`

	Listeners []ListenerURLs `json:"listeners"`
	TLS       *TLSConfig     `json:"tls,omitempty"`

	// ProvisionerPublicKeyFile verifies the JWS signature of tokens
	// that aren't subkey-delegated.
	ProvisionerPublicKeyFile string `json:"provisioner_public_key_file"`

	// DelegationKeyFile decrypts JWE-wrapped association tokens
	// (mandatory whenever the token carries credentials).
	DelegationKeyFile string `json:"delegation_key_file,omitempty"`

	// MaxInFlightConnections bounds C3's concurrency budget; 0 means
	// unbounded.
	MaxInFlightConnections int `json:"max_in_flight_connections,omitempty"`

	// JetAcceptTimeout is the accept-to-connect rendezvous window
	// (spec.md §5), default 5s.
	JetAcceptTimeout Duration `json:"jet_accept_timeout,omitempty"`

	// ClockSkew bounds the nbf/exp tolerance in the token verifier.
	ClockSkew Duration `json:"clock_skew,omitempty"`

	// RecordingsPath is where WebM recordings and their metadata
	// sidecars are written, named by jet_aid (spec.md §6).
	RecordingsPath string `json:"recordings_path,omitempty"`

	// DestinationPolicyFile optionally names a YAML rules file
	// consulted before opening a target connection.
	DestinationPolicyFile string `json:"destination_policy_file,omitempty"`
}

// Duration lets gateway.json express durations as "5s", "1m", etc.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err2 := json.Unmarshal(data, &ns); err2 != nil {
			return trace.Wrap(err, "duration must be a string or integer nanoseconds")
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return trace.Wrap(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Load reads and decodes gateway.json from dir (or $DGATEWAY_CONFIG_PATH
// if dir is empty), applying defaults for zero-valued durations.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv(EnvConfigPath)
	}
	if dir == "" {
		return nil, trace.BadParameter("%s is not set and no config directory was given", EnvConfigPath)
	}

	path := filepath.Join(dir, "gateway.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading %s", path)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing %s", path)
	}

	if cfg.JetAcceptTimeout == 0 {
		cfg.JetAcceptTimeout = Duration(5 * time.Second)
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = Duration(30 * time.Second)
	}
	if cfg.GatewayID == "" {
		return nil, trace.BadParameter("gateway.json must set jet_gw_id")
	}
	if len(cfg.Listeners) == 0 {
		return nil, trace.BadParameter("gateway.json must configure at least one listener")
	}

	return &cfg, nil
}
