// Package policy implements the destination allow/deny rule set that
// supplements spec.md §7's "Policy" error kind, which names the bucket
// but leaves unspecified where the rule comes from (SPEC_FULL.md: "adds
// an optional destinations.yaml ... of allow/deny CIDR-or-hostname-glob
// rules per jet_ap, consulted by C3/C8 before opening the target-side
// connection"). Loaded the same way internal/config loads gateway.json,
// but via YAML since that is the example pack's configuration-file
// library of choice for this shape of data.
package policy

import (
	"net"
	"os"
	"path"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/devolutions/gateway-go/internal/gwerrors"
	"github.com/devolutions/gateway-go/internal/token"
)

// Action is a rule's verdict once it matches.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// Rule matches a destination by application protocol and host. Protocol
// "*" matches any jet_ap; Hosts entries are either a CIDR
// ("10.0.0.0/8") or a hostname glob ("*.corp.example.com").
type Rule struct {
	Protocol string   `yaml:"protocol"`
	Hosts    []string `yaml:"hosts"`
	Action   Action   `yaml:"action"`
}

// Policy is an ordered list of rules; the first one whose protocol and
// host both match decides the outcome. No file, or no matching rule,
// means allow — this is an opt-in restriction, not a default-deny
// firewall.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads a destinations.yaml file. A missing path is not an error:
// it just means no policy is configured (spec.md's DestinationPolicyFile
// is optional).
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, trace.Wrap(err, "reading destination policy %s", path)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, trace.Wrap(err, "parsing destination policy %s", path)
	}
	for i, r := range p.Rules {
		if r.Action != Allow && r.Action != Deny {
			return nil, trace.BadParameter("destination policy rule %d: invalid action %q", i, r.Action)
		}
	}
	return &p, nil
}

// Check reports whether proto is allowed to reach host (a bare hostname
// or IP, no port) under p. A nil Policy or one with no rules always
// allows. Returns a gwerrors.PolicyError naming the matched rule when
// denied.
func (p *Policy) Check(proto token.ApplicationProtocol, host string) error {
	if p == nil {
		return nil
	}
	for _, r := range p.Rules {
		if r.Protocol != "*" && r.Protocol != string(proto) {
			continue
		}
		for _, pattern := range r.Hosts {
			if hostMatches(pattern, host) {
				if r.Action == Allow {
					return nil
				}
				return gwerrors.PolicyDenied(pattern, "destination %s denied by policy rule %q", host, pattern)
			}
		}
	}
	return nil
}

func hostMatches(pattern, host string) bool {
	if _, network, err := net.ParseCIDR(pattern); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return network.Contains(ip)
		}
		return false
	}
	if ok, _ := path.Match(pattern, strings.ToLower(host)); ok {
		return true
	}
	return strings.EqualFold(pattern, host)
}
