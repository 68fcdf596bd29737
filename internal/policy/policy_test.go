package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devolutions/gateway-go/internal/token"
)

func TestLoadMissingFileAllowsEverything(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, p.Check(token.ProtoRDP, "10.0.0.5"))
}

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "destinations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestCheckDeniesByCIDR(t *testing.T) {
	path := writePolicy(t, `
rules:
  - protocol: "*"
    hosts: ["10.0.0.0/8"]
    action: deny
`)
	p, err := Load(path)
	require.NoError(t, err)

	require.Error(t, p.Check(token.ProtoRDP, "10.1.2.3"))
	require.NoError(t, p.Check(token.ProtoRDP, "192.168.1.1"))
}

func TestCheckDeniesByHostnameGlob(t *testing.T) {
	path := writePolicy(t, `
rules:
  - protocol: ssh
    hosts: ["*.blocked.example.com"]
    action: deny
`)
	p, err := Load(path)
	require.NoError(t, err)

	require.Error(t, p.Check(token.ProtoSSH, "host1.blocked.example.com"))
	require.NoError(t, p.Check(token.ProtoSSH, "host1.allowed.example.com"))
	require.NoError(t, p.Check(token.ProtoRDP, "host1.blocked.example.com")) // different protocol, rule doesn't match
}

func TestCheckFirstMatchWins(t *testing.T) {
	path := writePolicy(t, `
rules:
  - protocol: "*"
    hosts: ["jump.example.com"]
    action: allow
  - protocol: "*"
    hosts: ["*.example.com"]
    action: deny
`)
	p, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, p.Check(token.ProtoRDP, "jump.example.com"))
	require.Error(t, p.Check(token.ProtoRDP, "other.example.com"))
}

func TestLoadRejectsInvalidAction(t *testing.T) {
	path := writePolicy(t, `
rules:
  - protocol: "*"
    hosts: ["example.com"]
    action: maybe
`)
	_, err := Load(path)
	require.Error(t, err)
}
