package token

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestReplayCacheRDPSameIP(t *testing.T) {
	c := NewReplayCache()
	defer c.Close()

	jti := uuid.New()
	exp := time.Now().Add(time.Minute)
	ip := net.ParseIP("203.0.113.7")

	seen, allowed := c.Check(jti, ip, exp, true)
	require.False(t, seen)
	require.True(t, allowed)

	seen, allowed = c.Check(jti, ip, exp, true)
	require.True(t, seen)
	require.True(t, allowed, "RDP association replay from the same IP must be allowed")
}

func TestReplayCacheRDPDifferentIP(t *testing.T) {
	c := NewReplayCache()
	defer c.Close()

	jti := uuid.New()
	exp := time.Now().Add(time.Minute)

	_, allowed := c.Check(jti, net.ParseIP("203.0.113.7"), exp, true)
	require.True(t, allowed)

	_, allowed = c.Check(jti, net.ParseIP("198.51.100.9"), exp, true)
	require.False(t, allowed, "RDP association replay from a different IP must be rejected")
}

func TestReplayCacheNonRDPAlwaysRejectsReplay(t *testing.T) {
	c := NewReplayCache()
	defer c.Close()

	jti := uuid.New()
	exp := time.Now().Add(time.Minute)
	ip := net.ParseIP("203.0.113.7")

	_, allowed := c.Check(jti, ip, exp, false)
	require.True(t, allowed)

	_, allowed = c.Check(jti, ip, exp, false)
	require.False(t, allowed, "non-RDP tokens must not be replayable even from the same IP")
}
