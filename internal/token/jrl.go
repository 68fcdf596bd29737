package token

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// JRL is the currently-installed revocation list: {claim_name ->
// set<value>}. A token is revoked if any of its claim values is a
// member of the corresponding set (spec.md §3).
type JRL struct {
	mu        sync.RWMutex
	installed bool
	iat       int64
	jti       uuid.UUID
	sets      map[string]map[string]struct{}
}

// NewJRL creates an empty, never-installed JRL.
func NewJRL() *JRL {
	return &JRL{sets: map[string]map[string]struct{}{}}
}

// Install replaces the revocation set if claims.Iat is strictly greater
// than the currently-installed iat. Ties are rejected (spec.md §9(b):
// "Under JRL update with iat == current, the source's behavior is to
// reject; keep that exact semantic.").
func (j *JRL) Install(claims *JrlClaims) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.installed && claims.Iat <= j.iat {
		return trace.CompareFailed("jrl update iat %d is not newer than installed iat %d", claims.Iat, j.iat)
	}

	sets := make(map[string]map[string]struct{}, len(claims.Jrl))
	for claim, values := range claims.Jrl {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[fmt.Sprintf("%v", v)] = struct{}{}
		}
		sets[claim] = set
	}

	j.installed = true
	j.iat = claims.Iat
	j.jti = claims.Jti
	j.sets = sets
	return nil
}

// Info returns the installed JRL's {jti, iat}, per GET /jet/jrl/info.
func (j *JRL) Info() (jti uuid.UUID, iat int64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jti, j.iat
}

// Revoked reports whether any of claimValues matches a revoked value for
// its claim name.
func (j *JRL) Revoked(claimValues map[string]string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for claim, value := range claimValues {
		set, ok := j.sets[claim]
		if !ok {
			continue
		}
		if _, revoked := set[value]; revoked {
			return true
		}
	}
	return false
}
