package control

import (
	"errors"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/devolutions/gateway-go/internal/gwerrors"
)

// bearerToken extracts the raw token bytes from an "Authorization:
// Bearer <token>" header, per spec.md §6: "Auth is a bearer scope token
// (C1)".
func bearerToken(r *http.Request) ([]byte, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return nil, false
	}
	return []byte(strings.TrimPrefix(h, prefix)), true
}

// requireScope wraps next so it only runs once the request's bearer
// token verifies as a SCOPE token (C1) whose scope claim equals want.
// Any failure is logged once and answered with the protocol-appropriate
// rejection spec.md §7's Auth taxonomy entry names for HTTP: 401/403.
func (s *Server) requireScope(want string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		tok, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}

		claims, err := s.Verifier.Verify(tok, sourceIP(r))
		if err != nil {
			s.Log.WithError(err).WithField("path", r.URL.Path).Debug("control-plane auth failed")
			writeAuthError(w, err)
			return
		}
		if claims.Scope == nil || claims.Scope.Scope != want {
			s.Log.WithField("path", r.URL.Path).WithField("scope", want).Debug("control-plane scope mismatch")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "token does not authorize scope " + want})
			return
		}

		next(w, r, ps)
	}
}

// writeAuthError maps a C1 verification failure onto an HTTP status,
// distinguishing Policy (spec.md §7) from plain Auth failures while
// giving both a rejection in the 401/403 range.
func writeAuthError(w http.ResponseWriter, err error) {
	var pe *gwerrors.PolicyError
	if errors.As(err, &pe) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
		return
	}
	if gwerrors.Is(err, gwerrors.Expired) || gwerrors.Is(err, gwerrors.NotYetValid) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
}
