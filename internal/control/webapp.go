package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// maxWebAppTokenLifetime mirrors the source's "cannot exceed 2 hours"
// rule on SessionTokenSignRequest.lifetime.
const maxWebAppTokenLifetime = 2 * time.Hour

// signTokenRequest is the shared request shape for both webapp signing
// endpoints, grounded on openapi.rs's AppTokenSignRequest/
// SessionTokenSignRequest. These are lightweight, HMAC-signed tokens
// distinct from the JOSE-wrapped association/scope tokens C1 verifies:
// they only ever authorize the web client's own short-lived session,
// never a relay operation.
type signTokenRequest struct {
	ContentType     string     `json:"content_type"`
	Protocol        string     `json:"protocol,omitempty"`
	Destination     string     `json:"destination,omitempty"`
	SessionID       *uuid.UUID `json:"session_id,omitempty"`
	LifetimeSeconds int64      `json:"lifetime"`
}

type signTokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) signWebAppToken(req signTokenRequest) (string, error) {
	lifetime := time.Duration(req.LifetimeSeconds) * time.Second
	if lifetime <= 0 || lifetime > maxWebAppTokenLifetime {
		lifetime = maxWebAppTokenLifetime
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"content_type": req.ContentType,
		"iat":          jwt.NewNumericDate(now),
		"exp":          jwt.NewNumericDate(now.Add(lifetime)),
		"jti":          uuid.NewString(),
	}
	if req.Protocol != "" {
		claims["protocol"] = req.Protocol
	}
	if req.Destination != "" {
		claims["destination"] = req.Destination
	}
	if req.SessionID != nil {
		claims["session_id"] = req.SessionID.String()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.WebAppSigningKey)
}

func (s *Server) handleSignAppToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.handleSignToken(w, r)
}

func (s *Server) handleSignSessionToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.handleSignToken(w, r)
}

func (s *Server) handleSignToken(w http.ResponseWriter, r *http.Request) {
	if s.WebAppSigningKey == nil {
		writeNotImplemented(w, "webapp token signing")
		return
	}
	var req signTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decoding request body"})
		return
	}
	tok, err := s.signWebAppToken(req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, signTokenResponse{Token: tok})
}
