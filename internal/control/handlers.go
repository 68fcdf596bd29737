package control

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/devolutions/gateway-go/internal/association"
)

// identityResponse answers GET /jet/health: liveness plus this
// gateway's configured id, no auth required (spec.md §6 table).
type identityResponse struct {
	ID uuid.UUID `json:"id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, identityResponse{ID: s.GatewayID})
}

// heartbeatResponse answers GET /jet/heartbeat.
type heartbeatResponse struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	RunningSession int   `json:"running_session_count"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, heartbeatResponse{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		RunningSession: len(s.Registry.List()),
	})
}

// sessionInfo is one entry of GET /jet/sessions's snapshot of C2,
// grounded on original_source/devolutions-gateway/src/openapi.rs's
// SessionInfo schema.
type sessionInfo struct {
	AssociationID    uuid.UUID `json:"association_id"`
	ApplicationProto string    `json:"application_protocol"`
	ConnectionMode   string    `json:"connection_mode"`
	RecordingPolicy  string    `json:"recording_policy"`
	DestinationHost  string    `json:"destination_host,omitempty"`
	StartTimestamp   time.Time `json:"start_timestamp"`
	TimeToLiveMin    uint64    `json:"time_to_live"`
}

func toSessionInfo(a *association.Association) sessionInfo {
	var ttl uint64
	if a.TTL > 0 {
		ttl = uint64(a.TTL / time.Minute)
	}
	return sessionInfo{
		AssociationID:    a.ID,
		ApplicationProto: string(a.ApplicationProto),
		ConnectionMode:   string(a.ConnectionMode),
		RecordingPolicy:  string(a.RecordingPolicy),
		DestinationHost:  a.DstHost,
		StartTimestamp:   a.StartTS,
		TimeToLiveMin:    ttl,
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list := s.Registry.List()
	out := make([]sessionInfo, 0, len(list))
	for _, a := range list {
		out = append(out, toSessionInfo(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid session id"})
		return
	}
	if _, ok := s.Registry.Lookup(id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such session"})
		return
	}
	s.Registry.Terminate(id, association.ReasonExplicit)
	w.WriteHeader(http.StatusNoContent)
}

// handleJRLUpdate answers POST /jet/jrl: the bearer token IS a JRL
// update token (cty=JRL), not a scope token (spec.md §6: "jrl token"),
// so it is verified directly rather than through requireScope.
func (s *Server) handleJRLUpdate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	tok, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
		return
	}
	claims, err := s.Verifier.Verify(tok, sourceIP(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if claims.Jrl == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is not a JRL update"})
		return
	}
	if err := s.JRL.Install(claims.Jrl); err != nil {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jrlInfoResponse struct {
	Jti uuid.UUID `json:"jti"`
	Iat int64     `json:"iat"`
}

func (s *Server) handleJRLInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	jti, iat := s.JRL.Info()
	writeJSON(w, http.StatusOK, jrlInfoResponse{Jti: jti, Iat: iat})
}

func (s *Server) handleDiagnosticsLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Diagnostics == nil {
		writeNotImplemented(w, "diagnostics logs")
		return
	}
	out, err := s.Collaborators.Diagnostics.Logs()
	respondCollaborator(w, out, err)
}

func (s *Server) handleDiagnosticsConfiguration(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Diagnostics == nil {
		writeNotImplemented(w, "diagnostics configuration")
		return
	}
	out, err := s.Collaborators.Diagnostics.Configuration()
	respondCollaborator(w, out, err)
}

func (s *Server) handleDiagnosticsClock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Diagnostics == nil {
		writeNotImplemented(w, "diagnostics clock")
		return
	}
	out, err := s.Collaborators.Diagnostics.Clock()
	respondCollaborator(w, out, err)
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Config == nil {
		writeNotImplemented(w, "config patch")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "reading request body"})
		return
	}
	out, err := s.Collaborators.Config.Patch(body)
	respondCollaborator(w, out, err)
}

func (s *Server) handleJrecDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Collaborators.Recordings == nil {
		writeNotImplemented(w, "recording delete")
		return
	}
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid recording id"})
		return
	}
	if err := s.Collaborators.Recordings.Delete(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJrecList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Recordings == nil {
		writeNotImplemented(w, "recording list")
		return
	}
	out, err := s.Collaborators.Recordings.List()
	respondCollaborator(w, out, err)
}

// handleJrecPull answers GET /jet/jrec/pull/{id}: the bearer token IS a
// JREC token (spec.md §6: "jrec token"), verified directly.
func (s *Server) handleJrecPull(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tok, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
		return
	}
	claims, err := s.Verifier.Verify(tok, sourceIP(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if claims.Jrec == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is not a JREC token"})
		return
	}
	if s.Collaborators.Recordings == nil {
		writeNotImplemented(w, "recording pull")
		return
	}
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid recording id"})
		return
	}
	if err := s.Collaborators.Recordings.Pull(id, w, r); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Update == nil {
		writeNotImplemented(w, "update check")
		return
	}
	out, err := s.Collaborators.Update.Check()
	respondCollaborator(w, out, err)
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.Collaborators.Preflight == nil {
		writeNotImplemented(w, "preflight")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "reading request body"})
		return
	}
	out, err := s.Collaborators.Preflight.Run(body)
	respondCollaborator(w, out, err)
}

func respondCollaborator(w http.ResponseWriter, out any, err error) {
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}
