// Package control implements C10: the HTTP control plane's
// extraction/dispatch contract (spec.md §6's endpoint table). Each
// handler extracts and verifies a bearer token, checks it authorizes
// the endpoint it was presented to, and delegates to the already-built
// core (C1 token verifier, C2 association registry, C11 event bus).
// Full business logic for diagnostics, configuration mutation,
// recording management, update checks and preflight is an external
// collaborator (spec.md §1); those handlers here implement only the
// extraction contract and call through a small interface so a real
// implementation can be plugged in without touching routing or auth.
package control

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/devolutions/gateway-go/internal/association"
	"github.com/devolutions/gateway-go/internal/events"
	"github.com/devolutions/gateway-go/internal/token"
)

// Server wires C10's handlers over the already-built core components.
// The zero value is not usable; construct with New.
type Server struct {
	GatewayID uuid.UUID
	Verifier  *token.Verifier
	Registry  *association.Registry
	Bus       *events.Bus
	JRL       *token.JRL

	// Collaborators implements the business logic spec.md §1 keeps
	// external (diagnostics content, config mutation, recording
	// management, update checks, preflight orchestration). A nil field
	// inside it answers 501 Not Implemented for that endpoint.
	Collaborators Collaborators

	// WebAppSigningKey signs the short-lived tokens minted by
	// POST /jet/webapp/{app-token,session-token}. Nil disables that
	// endpoint (501).
	WebAppSigningKey []byte

	startedAt time.Time
	Log       *logrus.Entry
}

// New wires a Server whose heartbeat uptime counts from time.Now.
func New() *Server {
	return &Server{
		startedAt: time.Now(),
		Log:       logrus.WithField("component", "control"),
	}
}

// Router builds the httprouter.Router implementing spec.md §6's table.
// It is the http.Handler a listener.Listener's HTTPHandler field wants.
func (s *Server) Router() http.Handler {
	r := httprouter.New()

	r.GET("/jet/health", s.handleHealth)
	r.GET("/jet/heartbeat", s.requireScope("heartbeat.read", s.handleHeartbeat))
	r.GET("/jet/sessions", s.requireScope("sessions.read", s.handleSessions))
	r.POST("/jet/session/:id/terminate", s.requireScope("session.terminate", s.handleTerminateSession))

	r.GET("/jet/diagnostics/logs", s.requireScope("diagnostics.read", s.handleDiagnosticsLogs))
	r.GET("/jet/diagnostics/configuration", s.requireScope("diagnostics.read", s.handleDiagnosticsConfiguration))
	r.GET("/jet/diagnostics/clock", s.requireScope("diagnostics.read", s.handleDiagnosticsClock))

	r.PATCH("/jet/config", s.requireScope("config.write", s.handleConfigPatch))

	r.POST("/jet/jrl", s.handleJRLUpdate)
	r.GET("/jet/jrl/info", s.requireScope("jrl.read", s.handleJRLInfo))

	r.DELETE("/jet/jrec/:id", s.requireScope("recording.delete", s.handleJrecDelete))
	r.GET("/jet/jrec", s.requireScope("recordings.read", s.handleJrecList))
	r.GET("/jet/jrec/pull/:id", s.handleJrecPull)

	r.POST("/jet/webapp/app-token", s.handleSignAppToken)
	r.POST("/jet/webapp/session-token", s.handleSignSessionToken)

	r.POST("/jet/update", s.requireScope("update", s.handleUpdate))
	r.POST("/jet/preflight", s.requireScope("preflight", s.handlePreflight))

	return r
}

// Collaborators is the seam spec.md §1 calls out as external: the
// business logic behind diagnostics content, configuration mutation,
// recording listing/deletion/streaming, update checks, and preflight
// orchestration. Any field left nil makes its endpoint answer 501.
type Collaborators struct {
	Diagnostics DiagnosticsProvider
	Config      ConfigMutator
	Recordings  RecordingStore
	Update      UpdateChecker
	Preflight   PreflightRunner
}

// DiagnosticsProvider answers GET /jet/diagnostics/{logs,configuration,clock}.
type DiagnosticsProvider interface {
	Logs() (any, error)
	Configuration() (any, error)
	Clock() (any, error)
}

// ConfigMutator answers PATCH /jet/config.
type ConfigMutator interface {
	Patch(patch json.RawMessage) (any, error)
}

// RecordingStore answers the /jet/jrec* endpoints. Pull takes the raw
// request too since a pull upgrades the connection to a websocket
// in-place (spec.md §4.9/§6).
type RecordingStore interface {
	Delete(id uuid.UUID) error
	List() (any, error)
	Pull(id uuid.UUID, w http.ResponseWriter, r *http.Request) error
}

// UpdateChecker answers POST /jet/update.
type UpdateChecker interface {
	Check() (any, error)
}

// PreflightRunner answers POST /jet/preflight.
type PreflightRunner interface {
	Run(body json.RawMessage) (any, error)
}

func sourceIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeNotImplemented(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, errorBody{Error: what + " has no collaborator configured"})
}
