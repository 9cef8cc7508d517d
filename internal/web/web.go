// Package web is the HTTP surface of the booking server: event mutations
// and queries, per-room occurrence and calendar views, the change stream
// that displays subscribe to, and device heartbeats.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"roomcal/internal/booking"
	"roomcal/internal/broadcast"
	"roomcal/internal/clock"
	"roomcal/internal/config"
	appLog "roomcal/internal/log"
	"roomcal/internal/model"
	"roomcal/internal/schedule"
)

// DeviceStore records display heartbeats.
type DeviceStore interface {
	TouchDevice(ctx context.Context, d model.Device) error
	Devices(ctx context.Context, tenantID string) ([]model.Device, error)
}

type Options struct {
	Config      *config.Config
	Booking     *booking.Service
	Broadcaster *broadcast.Broadcaster
	Devices     DeviceStore
	Clock       clock.Clock

	// StreamBuffer is the per-session message buffer of /api/stream.
	StreamBuffer int
	// KeepAlive is the interval of comment frames on idle streams; zero
	// disables them. A failed frame ends the session, so a non-zero value
	// also prunes dead clients that no broadcast has hit yet.
	KeepAlive time.Duration
}

// Server provides the HTTP API.
type Server struct {
	cfg         *config.Config
	booking     *booking.Service
	broadcaster *broadcast.Broadcaster
	devices     DeviceStore
	clock       clock.Clock

	streamBuffer int
	keepAlive    time.Duration

	mux *http.ServeMux
}

func NewServer(opts Options) *Server {
	s := &Server{
		cfg:          opts.Config,
		booking:      opts.Booking,
		broadcaster:  opts.Broadcaster,
		devices:      opts.Devices,
		clock:        opts.Clock,
		streamBuffer: opts.StreamBuffer,
		keepAlive:    opts.KeepAlive,
		mux:          http.NewServeMux(),
	}
	if s.cfg == nil {
		s.cfg = config.DefaultConfig()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("POST /api/events/check", s.handleCheckEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)

	s.mux.HandleFunc("GET /api/rooms/{room}/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /api/rooms/{room}/calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("POST /api/rooms/{room}/calendar.ics", s.handleImport)

	s.mux.HandleFunc("GET /api/stream", s.handleStream)

	s.mux.HandleFunc("POST /api/devices/{id}/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/devices", s.handleDevices)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password leaves auth off.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="roomcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errorResponse struct {
	Error     string              `json:"error"`
	Conflicts []schedule.Conflict `json:"conflicts,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps booking errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var cerr *schedule.ConflictError
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Conflicts: cerr.Conflicts})
	case errors.Is(err, model.ErrMalformedRecurrence), errors.Is(err, model.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
