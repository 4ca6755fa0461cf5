// Package api serves the control API used by the CLI and any presentation
// layer. Handlers only call the engine and the connection manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trailstop/internal/connection"
	"trailstop/internal/engine"
	apperrors "trailstop/internal/errors"
	"trailstop/internal/logging"
	"trailstop/internal/models"
	"trailstop/internal/resilience"
	"trailstop/internal/security"
	"trailstop/internal/stream"
)

// Connection is the connection manager surface the API exposes.
type Connection interface {
	IsConnected() bool
	Status() string
	Metrics() connection.Metrics
	RequestReconnect(ctx context.Context) error
}

// Config wires the server.
type Config struct {
	Addr         string
	Engine       *engine.Engine
	Connection   Connection
	Hub          *stream.Hub[engine.GroupSnapshot]
	Health       *resilience.HealthMonitor
	Access       *security.AccessController // nil allows every operation
	Mode         string
	WatchTimeout time.Duration
	Logger       zerolog.Logger
}

// Server is the HTTP control API.
type Server struct {
	cfg    Config
	engine *engine.Engine
	conn   Connection
	logger zerolog.Logger
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status       string             `json:"status"`
	Mode         string             `json:"mode"`
	Connection   connection.Metrics `json:"connection"`
	Groups       int                `json:"groups"`
	ActiveGroups int                `json:"active_groups"`
	Time         time.Time          `json:"time"`
}

// GroupResponse carries a group snapshot and a non-fatal warning, such as a
// time exit that could not be placed.
type GroupResponse struct {
	Group   engine.GroupSnapshot `json:"group"`
	Warning string               `json:"warning,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 25 * time.Second
	}
	if cfg.Health == nil {
		cfg.Health = resilience.NewHealthMonitor()
	}
	return &Server{
		cfg:    cfg,
		engine: cfg.Engine,
		conn:   cfg.Connection,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("POST /api/groups", s.guard(security.OpCreateGroup, s.handleCreate))
	mux.HandleFunc("GET /api/groups/{id}", s.handleGroup)
	mux.HandleFunc("PATCH /api/groups/{id}", s.guard(security.OpConfigureGroup, s.handleConfigure))
	mux.HandleFunc("DELETE /api/groups/{id}", s.guard(security.OpDeleteGroup, s.handleDelete))
	mux.HandleFunc("POST /api/groups/{id}/activate", s.guard(security.OpActivateGroup, s.handleActivate))
	mux.HandleFunc("POST /api/groups/{id}/deactivate", s.guard(security.OpDeactivate, s.handleDeactivate))
	mux.HandleFunc("POST /api/cancel-all", s.guard(security.OpCancelAll, s.handleCancelAll))
	mux.HandleFunc("POST /api/reconnect", s.guard(security.OpReconnect, s.handleReconnect))
	mux.HandleFunc("GET /api/watch", s.handleWatch)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.cfg.Health.HealthHTTPHandler())
	return s.logRequests(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logging.WithLogger(r.Context(), logger)))
		logger.Debug().
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// guard refuses op while the API is read-only.
func (s *Server) guard(op security.OperationType, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.cfg.Access.CheckPermission(op); err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var verr *apperrors.ValidationError
	var roErr *security.ReadOnlyError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &roErr):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrGroupNotFound), errors.Is(err, apperrors.ErrPositionNotFound),
		errors.Is(err, apperrors.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrGroupActive), errors.Is(err, apperrors.ErrAllocationConflict),
		errors.Is(err, apperrors.ErrNoQuote):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotConnected), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrOrderRejected):
		return http.StatusBadGateway
	case errors.Is(err, apperrors.ErrInvalidOrder):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	total, active := s.engine.Counts()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:       s.conn.Status(),
		Mode:         s.cfg.Mode,
		Connection:   s.conn.Metrics(),
		Groups:       total,
		ActiveGroups: active,
		Time:         time.Now().UTC(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Positions())
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshots())
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) respondGroup(w http.ResponseWriter, r *http.Request, status int, id string, warning error) {
	snap, err := s.engine.Snapshot(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := GroupResponse{Group: snap}
	if warning != nil {
		resp.Warning = warning.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", nil, err.Error()))
		return
	}
	name, err := security.ValidateGroupName(req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.Name = name
	g, err := s.engine.Create(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.respondGroup(w, r, http.StatusCreated, g.ID, nil)
}

// handleConfigure merges the body over the current trail, so a client may
// send only the fields it changes.
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Snapshot(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	trail := snap.Trail
	if err := json.NewDecoder(r.Body).Decode(&trail); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", nil, err.Error()))
		return
	}
	if err := validateTrail(trail); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.engine.Configure(id, trail); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondGroup(w, r, http.StatusOK, id, nil)
}

func validateTrail(t models.TrailConfig) error {
	if _, err := models.ParseTrailMode(string(t.Mode)); err != nil {
		return apperrors.NewValidationError("trail_mode", t.Mode, err.Error())
	}
	if _, err := models.ParseTriggerPriceType(string(t.TriggerPriceType)); err != nil {
		return apperrors.NewValidationError("trigger_price_type", t.TriggerPriceType, err.Error())
	}
	if _, err := models.ParseStopType(string(t.StopType)); err != nil {
		return apperrors.NewValidationError("stop_type", t.StopType, err.Error())
	}
	if t.TimeExitEnabled {
		if _, err := time.Parse("15:04", t.TimeExitTime); err != nil {
			return apperrors.NewValidationError("time_exit_time", t.TimeExitTime, "expected HH:MM")
		}
	}
	return nil
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, err := s.engine.Activate(r.Context(), id)
	if g == nil {
		writeError(w, r, err)
		return
	}
	s.respondGroup(w, r, http.StatusOK, id, err)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Deactivate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	s.respondGroup(w, r, http.StatusOK, id, nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	cancelOrder := false
	if v := r.URL.Query().Get("cancel_order"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, apperrors.NewValidationError("cancel_order", v, "expected a boolean"))
			return
		}
		cancelOrder = b
	}
	if err := s.engine.Delete(r.Context(), r.PathValue("id"), cancelOrder); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CancelAll(r.Context()))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.RequestReconnect(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{
		Status:     s.conn.Status(),
		Mode:       s.cfg.Mode,
		Connection: s.conn.Metrics(),
		Time:       time.Now().UTC(),
	})
}

// handleWatch long-polls for the next snapshot of one group, or of any group
// when no id is given. A timeout answers 204.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "watch is not enabled"})
		return
	}
	topic := r.URL.Query().Get("group")
	if topic == "" {
		topic = stream.AllTopics
	}
	timeout := s.cfg.WatchTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, apperrors.NewValidationError("timeout", v, "expected a positive duration"))
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	snap, ok := s.cfg.Hub.Next(r.Context(), topic, timeout)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
