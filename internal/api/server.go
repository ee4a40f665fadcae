// Package api exposes the session controller over a small local HTTP
// control plane.  Every route lives under /v1 and speaks JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mitmctl/internal/apps"
	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/journal"
	"mitmctl/internal/metrics"
	"mitmctl/internal/privilege"
	"mitmctl/internal/session"
	"mitmctl/util"
)

const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8642"
)

// Controller is the part of *session.Controller the API drives.
type Controller interface {
	Status() session.Status
	RequestToggle(ctx context.Context, t session.Target) (session.Outcome, error)
	ResumeAfterExternalGrant(ctx context.Context, kind privilege.Kind, granted bool) (session.Outcome, error)
	Reset(reason string) bool
}

// History serves GET /v1/history.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// TargetStore remembers the last toggled package.
type TargetStore interface {
	LastTarget() (string, error)
	SaveTarget(pkg string) error
}

// grantRecorder is implemented by gates that persist answers (FileGate).
type grantRecorder interface {
	Resolve(kind privilege.Kind, granted bool) error
}

// ServerOptions configures the HTTP server.  Only Controller is
// required.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	Controller  Controller
	Gate        privilege.Gate
	Catalog     apps.Catalog
	SelfPackage string
	Targets     TargetStore
	History     History
	Metrics     *metrics.Collector
	Logger      *util.Logger
}

// Server hosts the HTTP API for the daemon.
type Server struct {
	http   *http.Server
	ln     net.Listener
	logger *util.Logger
	opts   ServerOptions
}

// NewServer constructs a server.  It does not listen until Start.
func NewServer(opts ServerOptions) *Server {
	if opts.Controller == nil {
		panic("api.NewServer: controller is nil")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = util.Discard()
	}

	s := &Server{logger: opts.Logger.Named("api"), opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return s
}

// Handler returns the routed handler, for mounting or httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Route("/"+APIVersion, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/status", s.handleStatus)
		r.Post("/toggle", s.handleToggle)
		r.Post("/grants/{kind}", s.handleGrant)
		r.Post("/reset", s.handleReset)
		r.Get("/apps", s.handleApps)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Start binds the listener and serves in a background goroutine.
// Bind errors are returned; use Stop for graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.opts.Addr, err)
	}
	s.ln = ln
	s.logger.Info("listening on http://%s/%s", ln.Addr(), APIVersion)
	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	if timeout := s.opts.ShutdownTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": TimeNow().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Controller.Status())
}

// handleToggle starts or stops interception of a package.
// Errors:
//   - 400 unknown or non-network package
//   - 409 busy, or a session already runs for another package
//   - 403 a privilege was refused outright
//   - 502 the engine rejected the config
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pkg := req.Package
	if pkg == "" && s.opts.Targets != nil {
		pkg, _ = s.opts.Targets.LastTarget()
	}
	if pkg == "" {
		writeError(w, http.StatusBadRequest, errors.New("package is required"))
		return
	}

	out, err := s.opts.Controller.RequestToggle(r.Context(), apps.NewTarget(pkg))
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	if s.opts.Targets != nil {
		if err := s.opts.Targets.SaveTarget(apps.NewTarget(pkg).Package); err != nil {
			s.logger.Warn("saving last target: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, ActionResponse{Outcome: out, Status: s.opts.Controller.Status()})
}

// handleGrant delivers the user's answer for a pending privilege.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	kind, err := privilege.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req GrantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Granted == nil {
		writeError(w, http.StatusBadRequest, errors.New("granted is required"))
		return
	}

	// Only an answer the controller is waiting for is written down; a
	// stale one must not change what the gate reports next time.
	st := s.opts.Controller.Status()
	awaiting := st.Phase == session.AwaitingPrivilege && st.Privilege == kind
	if rec, ok := s.opts.Gate.(grantRecorder); ok && awaiting {
		if err := rec.Resolve(kind, *req.Granted); err != nil {
			if ncerr.Is(err, ncerr.ErrStateMismatch) {
				s.writeControllerError(w, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	out, err := s.opts.Controller.ResumeAfterExternalGrant(r.Context(), kind, *req.Granted)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Outcome: out, Status: s.opts.Controller.Status()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "reset via api"
	}
	ok := s.opts.Controller.Reset(req.Reason)
	writeJSON(w, http.StatusOK, ResetResponse{Reset: ok, Status: s.opts.Controller.Status()})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		writeJSON(w, http.StatusOK, AppsResponse{Apps: []AppView{}})
		return
	}
	resp := AppsResponse{Apps: fromApps(apps.Choosable(s.opts.Catalog, s.opts.SelfPackage))}
	if s.opts.Targets != nil {
		resp.LastTarget, _ = s.opts.Targets.LastTarget()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Metrics.Snapshot())
}

// handleHistory returns journaled transitions, newest first.
// Query: limit (1..journal.MaxRecent, default 50).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer, got %q", v))
			return
		}
		limit = n
	}
	entries, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

func (s *Server) writeControllerError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status >= 500 {
		s.logger.Warn("%v", err)
	}
	writeJSON(w, status, APIError{
		Error:     err.Error(),
		Kind:      kind,
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	})
}

// statusFor maps a controller error to an HTTP status and a stable
// machine-readable kind.
func statusFor(err error) (int, string) {
	switch {
	case ncerr.Is(err, ncerr.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target"
	case ncerr.Is(err, ncerr.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case ncerr.Is(err, ncerr.ErrStateMismatch):
		return http.StatusConflict, "state_mismatch"
	case ncerr.Is(err, ncerr.ErrAlreadyRunningDifferentTarget):
		return http.StatusConflict, "different_target"
	case ncerr.Is(err, ncerr.ErrGrantDenied):
		return http.StatusForbidden, "grant_denied"
	case ncerr.Is(err, ncerr.ErrEngineStartFailed):
		return http.StatusBadGateway, "engine_start_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// logRequests sets the JSON content type and logs each request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := TimeNow()
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Verbose("%s %s %d %dms", r.Method, r.URL.Path, ww.Status(), time.Since(start).Milliseconds())
	})
}

// decode reads a strict JSON body.  An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIError{
		Error:     err.Error(),
		Timestamp: TimeNow().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
