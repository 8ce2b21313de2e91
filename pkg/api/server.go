// Package api exposes the lifecycle operations, the job ledger and workspace
// administration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/region"
	"github.com/stratum-cloud/stratum/pkg/resources"
	"github.com/stratum-cloud/stratum/pkg/stores"
)

// Executor runs lifecycle workflows. engine.Executor implements it.
type Executor interface {
	Submit(ctx context.Context, sub engine.Submission) (*engine.SubmitResult, error)
	Await(ctx context.Context, jobID string) (*engine.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Ledger answers job polls. ledger.Ledger implements it.
type Ledger interface {
	Get(ctx context.Context, jobID string) (*engine.Job, error)
	Result(ctx context.Context, jobID string) (json.RawMessage, error)
}

// Store is the synchronous state the API reads and administers.
// stores.SQLStore implements it.
type Store interface {
	HealthCheck(ctx context.Context) error
	CreateWorkspace(ctx context.Context, ws *resources.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*resources.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*resources.Workspace, error)
	ListPolicies(ctx context.Context, workspaceID string) ([]resources.PolicyAttachment, error)
	SetPolicies(ctx context.Context, workspaceID string, attachments []resources.PolicyAttachment) error
	GetResource(ctx context.Context, id string) (*resources.Resource, error)
	ListResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error)
	ListJobs(ctx context.Context, limit int) ([]*engine.Job, error)
	ListEvents(ctx context.Context, filter stores.EventFilter) ([]*engine.Event, error)
}

// PolicyResolver resolves policy links. cloning.Resolver implements it.
type PolicyResolver interface {
	EffectivePolicies(ctx context.Context, workspaceID string) ([]resources.PolicyInput, error)
}

// Config holds API server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// WaitTimeout bounds ?wait=true requests.
	WaitTimeout time.Duration

	MetricsPath string
}

// Deps are the collaborators the server dispatches to.
type Deps struct {
	Executor Executor
	Ledger   Ledger
	Store    Store
	Policies PolicyResolver
	Regions  *region.Tree

	// Metrics serves Config.MetricsPath when set.
	Metrics http.Handler

	Logger zerolog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	deps      Deps
	logger    zerolog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Minute
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", s.handleListWorkspaces)
			r.Post("/", s.handleCreateWorkspace)

			r.Route("/{ws}", func(r chi.Router) {
				r.Get("/", s.handleGetWorkspace)
				r.Get("/policies", s.handleGetPolicies)
				r.Put("/policies", s.handleSetPolicies)

				r.Get("/resources", s.handleListResources)
				r.Post("/resources", s.handleCreateResource)
				r.Get("/resources/{id}", s.handleGetResource)
				r.Post("/resources/{id}/clone", s.handleCloneResource)
				r.Post("/resources/{id}/delete", s.handleDeleteResource)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/result", s.handleGetJobResult)
			r.Get("/{id}/events", s.handleGetJobEvents)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Get("/regions/{platform}", s.handleGetRegion)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondJSON(w, status, errorResponse(err))
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.HealthCheck(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		s.writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}
