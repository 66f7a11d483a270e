// Package api exposes the dispatcher over HTTP: task submission and polling
// for callers, claim/report/lease for workers, and an SSE event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/dispatchd/internal/dispatch"
	"github.com/mattjoyce/dispatchd/internal/events"
	"github.com/mattjoyce/dispatchd/internal/router"
)

// TaskService is the dispatcher surface served by the API.
type TaskService interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (dispatch.Receipt, error)
	GetStatus(ctx context.Context, id string) (dispatch.StatusView, error)
	Claim(ctx context.Context, queue, worker string) (*dispatch.Claimed, error)
	Report(ctx context.Context, id string, rep dispatch.Report) error
	Renew(ctx context.Context, id, worker string) (time.Time, error)
	Cancel(ctx context.Context, id, reason string) error
}

// TaskCounter is optionally implemented by a TaskService to report task
// totals per phase on /healthz.
type TaskCounter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// LockInspector is optionally implemented by a TaskService to expose lock
// holders and coordination counts.
type LockInspector interface {
	Lock(key string) dispatch.LockView
	Pressure() dispatch.Pressure
}

// QueueLister reports broker depth per queue.
type QueueLister interface {
	Depths(ctx context.Context) ([]router.QueueDepth, error)
}

// EventStream is the subset of events.Hub used by GET /events.
type EventStream interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
	Subscribers() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey authorizes every endpoint.
	APIKey string
	// WorkerKey additionally authorizes the worker endpoints.
	WorkerKey string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	tasks     TaskService
	queues    QueueLister
	events    EventStream
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, tasks TaskService, queues QueueLister, hub EventStream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		tasks:     tasks,
		queues:    queues,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware(s.config.APIKey))
		r.Post("/v1/tasks", s.handleSubmit)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Delete("/v1/tasks/{id}", s.handleCancel)
		r.Get("/v1/queues", s.handleQueues)
		r.Get("/v1/locks/{key}", s.handleLock)
		r.Get("/events", s.handleEvents)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware(s.config.APIKey, s.config.WorkerKey))
		r.Post("/v1/queues/{queue}/claim", s.handleClaim)
		r.Post("/v1/tasks/{id}/report", s.handleReport)
		r.Post("/v1/tasks/{id}/lease", s.handleLease)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
