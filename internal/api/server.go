package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/config"
	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/metrics"
	"taskmirror/internal/service"
)

// SyncRunner launches sync runs on operator request.
type SyncRunner interface {
	RunFullSync(ctx context.Context) error
	RunIncrementalSync(ctx context.Context) error
}

// WebhookProcessor consumes inbound deletion-event batches.
type WebhookProcessor interface {
	HandleDeletionEvents(ctx context.Context, batch []crm.WebhookEvent) error
}

// Exporter builds the downloadable sync report.
type Exporter interface {
	SyncReport(ctx context.Context) (data []byte, filename string, err error)
}

// Server is the operational HTTP surface: webhook intake, health and issue
// reporting, sync controls, and report export.
type Server struct {
	cfg      config.APIConfig
	db       *database.DB
	runner   SyncRunner
	webhooks WebhookProcessor
	tasks    *service.TaskService
	exporter Exporter
	server   *http.Server
	logger   zerolog.Logger
}

func NewServer(cfg config.APIConfig, db *database.DB, runner SyncRunner, webhooks WebhookProcessor,
	tasks *service.TaskService, exporter Exporter, logger zerolog.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		db:       db,
		runner:   runner,
		webhooks: webhooks,
		tasks:    tasks,
		exporter: exporter,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	auth := NewHTTPAuth(cfg)
	handler := srv.loggingMiddleware(auth.Wrap(srv.routes()))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/webhooks/tasks", s.handleWebhook)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/issues", s.handleIssues)
	mux.HandleFunc("/api/v1/sync/pause", s.handlePause)
	mux.HandleFunc("/api/v1/sync/resume", s.handleResume)
	mux.HandleFunc("/api/v1/sync/cursor", s.handleCursor)
	mux.HandleFunc("/api/v1/sync/run", s.handleSyncRun)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskRetry)
	mux.HandleFunc("/api/v1/export", s.handleExport)
	return mux
}

// Handler exposes the fully-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.IncHTTP(r.URL.Path)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
