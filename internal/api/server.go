// Package api exposes the session lifecycle and query execution over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/VenkatGGG/notebook-relay/internal/idempotency"
	"github.com/VenkatGGG/notebook-relay/internal/metrics"
	"github.com/VenkatGGG/notebook-relay/internal/query"
	"github.com/VenkatGGG/notebook-relay/internal/session"
	"github.com/VenkatGGG/notebook-relay/pkg/httpx"
)

type Sessions interface {
	Create(ctx context.Context, targetURL string) (session.Session, error)
	Close(ctx context.Context) bool
}

type Queries interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
	Capture(ctx context.Context) (query.PageInfo, error)
}

type Options struct {
	// APIKey guards /driver and /execute when set.
	APIKey string
	// RateLimit is the per-client request budget per minute on /driver and
	// /execute. Zero disables limiting.
	RateLimit int
	Metrics   *metrics.Recorder
	// Artifacts serves stored screenshots under ArtifactPrefix when set.
	Artifacts      http.Handler
	ArtifactPrefix string
	// Idempotency stores responses keyed by the Idempotency-Key header on
	// /driver/setup and /execute/query. Nil disables replay.
	Idempotency    idempotency.Ledger
	IdempotencyTTL time.Duration
	// IdempotencyLock bounds how long an in-flight key blocks duplicates.
	IdempotencyLock time.Duration
}

type Server struct {
	sessions        Sessions
	queries         Queries
	requiredAPIKey  string
	rateLimiter     *fixedWindowLimiter
	metrics         *metrics.Recorder
	artifacts       http.Handler
	artifactPrefix  string
	idempotency     idempotency.Ledger
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration
	duplicateWait   time.Duration
	log             *zap.Logger
}

func NewServer(sessions Sessions, queries Queries, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		sessions:        sessions,
		queries:         queries,
		requiredAPIKey:  opts.APIKey,
		metrics:         opts.Metrics,
		artifacts:       opts.Artifacts,
		artifactPrefix:  strings.TrimRight(opts.ArtifactPrefix, "/"),
		idempotency:     opts.Idempotency,
		idempotencyTTL:  opts.IdempotencyTTL,
		idempotencyLock: opts.IdempotencyLock,
		duplicateWait:   defaultDuplicateWait,
		log:             log.Named("api"),
	}
	if s.idempotencyTTL <= 0 {
		s.idempotencyTTL = idempotency.DefaultTTL
	}
	if s.idempotencyLock <= 0 {
		s.idempotencyLock = idempotency.DefaultPendingTTL
	}
	if s.artifactPrefix == "" || !strings.HasPrefix(s.artifactPrefix, "/") {
		s.artifactPrefix = "/artifacts"
	}
	if opts.RateLimit > 0 {
		s.rateLimiter = newFixedWindowLimiter(opts.RateLimit, time.Minute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/test", s.handleTest).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.artifacts != nil {
		r.PathPrefix(s.artifactPrefix + "/").Handler(http.StripPrefix(s.artifactPrefix, s.artifacts)).Methods(http.MethodGet)
	}

	driver := r.PathPrefix("/driver").Subrouter()
	driver.Use(s.withAPISecurity)
	driver.HandleFunc("/setup", s.withIdempotency("driver:setup", []string{"notebook_id"}, s.handleSetup)).Methods(http.MethodGet)
	driver.HandleFunc("/close", s.handleClose).Methods(http.MethodGet)

	execute := r.PathPrefix("/execute").Subrouter()
	execute.Use(s.withAPISecurity)
	execute.HandleFunc("/query", s.withIdempotency("execute:query", []string{"notebook_id", "llmquery"}, s.handleQuery)).Methods(http.MethodGet)
	execute.HandleFunc("/capture", s.handleCapture).Methods(http.MethodGet)

	return s.withRequestLog(r)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteMessage(w, http.StatusOK, "notebook-relay is running")
}

func (s *Server) handleTest(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteMessage(w, http.StatusOK, "Test endpoint is working")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
