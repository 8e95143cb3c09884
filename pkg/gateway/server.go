// Package gateway is the HTTP proxy entry: request sanitization,
// system-prompt injection, mode selection, intent handling, and the
// wiring between the orchestrator, the persistence engine, and the abort
// registry.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qduc/relay/pkg/abort"
	"github.com/qduc/relay/pkg/auth"
	"github.com/qduc/relay/pkg/metrics"
	"github.com/qduc/relay/pkg/orchestrator"
	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/ratelimit"
	"github.com/qduc/relay/pkg/store"
)

// Options assembles a server. Store may be nil to run stateless;
// Validator may be nil to disable authentication; RateLimiter may be nil
// to disable limiting.
type Options struct {
	Providers      *providers.Registry
	Store          *store.Store
	Toolset        *orchestrator.Toolset
	Aborts         *abort.Registry
	Metrics        *metrics.Metrics
	Validator      *auth.Validator
	RateLimiter    *ratelimit.Limiter
	TokenEstimator func(r *http.Request) int64
	Logger         *slog.Logger

	MaxIterations int
	Concurrency   int
	RetentionDays int
	Checkpoint    store.CheckpointPolicy
}

// Server carries the handler state and the assembled router.
type Server struct {
	router        chi.Router
	providers     *providers.Registry
	store         *store.Store
	toolset       *orchestrator.Toolset
	aborts        *abort.Registry
	metrics       *metrics.Metrics
	logger        *slog.Logger
	maxIterations int
	concurrency   int
	retentionDays int
	checkpoint    store.CheckpointPolicy
	startedAt     time.Time
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolset := opts.Toolset
	if toolset == nil {
		toolset = orchestrator.NewToolset()
	}
	aborts := opts.Aborts
	if aborts == nil {
		aborts = abort.NewRegistry()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	checkpoint := opts.Checkpoint
	if checkpoint == (store.CheckpointPolicy{}) {
		checkpoint = store.DefaultCheckpointPolicy()
	}

	s := &Server{
		providers:     opts.Providers,
		store:         opts.Store,
		toolset:       toolset,
		aborts:        aborts,
		metrics:       m,
		logger:        logger,
		maxIterations: opts.MaxIterations,
		concurrency:   opts.Concurrency,
		retentionDays: opts.RetentionDays,
		checkpoint:    checkpoint,
		startedAt:     time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(opts.Validator))
		r.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:        opts.RateLimiter,
			TokenEstimator: opts.TokenEstimator,
		}))

		r.Post("/chat/completions", s.handleChat)
		r.Post("/chat/abort", s.handleAbort)
		r.Get("/models", s.handleModels)

		r.Get("/conversations", s.handleListConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteConversation)
			r.Get("/messages", s.handleGetMessages)
			r.Put("/messages/{mid}/edit", s.handleEditMessage)
		})
	})

	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// persisting reports whether transcripts are written.
func (s *Server) persisting() bool { return s.store != nil }
