// Package server is the HTTP edge: it authenticates requests, routes them to
// the services, and streams agent runs as server-sent events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kmorita/conflux/internal/agent"
	"github.com/kmorita/conflux/internal/auth"
	"github.com/kmorita/conflux/internal/graphstore"
	"github.com/kmorita/conflux/internal/ingestion"
	"github.com/kmorita/conflux/internal/memory"
	"github.com/kmorita/conflux/internal/orchestrator"
	"github.com/kmorita/conflux/internal/repository"
	"github.com/kmorita/conflux/internal/service"
	"github.com/kmorita/conflux/internal/vectorstore"
)

// DefaultSessionTTL bounds auth sessions created through the token endpoint.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Pinger reports backend liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the server's collaborators.
type Config struct {
	Port int

	Gate         *auth.Gate
	Tenants      *service.TenantService
	Coordinator  *ingestion.Coordinator
	Orchestrator *orchestrator.Orchestrator
	Runtime      *agent.Runtime
	Memory       *memory.Store
	Documents    repository.DocumentRepository
	Vectors      vectorstore.Store
	Graph        graphstore.GraphStore
	DB           Pinger

	// ESSProbe is optional; nil drops the ESS check from /readyz.
	ESSProbe func(ctx context.Context) error

	SessionTTL     time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves the request API.
type Server struct {
	server *http.Server
	router *chi.Mux

	gate         *auth.Gate
	tenants      *service.TenantService
	coordinator  *ingestion.Coordinator
	orchestrator *orchestrator.Orchestrator
	runtime      *agent.Runtime
	memory       *memory.Store
	documents    repository.DocumentRepository
	vectors      vectorstore.Store
	graph        graphstore.GraphStore
	db           Pinger
	essProbe     func(ctx context.Context) error

	sessionTTL time.Duration
	logger     *slog.Logger
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}

	s := &Server{
		gate:         cfg.Gate,
		tenants:      cfg.Tenants,
		coordinator:  cfg.Coordinator,
		orchestrator: cfg.Orchestrator,
		runtime:      cfg.Runtime,
		memory:       cfg.Memory,
		documents:    cfg.Documents,
		vectors:      cfg.Vectors,
		graph:        cfg.Graph,
		db:           cfg.DB,
		essProbe:     cfg.ESSProbe,
		sessionTTL:   sessionTTL,
		logger:       logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/health", s.handleHealth)
	router.Get("/readyz", s.handleReady)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleIssueToken)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.gate.Middleware)

			r.With(auth.RequirePermission("chat")).Post("/chat", s.handleChat)
			r.With(auth.RequirePermission("chat")).Post("/chat/stream", s.handleChatStream)

			r.Route("/documents", func(r chi.Router) {
				r.With(auth.RequirePermission("documents:write")).Post("/", s.handleIngestDocument)
				r.With(auth.RequirePermission("documents:read")).Get("/", s.handleListDocuments)
				r.With(auth.RequirePermission("documents:read")).Get("/{id}", s.handleGetDocument)
				r.With(auth.RequirePermission("documents:delete")).Delete("/{id}", s.handleDeleteDocument)
			})

			r.With(auth.RequirePermission("graph:read")).Get("/graph/stats", s.handleGraphStats)

			r.Route("/admin/tenants", func(r chi.Router) {
				r.Use(auth.RequirePermission(auth.AdminPermission))
				r.Post("/", s.handleCreateTenant)
				r.Get("/", s.handleListTenants)
				r.Get("/{id}", s.handleGetTenant)
				r.Post("/{id}/suspend", s.handleSuspendTenant)
				r.Post("/{id}/activate", s.handleActivateTenant)
				r.Delete("/{id}", s.handleDeleteTenant)
			})
		})
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streamed agent runs can be slow
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// requestLoggingMiddleware logs every request with status and timing.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers and preflight requests.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
