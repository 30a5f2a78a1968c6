package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/runbox/internal/cache"
	"github.com/seantiz/runbox/internal/engine"
	"github.com/seantiz/runbox/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// writeSlack is added to the longest install plus the longest script
	// run to bound response writes on every route.
	writeSlack = 2 * time.Minute
)

// Options configures a Server.
type Options struct {
	Addr    string
	Version string
	// AuthToken enables bearer authentication when non-empty.
	AuthToken string
	// InstallTimeout is the longest dependency install, part of the
	// server's write deadline.
	InstallTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router         *chi.Mux
	store          store.Store
	engine         *engine.Engine
	cache          *cache.Registry
	auth           *authenticator
	logger         *slog.Logger
	addr           string
	version        string
	installTimeout time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, s store.Store, eng *engine.Engine, reg *cache.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		router:         chi.NewRouter(),
		store:          s,
		engine:         eng,
		cache:          reg,
		auth:           newAuthenticator(opts.AuthToken),
		logger:         logger,
		addr:           opts.Addr,
		version:        opts.Version,
		installTimeout: opts.InstallTimeout,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/verify-auth", s.handleVerifyAuth)
		r.Post("/execute", s.handleExecute)
		r.Post("/execute/async", s.handleExecuteAsync)

		r.Get("/v1/stats", s.handleGetStats)
		r.Get("/v1/sandboxes", s.handleListSandboxes)

		r.Route("/v1/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
			r.Get("/{id}/console", s.handleStreamConsole)
			r.Get("/{id}/console/history", s.handleGetConsoleHistory)
		})

		r.Route("/v1/cache", func(r chi.Router) {
			r.Get("/", s.handleListCache)
			r.Post("/evict", s.handleEvictCache)
			r.Delete("/{key}", s.handlePurgeCache)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.writeTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr, "auth_enabled", s.auth.enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) writeTimeout() time.Duration {
	d := s.installTimeout + writeSlack
	if s.engine != nil {
		d += s.engine.Config().MaxTimeout
	}
	return d
}

// clearWriteDeadline lifts the server's write deadline for responses whose
// length is bounded elsewhere: by the install and run timeouts for
// /execute, by the execution's end for console streams.
func (s *Server) clearWriteDeadline(w http.ResponseWriter) {
	err := http.NewResponseController(w).SetWriteDeadline(time.Time{})
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", "error", err)
	}
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
