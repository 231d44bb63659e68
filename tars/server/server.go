// Package server exposes health, metrics and conversation control over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tars-case/tars/config"
	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
	"github.com/ZanzyTHEbar/tars-case/tars/generation/harness/adapters"
	"github.com/ZanzyTHEbar/tars-case/tars/observability"
)

// Conversations is the control surface the handlers drive.
type Conversations interface {
	Start(seed string, maxTurns int) (conversation.Snapshot, error)
	Get(id string) (conversation.Snapshot, error)
	List() []conversation.Snapshot
	Cancel(id string) error
}

// Pinger reports backend reachability for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server serves.
type Deps struct {
	Conversations Conversations
	Store         Pinger
	Metrics       *observability.Metrics
	BreakerState  func() string
}

// Server wraps the router and the http.Server lifecycle.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	logger   zerolog.Logger
	validate *validator.Validate
	limiter  *adapters.TokenBucket
	router   chi.Router
}

// New builds the router. Nothing listens until ListenAndServe or Serve.
func New(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With().Str("component", "http").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if cfg.RateLimitEnabled {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = 10 * time.Minute
		}
		requests := max(cfg.RateLimitRequests, 1)
		s.limiter = adapters.NewTokenBucket(requests, window/time.Duration(requests))
	}
	s.router = s.routes()
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger, s.deps.Metrics))
	r.Use(securityHeaders)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if s.limiter != nil {
		r.Use(rateLimit(s.limiter, s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
	}
	if s.cfg.BodyLimitBytes > 0 {
		r.Use(bodyLimit(s.cfg.BodyLimitBytes))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/v1/conversations", func(r chi.Router) {
		r.Post("/", s.startConversation)
		r.Get("/", s.listConversations)
		r.Get("/{id}", s.getConversation)
		r.Delete("/{id}", s.cancelConversation)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info().Msg("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) pruneLimiter(ctx context.Context) {
	window := s.cfg.RateLimitWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(window); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("Pruned idle rate limit buckets")
			}
		}
	}
}
