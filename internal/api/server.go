// Package api exposes the HTTP control plane: task submission and
// inspection for operators, heartbeat and result ingestion for agents.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/hermes/internal/agents"
	"github.com/seantiz/hermes/internal/engine"
	"github.com/seantiz/hermes/internal/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server is the HTTP API server.
type Server struct {
	router  *chi.Mux
	engine  *engine.Engine
	agents  *agents.Registry
	mailbox transport.Mailbox
	logger  *slog.Logger
	addr    string
}

// NewServer creates the API server and mounts all routes. mbox may be nil
// when agents receive envelopes over a push transport instead of polling.
// A nil or empty corsOrigins allows any origin.
func NewServer(addr string, eng *engine.Engine, reg *agents.Registry, mbox transport.Mailbox, logger *slog.Logger, corsOrigins []string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		engine:  eng,
		agents:  reg,
		mailbox: mbox,
		logger:  logger,
		addr:    addr,
	}

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/commands", s.handleListCommands)

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleCancelTask)
		r.Get("/{id}/attempts", s.handleListAttempts)
		r.Get("/{id}/stream", s.handleStreamResult)
	})

	s.router.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleListAgents)
		r.Get("/{id}", s.handleGetAgent)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Get("/{id}/envelopes", s.handleDrainEnvelopes)
	})

	s.router.Post("/v1/results", s.handleSubmitResult)
}

// Router returns the underlying chi router, primarily for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until shutdown (SIGINT/SIGTERM) or a
// fatal server error.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// loggingMiddleware logs each request with latency and status code.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
