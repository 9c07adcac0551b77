// Package server exposes the key lifecycle service over HTTP. All
// lifecycle routes sit behind the admin token; only the banner and the
// health probe are open.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/systmms/keylife/internal/audit"
	"github.com/systmms/keylife/internal/lifecycle"
	"github.com/systmms/keylife/internal/logging"
	"github.com/systmms/keylife/internal/secure"
)

// Server is the HTTP front end of the lifecycle service.
type Server struct {
	svc          *lifecycle.Service
	trail        *audit.Log
	token        *secure.Token
	logger       *logging.Logger
	version      string
	defaultGrace time.Duration
	startedAt    time.Time

	httpServer *http.Server
}

// Options configures a Server.
type Options struct {
	Service      *lifecycle.Service
	Trail        *audit.Log
	Token        *secure.Token
	Logger       *logging.Logger
	Version      string
	DefaultGrace time.Duration
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		svc:          opts.Service,
		trail:        opts.Trail,
		token:        opts.Token,
		logger:       opts.Logger,
		version:      opts.Version,
		defaultGrace: opts.DefaultGrace,
		startedAt:    time.Now(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireAdmin(s.token))

		r.Post("/keys", s.handleCreate)
		r.Get("/keys", s.handleList)
		r.Get("/keys/{id}", s.handleGet)
		r.Post("/keys/{id}/rotate", s.handleRotate)
		r.Post("/keys/{id}/revoke", s.handleRevoke)
		r.Get("/audit-log", s.handleAuditLog)
	})

	return r
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	s.logger.Info("Listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
