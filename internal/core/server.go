// Package core provides the API chassis for the billing engine. It builds a
// chi router, enforces cross-cutting concerns (panic recovery, request ids,
// logging, metrics, authentication) and exposes the helpers handlers use to
// decode requests and write responses.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/config"
)

// Server encapsulates the HTTP dependencies of the API so tests can inject
// their own.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	HealthProbes   []HealthProbe

	// V1RouteRegistrars mount authenticated routes under /v1.
	V1RouteRegistrars []func(chi.Router)
	// PublicRouteRegistrars mount unauthenticated routes at the root, such
	// as the signed webhook endpoint.
	PublicRouteRegistrars []func(chi.Router)

	closers []func(context.Context) error
	router  *chi.Mux
}

// NewServer prepares a server for route mounting. It fails fast on missing
// critical dependencies.
//
// The caller mounts routes with MountRoutes after populating the registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup step run by Shutdown in reverse order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown runs the registered cleanup steps, newest first, and joins their
// errors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.Error("shutdown step failed", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return errors.Join(errs...)
}
