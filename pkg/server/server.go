// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the admission controller over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/neuros/pkg/config"
	"github.com/kadirpekel/neuros/pkg/observability"
	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

// The controller reports decisions and store health through the same metrics.
var _ ratelimit.Metrics = (*observability.Metrics)(nil)

// HTTPServer serves the admission API, the operator endpoints, health and metrics.
type HTTPServer struct {
	cfg        config.ServerConfig
	controller *ratelimit.Controller
	metrics    *observability.Metrics
	metricsURL string
	logger     *slog.Logger

	adminToken atomic.Pointer[string]
	server     *http.Server
}

// Option configures the HTTP server.
type Option func(*HTTPServer)

// WithMetrics exposes m at path and records HTTP metrics into it.
func WithMetrics(m *observability.Metrics, path string) Option {
	return func(s *HTTPServer) {
		s.metrics = m
		if path != "" {
			s.metricsURL = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPServer creates a server in front of controller.
func NewHTTPServer(cfg config.ServerConfig, controller *ratelimit.Controller, opts ...Option) *HTTPServer {
	cfg.SetDefaults()

	s := &HTTPServer{
		cfg:        cfg,
		controller: controller,
		metricsURL: observability.DefaultMetricsPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.SetAdminToken(cfg.AdminToken)
	return s
}

// SetAdminToken replaces the operator token. An empty token leaves the operator
// endpoints open.
func (s *HTTPServer) SetAdminToken(token string) {
	s.adminToken.Store(&token)
}

func (s *HTTPServer) currentAdminToken() string {
	if t := s.adminToken.Load(); t != nil {
		return *t
	}
	return ""
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observabilityMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsURL, s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/budgets", s.handleBudgets)
		r.Post("/admission", s.handleAdmitAll)

		r.Post("/admission/{budget}/{identifier}", s.handleAdmit)
		r.Get("/admission/{budget}/{identifier}", s.handlePeek)
		r.With(s.requireAdmin).Delete("/admission/{budget}/{identifier}", s.handleReset)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/report", s.handleReport)
			r.Post("/reset", s.handleResetAll)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("HTTP server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown gracefully stops the server within the configured shutdown timeout.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

// Address returns the listen address.
func (s *HTTPServer) Address() string {
	return s.cfg.Address()
}
