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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/neuros/pkg/config"
	"github.com/kadirpekel/neuros/pkg/logger"
	"github.com/kadirpekel/neuros/pkg/observability"
	"github.com/kadirpekel/neuros/pkg/ratelimit"
	"github.com/kadirpekel/neuros/pkg/server"
)

// ServeCmd starts the admission HTTP API.
type ServeCmd struct {
	Port       int    `help:"Port to listen on (overrides config)."`
	InstanceID string `name:"instance-id" help:"Instance identity reported by health and report (default: random UUID)." env:"NEUROS_INSTANCE_ID"`
	Watch      bool   `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signalContext(context.Background())
	defer stop()

	reload := &reloader{
		levelPinned: cli.LogLevel != "" || os.Getenv(LogLevelEnvVar) != "",
	}

	cfg, loader, err := loadConfig(ctx, cli.Config, config.WithOnChange(reload.apply))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()
	log := slog.Default()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Observability shutdown failed", "error", err)
		}
	}()
	metrics := obs.Metrics()

	// Shares one connection per DSN between every SQL consumer.
	dbPool := config.NewDBPool()
	defer dbPool.Close()

	instanceID := c.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	controller, err := ratelimit.NewControllerFromConfig(ctx, cfg, dbPool,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(metrics),
		ratelimit.WithInstanceID(instanceID),
	)
	if err != nil {
		return fmt.Errorf("failed to create admission controller: %w", err)
	}
	defer controller.Close()
	metrics.ObserveDegraded(controller.Degraded)

	srv := server.NewHTTPServer(cfg.Server, controller,
		server.WithMetrics(metrics, cfg.Observability.Metrics.Endpoint),
		server.WithLogger(log),
	)
	reload.attach(srv, controller, log)

	printStartup(cfg, srv, controller, metrics != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return controller.RunSweeper(gctx, cfg.RateLimiting.SweepInterval)
	})
	if c.Watch && loader != nil {
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("config watch failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("Shut down", "instance_id", instanceID)
	return err
}

func printStartup(cfg *config.Config, srv *server.HTTPServer, controller *ratelimit.Controller, metrics bool) {
	fmt.Printf("\nneuros admission controller ready\n")
	fmt.Printf("   Admission:   http://%s/v1/admission/{budget}/{identifier}\n", srv.Address())
	fmt.Printf("   Health:      http://%s/health\n", srv.Address())
	if metrics {
		fmt.Printf("   Metrics:     http://%s%s\n", srv.Address(), cfg.Observability.Metrics.Endpoint)
	}
	fmt.Printf("   Backend:     %s\n", controller.Backend())
	fmt.Printf("   Instance:    %s\n", controller.InstanceID())
	if cfg.Server.AdminToken == "" {
		fmt.Printf("   Operator:    open (no admin_token configured)\n")
	}

	fmt.Println("\n   Budgets:")
	for _, b := range controller.Registry().Budgets() {
		fmt.Printf("     - %-18s %d per %s\n", b.Name, b.MaxRequests, b.WindowDescription())
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

// adminTokenSetter is the part of the HTTP server a reload can change.
type adminTokenSetter interface {
	SetAdminToken(token string)
}

// reloader applies a reloaded configuration to the running process. Only the log
// level and the admin token change live; budgets and the backend are fixed for the
// lifetime of a controller.
type reloader struct {
	levelPinned bool

	mu       sync.Mutex
	server   adminTokenSetter
	budgets  []ratelimit.Budget
	backend  string
	logger   *slog.Logger
	attached bool
}

func (r *reloader) attach(srv adminTokenSetter, controller *ratelimit.Controller, log *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server = srv
	r.budgets = controller.Registry().Budgets()
	r.backend = controller.Backend()
	r.logger = log
	r.attached = true
}

func (r *reloader) apply(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.attached {
		return
	}

	if !r.levelPinned {
		if level, err := logger.ParseLevel(cfg.Logger.Level); err == nil && level != logger.Level() {
			logger.SetLevel(level)
			r.logger.Info("Log level changed", "level", cfg.Logger.Level)
		}
	}

	r.server.SetAdminToken(cfg.Server.AdminToken)

	registry, err := ratelimit.RegistryFromConfig(&cfg.RateLimiting)
	if err != nil {
		r.logger.Warn("Reloaded budgets are invalid and were ignored", "error", err)
	} else if !reflect.DeepEqual(registry.Budgets(), r.budgets) {
		r.logger.Warn("Budget changes take effect after a restart")
	}

	if backend := cfg.RateLimiting.Backend; backend != r.backend {
		r.logger.Warn("Backend changes take effect after a restart", "running", r.backend, "configured", backend)
	}
}
