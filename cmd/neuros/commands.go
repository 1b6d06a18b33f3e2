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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/neuros/pkg/client"
	"github.com/kadirpekel/neuros/pkg/config"
	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

// admissionAPI is served both by a local controller and by a remote neuros server.
type admissionAPI interface {
	CheckAndConsume(ctx context.Context, identifier string, budget ratelimit.BudgetName) (*ratelimit.Decision, error)
	Peek(ctx context.Context, identifier string, budget ratelimit.BudgetName) (*ratelimit.Info, error)
	Reset(ctx context.Context, identifier string, budget ratelimit.BudgetName) error
	ResetAll(ctx context.Context) error
	Report(ctx context.Context) (*ratelimit.Report, error)
}

var (
	_ admissionAPI = (*ratelimit.Controller)(nil)
	_ admissionAPI = (*client.Client)(nil)
)

// withAdmission runs fn against the server given by --server, or else against a
// controller built from the configured store. Without a server and with the memory
// backend the CLI only sees its own process-local counters.
func withAdmission(cli *CLI, fn func(ctx context.Context, api admissionAPI) error) error {
	ctx := context.Background()

	if cli.Server != "" {
		c, err := client.New(cli.Server,
			client.WithAdminToken(cli.AdminToken),
			client.WithLogger(slog.Default()),
		)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	}

	cfg, loader, err := loadConfig(ctx, cli.Config)
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

	pool := config.NewDBPool()
	defer pool.Close()

	controller, err := ratelimit.NewControllerFromConfig(ctx, cfg, pool, ratelimit.WithLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("failed to create admission controller: %w", err)
	}
	defer controller.Close()

	return fn(ctx, controller)
}

// BudgetArgs are the positional arguments shared by per-identifier commands.
type BudgetArgs struct {
	Budget     string `arg:"" help:"Budget name (card-generation, image-generation, global-ai, review-submission, login-attempt, signup-attempt, password-reset)."`
	Identifier string `arg:"" help:"User ID, email or client IP."`
}

func (a BudgetArgs) parse() (ratelimit.BudgetName, error) {
	return ratelimit.ParseBudgetName(a.Budget)
}

// CheckCmd consumes one request from a budget.
type CheckCmd struct {
	BudgetArgs `embed:""`
	JSON bool `help:"Print the decision as JSON."`
}

func (c *CheckCmd) Run(cli *CLI) error {
	name, err := c.parse()
	if err != nil {
		return err
	}

	return withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		decision, err := api.CheckAndConsume(ctx, c.Identifier, name)
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(os.Stdout, decision)
		}
		fmt.Fprintf(os.Stdout, "allowed: %s for %s, %d of %d remaining, resets %s\n",
			decision.Budget, decision.Identifier, decision.Remaining, decision.Limit,
			formatResetIn(time.Until(decision.ResetAt)))
		return nil
	})
}

// PeekCmd shows a budget without consuming it.
type PeekCmd struct {
	BudgetArgs `embed:""`
	JSON bool `help:"Print the state as JSON."`
}

func (c *PeekCmd) Run(cli *CLI) error {
	name, err := c.parse()
	if err != nil {
		return err
	}

	return withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		info, err := api.Peek(ctx, c.Identifier, name)
		if err != nil {
			return err
		}
		if c.JSON {
			return writeJSON(os.Stdout, info)
		}
		fmt.Fprintf(os.Stdout, "%s for %s: %d of %d remaining, resets %s\n",
			info.Budget, c.Identifier, info.Remaining, info.Limit,
			formatResetIn(time.Until(info.ResetAt)))
		return nil
	})
}

// ResetCmd clears the counter of one identifier.
type ResetCmd struct {
	BudgetArgs `embed:""`
}

func (c *ResetCmd) Run(cli *CLI) error {
	name, err := c.parse()
	if err != nil {
		return err
	}

	return withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		if err := api.Reset(ctx, c.Identifier, name); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "reset %s for %s\n", name, c.Identifier)
		return nil
	})
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Print bool `short:"p" help:"Print the effective configuration after defaults, with secrets masked."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate command")
	}

	cfg, loader, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	registry, err := ratelimit.RegistryFromConfig(&cfg.RateLimiting)
	if err != nil {
		return fmt.Errorf("invalid budgets: %w", err)
	}

	if c.Print {
		return yaml.NewEncoder(os.Stdout).Encode(redacted(cfg))
	}

	fmt.Fprintf(os.Stdout, "%s is valid\n", cli.Config)
	fmt.Fprintf(os.Stdout, "  backend: %s\n", cfg.RateLimiting.Backend)
	for _, b := range registry.Budgets() {
		fmt.Fprintf(os.Stdout, "  %-18s %d per %s\n", b.Name, b.MaxRequests, b.WindowDescription())
	}
	return nil
}

// SchemaCmd generates the JSON Schema of the configuration file.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(config.Schema()); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}

// redacted returns a copy of cfg with credentials masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Server.AdminToken = mask(out.Server.AdminToken)

	if cfg.Redis != nil {
		r := *cfg.Redis
		r.Password = mask(r.Password)
		out.Redis = &r
	}

	out.Databases = make(map[string]*config.DatabaseConfig, len(cfg.Databases))
	for name, db := range cfg.Databases {
		if db == nil {
			continue
		}
		d := *db
		d.Password = mask(d.Password)
		out.Databases[name] = &d
	}
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
