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

// Command neuros runs and operates the admission controller.
//
// Usage:
//
//	neuros serve --config neuros.yaml
//	neuros check login-attempt 203.0.113.7 --config neuros.yaml
//	neuros report --watch --config neuros.yaml
//	neuros peek login-attempt 203.0.113.7 --server http://localhost:8080
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/neuros/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the admission HTTP API."`
	Check    CheckCmd    `cmd:"" help:"Consume one request from a budget."`
	Peek     PeekCmd     `cmd:"" help:"Show a budget without consuming it."`
	Reset    ResetCmd    `cmd:"" help:"Clear the counter of one identifier."`
	Report   ReportCmd   `cmd:"" help:"Show current budget usage."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config     string `short:"c" help:"Path to config file." type:"path" env:"NEUROS_CONFIG"`
	Server     string `short:"s" help:"Base URL of a running neuros server; check, peek, reset and report use its API instead of the store." env:"NEUROS_SERVER"`
	AdminToken string `name:"admin-token" help:"Operator token sent to --server." env:"NEUROS_ADMIN_TOKEN"`
	LogLevel   string `help:"Log level (debug, info, warn, error)."`
	LogFile    string `help:"Log file path (empty = stderr)."`
	LogFormat  string `help:"Log format (simple, verbose or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("neuros version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	return version
}

// loadConfig reads the config file, or returns the defaults when no file is given.
// The loader is nil in the second case.
func loadConfig(ctx context.Context, path string, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	if path == "" {
		return config.Default(), nil, nil
	}

	_ = config.LoadDotEnvForConfig(path)
	cfg, loader, err := config.LoadConfigFile(ctx, path, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, loader, nil
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("neuros"),
		kong.Description("Neuros admission controller"),
		kong.UsageOnError(),
	)

	// Config file logger settings are applied later by commands that load one.
	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
