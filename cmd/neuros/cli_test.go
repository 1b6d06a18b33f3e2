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
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/neuros/pkg/client"
	"github.com/kadirpekel/neuros/pkg/config"
	"github.com/kadirpekel/neuros/pkg/logger"
	"github.com/kadirpekel/neuros/pkg/ratelimit"
	"github.com/kadirpekel/neuros/pkg/server"
)

func TestResolveLogSettings_Priority(t *testing.T) {
	fromConfig := &config.LoggerConfig{Level: "warn", File: "config.log", Format: "json"}

	t.Run("config when nothing else is set", func(t *testing.T) {
		t.Setenv(LogLevelEnvVar, "")
		t.Setenv(LogFileEnvVar, "")
		t.Setenv(LogFormatEnvVar, "")

		got := resolveLogSettings("", "", "", fromConfig)
		assert.Equal(t, logSettings{Level: "warn", File: "config.log", Format: "json"}, got)
	})

	t.Run("env beats config", func(t *testing.T) {
		t.Setenv(LogLevelEnvVar, "debug")
		t.Setenv(LogFileEnvVar, "")
		t.Setenv(LogFormatEnvVar, "verbose")

		got := resolveLogSettings("", "", "", fromConfig)
		assert.Equal(t, logSettings{Level: "debug", File: "config.log", Format: "verbose"}, got)
	})

	t.Run("flags beat env", func(t *testing.T) {
		t.Setenv(LogLevelEnvVar, "debug")
		t.Setenv(LogFileEnvVar, "env.log")
		t.Setenv(LogFormatEnvVar, "verbose")

		got := resolveLogSettings("error", "flag.log", "simple", fromConfig)
		assert.Equal(t, logSettings{Level: "error", File: "flag.log", Format: "simple"}, got)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv(LogLevelEnvVar, "")
		t.Setenv(LogFileEnvVar, "")
		t.Setenv(LogFormatEnvVar, "")

		got := resolveLogSettings("", "", "", nil)
		assert.Equal(t, logSettings{Level: "info", Format: DefaultLogFormat}, got)
	})
}

func TestInitLogger(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	t.Setenv(LogFileEnvVar, "")
	t.Setenv(LogFormatEnvVar, "")
	t.Cleanup(func() { logger.Init(slog.LevelInfo, os.Stderr, DefaultLogFormat) })

	path := filepath.Join(t.TempDir(), "neuros.log")
	cleanup, err := initLogger("debug", path, "json", nil)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, logger.Level())

	slog.Info("hello from test")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello from test"`)

	_, err = initLogger("loud", "", "", nil)
	assert.Error(t, err)
}

func TestBudgetArgs_Parse(t *testing.T) {
	name, err := BudgetArgs{Budget: " Login-Attempt "}.parse()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.BudgetLoginAttempt, name)

	_, err = BudgetArgs{Budget: "video"}.parse()
	assert.ErrorIs(t, err, ratelimit.ErrUnknownBudget)
}

func TestRedacted(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AdminToken = "s3cret"
	cfg.Redis = &config.RedisConfig{Addr: "localhost:6379", Password: "hunter2"}
	cfg.Databases["main"] = &config.DatabaseConfig{Driver: "postgres", Password: "pg-pass"}

	out := redacted(cfg)
	assert.Equal(t, "********", out.Server.AdminToken)
	assert.Equal(t, "********", out.Redis.Password)
	assert.Equal(t, "********", out.Databases["main"].Password)

	// The original is untouched.
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "pg-pass", cfg.Databases["main"].Password)

	assert.Empty(t, mask(""))
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, loader, err := loadConfig(t.Context(), "")
	require.NoError(t, err)
	assert.Nil(t, loader)
	assert.Equal(t, config.BackendMemory, cfg.RateLimiting.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neuros.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
rate_limiting:
  budgets:
    login-attempt:
      max_requests: 10
`), 0o644))

	cfg, loader, err := loadConfig(t.Context(), path)
	require.NoError(t, err)
	require.NotNil(t, loader)
	defer loader.Close()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(10), cfg.RateLimiting.Budgets["login-attempt"].MaxRequests)

	_, _, err = loadConfig(t.Context(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type tokenRecorder struct {
	tokens []string
}

func (r *tokenRecorder) SetAdminToken(token string) {
	r.tokens = append(r.tokens, token)
}

func newReloader(t *testing.T, pinned bool) (*reloader, *tokenRecorder, *bytes.Buffer) {
	t.Helper()

	controller, err := ratelimit.NewController(ratelimit.DefaultRegistry(),
		ratelimit.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Close() })

	var buf bytes.Buffer
	tokens := &tokenRecorder{}
	r := &reloader{levelPinned: pinned}
	r.attach(tokens, controller, slog.New(slog.NewTextHandler(&buf, nil)))
	return r, tokens, &buf
}

func TestReloader_AppliesLiveSettings(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(slog.LevelInfo) })
	logger.SetLevel(slog.LevelInfo)

	r, tokens, buf := newReloader(t, false)

	cfg := config.Default()
	cfg.Logger.Level = "debug"
	cfg.Server.AdminToken = "rotated"
	r.apply(cfg)

	assert.Equal(t, slog.LevelDebug, logger.Level())
	assert.Equal(t, []string{"rotated"}, tokens.tokens)
	assert.Contains(t, buf.String(), "Log level changed")
	assert.NotContains(t, buf.String(), "restart")
}

func TestReloader_PinnedLevelIsKept(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(slog.LevelInfo) })
	logger.SetLevel(slog.LevelWarn)

	r, _, _ := newReloader(t, true)

	cfg := config.Default()
	cfg.Logger.Level = "debug"
	r.apply(cfg)

	assert.Equal(t, slog.LevelWarn, logger.Level())
}

func TestReloader_ReportsRestartRequired(t *testing.T) {
	r, _, buf := newReloader(t, true)

	cfg := config.Default()
	cfg.RateLimiting.Backend = config.BackendRedis
	cfg.RateLimiting.Budgets = map[string]*config.BudgetConfig{
		"login-attempt": {MaxRequests: 10},
	}
	r.apply(cfg)

	out := buf.String()
	assert.Contains(t, out, "Budget changes take effect after a restart")
	assert.Contains(t, out, "Backend changes take effect after a restart")

	buf.Reset()
	cfg.RateLimiting.Budgets = map[string]*config.BudgetConfig{"video": {MaxRequests: 1}}
	r.apply(cfg)
	assert.Contains(t, buf.String(), "Reloaded budgets are invalid")
}

func TestReloader_IgnoresChangesBeforeAttach(t *testing.T) {
	r := &reloader{}
	assert.NotPanics(t, func() { r.apply(config.Default()) })
}

func TestRenderReport(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := ratelimit.DefaultRegistry()

	entries := []ratelimit.Entry{
		{
			Key:     ratelimit.CounterKey{Budget: ratelimit.BudgetCardGeneration, Identifier: "user-1"},
			Counter: ratelimit.Counter{Count: 8, ResetAt: now.Add(30 * time.Second)},
		},
		{
			Key:     ratelimit.CounterKey{Budget: ratelimit.BudgetLoginAttempt, Identifier: "203.0.113.7"},
			Counter: ratelimit.Counter{Count: 5, ResetAt: now.Add(10 * time.Minute)},
		},
	}
	report := ratelimit.BuildReport(registry, entries, now, ratelimit.ReportMeta{
		InstanceID: "node-a",
		Backend:    "redis",
		Degraded:   true,
	})

	out := renderReport(report, true)
	lines := strings.Split(out, "\n")
	assert.Equal(t, "Rate limit report | node-a | backend: redis (degraded)", lines[0])

	assert.Contains(t, out, "   Limit: 10 requests per 1m\n")
	assert.Contains(t, out, "   user-1 warning   8/10 [████████████████░░░░] 80%\n")
	assert.Contains(t, out, "   -> 2 requests remaining, resets in 30s\n")
	assert.Contains(t, out, "   203.0.113.7 exhausted 5/5 [████████████████████] 100%\n")
	assert.Contains(t, out, "   -> limit reached, resets in 10m0s\n")
	assert.Contains(t, out, "   Status: no usage\n")
	assert.Contains(t, out, "   Tracked: 2\n")
	assert.Contains(t, out, "   Overall usage: 13/15 (87%)\n")
	assert.Contains(t, out, "   Windows opened: ")
}

func TestRenderReport_Empty(t *testing.T) {
	report := ratelimit.BuildReport(ratelimit.DefaultRegistry(), nil, time.Now(), ratelimit.ReportMeta{Backend: "memory"})

	out := renderReport(report, true)
	assert.True(t, strings.HasPrefix(out, "Rate limit report | backend: memory\n"))
	assert.Equal(t, len(ratelimit.AllBudgetNames), strings.Count(out, "Status: no usage"))
	assert.Contains(t, out, "Overall usage: 0/0 (0%)")
	assert.NotContains(t, out, "Windows opened")
}

func TestProgressBarAndResetIn(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", barWidth), progressBar(0))
	assert.Equal(t, strings.Repeat("█", 10)+strings.Repeat("░", 10), progressBar(50))
	assert.Equal(t, strings.Repeat("█", barWidth), progressBar(250))

	assert.Equal(t, "now", formatResetIn(0))
	assert.Equal(t, "in 1s", formatResetIn(200*time.Millisecond))
	assert.Equal(t, "in 15m0s", formatResetIn(15*time.Minute))
}

func TestWithAdmission_RemoteServer(t *testing.T) {
	controller, err := ratelimit.NewController(ratelimit.DefaultRegistry(),
		ratelimit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer controller.Close()

	ts := httptest.NewServer(server.NewHTTPServer(config.ServerConfig{AdminToken: "tok"}, controller,
		server.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).Handler())
	defer ts.Close()

	cli := &CLI{Server: ts.URL, AdminToken: "tok"}
	err = withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		assert.IsType(t, &client.Client{}, api)

		decision, err := api.CheckAndConsume(ctx, "user-1", ratelimit.BudgetPasswordReset)
		require.NoError(t, err)
		assert.Equal(t, int64(2), decision.Remaining)

		report, err := api.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.TotalEntries)
		return api.ResetAll(ctx)
	})
	require.NoError(t, err)

	info, err := controller.Peek(context.Background(), "user-1", ratelimit.BudgetPasswordReset)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Remaining)
}

func TestWithAdmission_LocalController(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	t.Setenv(LogFileEnvVar, "")
	t.Setenv(LogFormatEnvVar, "")
	t.Cleanup(func() { logger.Init(slog.LevelInfo, os.Stderr, DefaultLogFormat) })

	cli := &CLI{LogLevel: "error"}
	err := withAdmission(cli, func(ctx context.Context, api admissionAPI) error {
		controller, ok := api.(*ratelimit.Controller)
		require.True(t, ok)
		assert.Equal(t, "memory", controller.Backend())
		return nil
	})
	require.NoError(t, err)
}
