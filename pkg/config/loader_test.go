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

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/neuros/pkg/config/provider"
)

const sampleConfig = `
logger:
  level: debug
  format: json
server:
  port: 9090
  admin_token: ${NEUROS_TEST_ADMIN_TOKEN}
redis:
  addr: ${NEUROS_TEST_REDIS_ADDR:-localhost:6380}
rate_limiting:
  backend: redis
  store_timeout: 100ms
  budgets:
    login-attempt:
      max_requests: 10
      window: 30m
      on_store_failure: deny
    card-generation:
      message: "Slow down, $NEUROS_TEST_USER"
`

func TestParse_FullConfig(t *testing.T) {
	t.Setenv("NEUROS_TEST_ADMIN_TOKEN", "s3cret")
	t.Setenv("NEUROS_TEST_USER", "alice")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Address())

	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Redis.DialTimeout)

	assert.Equal(t, BackendRedis, cfg.RateLimiting.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.RateLimiting.StoreTimeout)
	assert.Equal(t, 5*time.Second, cfg.RateLimiting.RetryInterval)
	assert.Equal(t, []string{"card-generation", "login-attempt"}, cfg.RateLimiting.BudgetNames())

	login := cfg.RateLimiting.Budgets["login-attempt"]
	assert.Equal(t, int64(10), login.MaxRequests)
	assert.Equal(t, 30*time.Minute, login.Window)
	assert.Equal(t, "deny", login.OnStoreFailure)
	assert.Equal(t, "Slow down, alice", cfg.RateLimiting.Budgets["card-generation"].Message)

	assert.True(t, cfg.Observability.Metrics.IsEnabled())
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.RateLimiting.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimiting.StoreTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RateLimiting.SweepInterval)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Nil(t, cfg.Redis)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"rate_limiting": {"backend": "memory", "sweep_interval": "1m"}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.RateLimiting.SweepInterval)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"unknown key", "rate_limiting:\n  bakend: redis\n", "bakend"},
		{"bad backend", "rate_limiting:\n  backend: etcd\n", "invalid backend"},
		{"redis without section", "rate_limiting:\n  backend: redis\n", "requires a redis section"},
		{"sql without database", "rate_limiting:\n  backend: sql\n", "not found"},
		{"bad policy", "rate_limiting:\n  budgets:\n    login-attempt:\n      on_store_failure: open\n", "on_store_failure"},
		{"negative max", "rate_limiting:\n  budgets:\n    login-attempt:\n      max_requests: -1\n", "max_requests"},
		{"bad duration", "rate_limiting:\n  store_timeout: soon\n", "store_timeout"},
		{"bad log level", "logger:\n  level: loud\n", "invalid log level"},
		{"bad port", "server:\n  port: 70000\n", "invalid port"},
		{"not yaml", "{{{", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_SQLBackend(t *testing.T) {
	input := `
databases:
  default:
    driver: sqlite
    database: ./data/neuros.db
rate_limiting:
  backend: sql
`
	cfg, err := Parse([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.RateLimiting.SQLDatabase)

	db, ok := cfg.GetDatabase("default")
	require.True(t, ok)
	assert.Equal(t, "sqlite3", db.DriverName())
	assert.Equal(t, "sqlite", db.Dialect())
	assert.Equal(t, 25, db.MaxConns)
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("NEUROS_TEST_SET", "value")

	assert.Equal(t, "value", expandEnvString("${NEUROS_TEST_SET}"))
	assert.Equal(t, "value", expandEnvString("$NEUROS_TEST_SET"))
	assert.Equal(t, "fallback", expandEnvString("${NEUROS_TEST_UNSET:-fallback}"))
	assert.Equal(t, "value", expandEnvString("${NEUROS_TEST_SET:-fallback}"))
	assert.Equal(t, "", expandEnvString("${NEUROS_TEST_UNSET}"))
	assert.Equal(t, "a-value-b", expandEnvString("a-${NEUROS_TEST_SET}-b"))
	assert.Equal(t, "no vars", expandEnvString("no vars"))
}

func TestLoader_StaticProvider(t *testing.T) {
	loader := NewLoader(provider.NewStaticProvider([]byte("server:\n  port: 7000\n")))
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)

	// Static providers do not watch; Watch returns once the context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, loader.Watch(ctx))
}

func TestLoadConfigFile_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neuros.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0o644))

	var (
		reloaded atomic.Pointer[Config]
	)
	cfg, loader, err := LoadConfigFile(context.Background(), path,
		WithOnChange(func(c *Config) { reloaded.Store(c) }))
	require.NoError(t, err)
	defer loader.Close()
	assert.Equal(t, 8081, cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Nil(t, reloaded.Load())

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8082\n"), 0o644))
	assert.Eventually(t, func() bool {
		c := reloaded.Load()
		return c != nil && c.Server.Port == 8082
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestLoadConfigFile_Missing(t *testing.T) {
	_, _, err := LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
