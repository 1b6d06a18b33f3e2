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

package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/neuros/pkg/config"
)

func TestRegistryFromConfig_Overrides(t *testing.T) {
	cfg := &config.RateLimitConfig{
		Budgets: map[string]*config.BudgetConfig{
			"login-attempt":  {MaxRequests: 10, OnStoreFailure: "deny"},
			"global-ai":      {Window: 30 * time.Minute, Message: "Slow down."},
			"signup-attempt": nil,
		},
	}

	r, err := RegistryFromConfig(cfg)
	require.NoError(t, err)

	login, err := r.Lookup(BudgetLoginAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(10), login.MaxRequests)
	assert.Equal(t, 15*time.Minute, login.Window)
	assert.Equal(t, FailDeny, login.OnStoreFailure)

	ai, err := r.Lookup(BudgetGlobalAI)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ai.MaxRequests)
	assert.Equal(t, 30*time.Minute, ai.Window)
	assert.Equal(t, "Slow down.", ai.Message)

	signup, err := r.Lookup(BudgetSignupAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(3), signup.MaxRequests)
}

func TestRegistryFromConfig_UnknownBudget(t *testing.T) {
	_, err := RegistryFromConfig(&config.RateLimitConfig{
		Budgets: map[string]*config.BudgetConfig{
			"bulk-export": {MaxRequests: 1},
		},
	})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.ErrorIs(t, err, ErrUnknownBudget)
}

func TestRegistryFromConfig_Nil(t *testing.T) {
	r, err := RegistryFromConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, len(AllBudgetNames), r.Len())
}

func TestNewControllerFromConfig_Memory(t *testing.T) {
	cfg := config.Default()

	c, err := NewControllerFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "memory", c.Backend())
	assert.True(t, c.Degraded())
}

func TestNewControllerFromConfig_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Redis = &config.RedisConfig{Addr: mr.Addr()}
	cfg.RateLimiting.Backend = config.BackendRedis
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	c, err := NewControllerFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "redis", c.Backend())
	assert.False(t, c.Degraded())

	_, err = c.CheckAndConsume(context.Background(), "user-1", BudgetCardGeneration)
	require.NoError(t, err)
	assert.True(t, mr.Exists("rl:card-generation:user-1"))
}

func TestNewControllerFromConfig_RedisDownStartsDegraded(t *testing.T) {
	cfg := config.Default()
	cfg.Redis = &config.RedisConfig{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond}
	cfg.RateLimiting.Backend = config.BackendRedis
	cfg.SetDefaults()

	c, err := NewControllerFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Degraded())

	d, err := c.CheckAndConsume(context.Background(), "user-1", BudgetCardGeneration)
	require.NoError(t, err)
	assert.True(t, d.Degraded)
}

func TestNewControllerFromConfig_SQL(t *testing.T) {
	cfg := config.Default()
	cfg.Databases = map[string]*config.DatabaseConfig{
		"default": {Driver: "sqlite", Database: filepath.Join(t.TempDir(), "neuros.db")},
	}
	cfg.RateLimiting.Backend = config.BackendSQL
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	pool := config.NewDBPool()
	defer pool.Close()

	c, err := NewControllerFromConfig(context.Background(), cfg, pool)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "sql", c.Backend())
	for i := 0; i < 3; i++ {
		_, err = c.CheckAndConsume(context.Background(), "u1", BudgetSignupAttempt)
		require.NoError(t, err)
	}
	_, err = c.CheckAndConsume(context.Background(), "u1", BudgetSignupAttempt)
	assert.True(t, IsDenied(err))
	assert.False(t, c.Degraded())
}

func TestNewStoreFromConfig_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.RateLimiting.Backend = config.BackendRedis
	_, err := NewStoreFromConfig(ctx, cfg, nil)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.RateLimiting.Backend = config.BackendSQL
	cfg.RateLimiting.SQLDatabase = "default"
	_, err = NewStoreFromConfig(ctx, cfg, nil)
	assert.Error(t, err)

	_, err = NewStoreFromConfig(ctx, cfg, config.NewDBPool())
	assert.ErrorContains(t, err, "not found")

	cfg.RateLimiting.Backend = "etcd"
	_, err = NewStoreFromConfig(ctx, cfg, nil)
	assert.ErrorContains(t, err, "unsupported")
}

func TestLazyStore_FailsFastUntilConnected(t *testing.T) {
	attempts := 0
	backing := NewMemoryStore()
	store := newLazyStore("sql", func(context.Context) (Store, error) {
		attempts++
		if attempts == 1 {
			return nil, assert.AnError
		}
		return backing, nil
	})

	require.Error(t, store.connect(context.Background()))

	_, _, err := store.Consume(context.Background(), CounterKey{Budget: BudgetCardGeneration, Identifier: "a"}, 5, time.Minute, time.Now())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.Eventually(t, func() bool {
		_, _, err := store.Consume(context.Background(), CounterKey{Budget: BudgetCardGeneration, Identifier: "a"}, 5, time.Minute, time.Now())
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, backing.Size())
}
