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
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/neuros/pkg/config"
)

// RegistryFromConfig applies the configured overrides to the built-in budgets.
// Overriding a budget outside the closed set is a configuration error.
func RegistryFromConfig(cfg *config.RateLimitConfig) (*Registry, error) {
	budgets := DefaultBudgets()
	if cfg == nil {
		return NewRegistry(budgets)
	}

	index := make(map[BudgetName]int, len(budgets))
	for i, b := range budgets {
		index[b.Name] = i
	}

	for _, raw := range cfg.BudgetNames() {
		name, err := ParseBudgetName(raw)
		if err != nil {
			return nil, NewConfigurationError("rate_limiting.budgets."+raw, "unknown budget", ErrUnknownBudget)
		}
		override := cfg.Budgets[raw]
		if override == nil {
			continue
		}

		b := &budgets[index[name]]
		if override.MaxRequests != 0 {
			b.MaxRequests = override.MaxRequests
		}
		if override.Window != 0 {
			b.Window = override.Window
		}
		if override.Message != "" {
			b.Message = override.Message
		}
		if override.OnStoreFailure != "" {
			b.OnStoreFailure = FailurePolicy(override.OnStoreFailure)
		}
	}

	return NewRegistry(budgets)
}

// NewStoreFromConfig creates the durable store selected by rate_limiting.backend.
//
// The memory backend has no durable store and returns nil. A backend that cannot be
// reached is still returned, together with the connection error, so the caller can
// start degraded instead of refusing to run.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (Store, error) {
	rl := cfg.RateLimiting

	switch rl.Backend {
	case config.BackendMemory, "":
		return nil, nil

	case config.BackendRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis section is required when backend is redis")
		}
		store, err := NewRedisStoreFromOptions(ctx, RedisOptions{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if store == nil {
			return nil, err
		}
		return store, err

	case config.BackendSQL:
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for SQL rate limit backend")
		}

		dbName := rl.SQLDatabase
		if dbName == "" {
			return nil, fmt.Errorf("rate_limiting.sql_database is required when backend is sql")
		}

		dbCfg, ok := cfg.GetDatabase(dbName)
		if !ok {
			return nil, fmt.Errorf("database %q not found", dbName)
		}

		store := newLazyStore("sql", func(ctx context.Context) (Store, error) {
			// Shares the connection with other components using the same DSN.
			db, err := pool.Get(dbCfg)
			if err != nil {
				return nil, fmt.Errorf("failed to get database connection: %w", err)
			}
			return NewSQLStoreContext(ctx, db, dbCfg.Dialect())
		})
		return store, store.connect(ctx)

	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", rl.Backend)
	}
}

// NewControllerFromConfig builds the registry, the store and the controller.
// Options given by the caller are applied after the ones derived from cfg.
func NewControllerFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool, opts ...ControllerOption) (*Controller, error) {
	registry, err := RegistryFromConfig(&cfg.RateLimiting)
	if err != nil {
		return nil, err
	}

	store, storeErr := NewStoreFromConfig(ctx, cfg, pool)
	if storeErr != nil && store == nil {
		return nil, storeErr
	}

	all := []ControllerOption{
		WithStore(store),
		WithStoreTimeout(cfg.RateLimiting.StoreTimeout),
		WithRetryInterval(cfg.RateLimiting.RetryInterval),
	}
	all = append(all, opts...)

	c, err := NewController(registry, all...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	if storeErr != nil {
		c.health.markFailure(c.now(), storeErr)
	}
	return c, nil
}

// lazyStore defers opening a store whose backend may be down at start-up.
// Until the open succeeds every call fails fast with ErrStoreUnavailable while a single
// background attempt runs, so callers never wait on connection setup.
type lazyStore struct {
	name string
	open func(ctx context.Context) (Store, error)

	mu      sync.Mutex
	store   Store
	opening bool
	lastErr error
}

const lazyOpenTimeout = 30 * time.Second

func newLazyStore(name string, open func(ctx context.Context) (Store, error)) *lazyStore {
	return &lazyStore{name: name, open: open}
}

// connect tries to open the store synchronously.
func (l *lazyStore) connect(ctx context.Context) error {
	store, err := l.open(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.lastErr = err
		return err
	}
	l.store = store
	return nil
}

func (l *lazyStore) current() (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		return l.store, nil
	}

	if !l.opening {
		l.opening = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), lazyOpenTimeout)
			defer cancel()
			_ = l.connect(ctx)

			l.mu.Lock()
			l.opening = false
			l.mu.Unlock()
		}()
	}

	if l.lastErr != nil {
		return nil, fmt.Errorf("%w: %s store not connected: %v", ErrStoreUnavailable, l.name, l.lastErr)
	}
	return nil, fmt.Errorf("%w: %s store not connected", ErrStoreUnavailable, l.name)
}

func (l *lazyStore) Name() string {
	return l.name
}

func (l *lazyStore) Consume(ctx context.Context, key CounterKey, limit int64, window time.Duration, now time.Time) (Counter, bool, error) {
	s, err := l.current()
	if err != nil {
		return Counter{}, false, err
	}
	return s.Consume(ctx, key, limit, window, now)
}

func (l *lazyStore) Get(ctx context.Context, key CounterKey, now time.Time) (Counter, bool, error) {
	s, err := l.current()
	if err != nil {
		return Counter{}, false, err
	}
	return s.Get(ctx, key, now)
}

func (l *lazyStore) Delete(ctx context.Context, key CounterKey) error {
	s, err := l.current()
	if err != nil {
		return err
	}
	return s.Delete(ctx, key)
}

func (l *lazyStore) DeleteAll(ctx context.Context) error {
	s, err := l.current()
	if err != nil {
		return err
	}
	return s.DeleteAll(ctx)
}

func (l *lazyStore) List(ctx context.Context, now time.Time) ([]Entry, error) {
	s, err := l.current()
	if err != nil {
		return nil, err
	}
	return s.List(ctx, now)
}

func (l *lazyStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s, err := l.current()
	if err != nil {
		return 0, err
	}
	return s.DeleteExpired(ctx, before)
}

func (l *lazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
