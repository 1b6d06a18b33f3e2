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
	"fmt"
	"sort"
	"time"
)

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// RateLimitConfig configures the admission controller.
//
// Example:
//
//	rate_limiting:
//	  backend: redis
//	  store_timeout: 250ms
//	  retry_interval: 5s
//	  budgets:
//	    login-attempt:
//	      max_requests: 5
//	      window: 15m
//	      on_store_failure: deny
type RateLimitConfig struct {
	// Backend is the counter store ("memory", "redis" or "sql").
	// Default: memory
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=redis,enum=sql,default=memory"`

	// SQLDatabase is the reference to a SQL database from the databases section.
	// Required when backend is "sql".
	SQLDatabase string `yaml:"sql_database,omitempty" json:"sql_database,omitempty"`

	// StoreTimeout bounds each call to the shared store.
	// Default: 250ms
	StoreTimeout time.Duration `yaml:"store_timeout,omitempty" json:"store_timeout,omitempty"`

	// RetryInterval is how long a failed store is bypassed before it is tried again.
	// Default: 5s
	RetryInterval time.Duration `yaml:"retry_interval,omitempty" json:"retry_interval,omitempty"`

	// SweepInterval is the period of the expired counter sweep.
	// Default: 5m
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty"`

	// Budgets overrides the built-in budgets by name. Unset fields keep their defaults.
	Budgets map[string]*BudgetConfig `yaml:"budgets,omitempty" json:"budgets,omitempty"`
}

// BudgetConfig overrides one built-in budget.
type BudgetConfig struct {
	// MaxRequests is the ceiling per window.
	MaxRequests int64 `yaml:"max_requests,omitempty" json:"max_requests,omitempty" jsonschema:"minimum=1"`

	// Window is the rolling window length.
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty"`

	// Message is shown to throttled callers.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// OnStoreFailure is "local" (enforce with in-memory counters) or "deny".
	OnStoreFailure string `yaml:"on_store_failure,omitempty" json:"on_store_failure,omitempty" jsonschema:"enum=local,enum=deny"`
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.Backend == BackendSQL && c.SQLDatabase == "" {
		c.SQLDatabase = "default"
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 250 * time.Millisecond
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Validate validates the RateLimitConfig.
// Budget names are checked against the budget registry when it is built.
func (c *RateLimitConfig) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendSQL:
	default:
		return fmt.Errorf("invalid backend %q, must be 'memory', 'redis' or 'sql'", c.Backend)
	}

	if c.Backend == BackendSQL && c.SQLDatabase == "" {
		return fmt.Errorf("backend 'sql' requires 'sql_database' reference")
	}

	if c.StoreTimeout < 0 {
		return fmt.Errorf("store_timeout must be non-negative")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry_interval must be non-negative")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must be non-negative")
	}

	for _, name := range c.BudgetNames() {
		if err := c.Budgets[name].validate(); err != nil {
			return fmt.Errorf("budgets.%s: %w", name, err)
		}
	}

	return nil
}

// BudgetNames returns the overridden budget names in sorted order.
func (c *RateLimitConfig) BudgetNames() []string {
	names := make([]string, 0, len(c.Budgets))
	for name := range c.Budgets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *BudgetConfig) validate() error {
	if b == nil {
		return nil
	}
	if b.MaxRequests < 0 {
		return fmt.Errorf("max_requests must be positive")
	}
	if b.Window < 0 {
		return fmt.Errorf("window must be positive")
	}
	switch b.OnStoreFailure {
	case "", "local", "deny":
	default:
		return fmt.Errorf("invalid on_store_failure %q, must be 'local' or 'deny'", b.OnStoreFailure)
	}
	return nil
}
