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

	"github.com/kadirpekel/neuros/pkg/observability"
)

// Config is the root configuration of a neuros process.
type Config struct {
	// Logger configures logging.
	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty" jsonschema:"title=Logger"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`

	// Observability configures metrics and tracing.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`

	// Databases are named SQL connections referenced by other sections.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty" jsonschema:"title=Databases"`

	// Redis configures the shared counter store.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" jsonschema:"title=Redis"`

	// RateLimiting configures the admission controller.
	RateLimiting RateLimitConfig `yaml:"rate_limiting,omitempty" json:"rate_limiting,omitempty" jsonschema:"title=Rate Limiting"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()

	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}

	if c.Redis != nil {
		c.Redis.SetDefaults()
	}

	c.RateLimiting.SetDefaults()
}

// Validate checks every section and the references between them.
func (c *Config) Validate() error {
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	for _, name := range c.DatabaseNames() {
		db := c.Databases[name]
		if db == nil {
			return fmt.Errorf("databases.%s: is empty", name)
		}
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}

	if c.Redis != nil {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}

	if err := c.RateLimiting.Validate(); err != nil {
		return fmt.Errorf("rate_limiting: %w", err)
	}

	return c.validateReferences()
}

func (c *Config) validateReferences() error {
	switch c.RateLimiting.Backend {
	case BackendRedis:
		if c.Redis == nil {
			return fmt.Errorf("rate_limiting.backend 'redis' requires a redis section")
		}
	case BackendSQL:
		if _, ok := c.GetDatabase(c.RateLimiting.SQLDatabase); !ok {
			return fmt.Errorf("rate_limiting.sql_database %q not found (available: %v)",
				c.RateLimiting.SQLDatabase, c.DatabaseNames())
		}
	}
	return nil
}

// GetDatabase returns the named database configuration.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok && db != nil
}

// DatabaseNames returns the configured database names in sorted order.
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for name := range c.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
