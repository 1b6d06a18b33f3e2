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
	"time"
)

// RedisConfig configures the Redis connection backing shared counters.
//
// Example:
//
//	redis:
//	  addr: localhost:6379
//	  password: ${REDIS_PASSWORD}
//	  db: 0
type RedisConfig struct {
	// Addr is host:port of the Redis server.
	Addr string `yaml:"addr" json:"addr" jsonschema:"title=Address,default=localhost:6379"`

	// Username for Redis ACL authentication.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// Password for Redis authentication.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB selects the logical database.
	DB int `yaml:"db,omitempty" json:"db,omitempty" jsonschema:"minimum=0"`

	// DialTimeout bounds connection establishment.
	// Default: 2s
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`

	// ReadTimeout bounds socket reads.
	// Default: 1s
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout bounds socket writes.
	// Default: 1s
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// SetDefaults applies default values to RedisConfig.
func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = time.Second
	}
}

// Validate checks the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db must be non-negative")
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}
