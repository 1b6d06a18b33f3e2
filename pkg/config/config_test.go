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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "simple", cfg.Logger.Format)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendMemory, cfg.RateLimiting.Backend)
	assert.NotNil(t, cfg.Databases)
}

func TestDatabaseConfig(t *testing.T) {
	pg := &DatabaseConfig{Driver: "postgres", Host: "db", Database: "neuros", Username: "app", Password: "pw"}
	pg.SetDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 dbname=neuros user=app password=pw sslmode=disable", pg.DSN())

	my := &DatabaseConfig{Driver: "mysql", Host: "db", Database: "neuros", Username: "app", Password: "pw"}
	my.SetDefaults()
	require.NoError(t, my.Validate())
	assert.Equal(t, "app:pw@tcp(db:3306)/neuros", my.DSN())

	lite := &DatabaseConfig{Driver: "sqlite3", Database: "neuros.db"}
	lite.SetDefaults()
	require.NoError(t, lite.Validate())
	assert.Equal(t, "sqlite", lite.Dialect())
	assert.Equal(t, "neuros.db?_busy_timeout=10000", lite.DSN())

	assert.Error(t, (&DatabaseConfig{Driver: "postgres", Database: "x"}).Validate())
	assert.Error(t, (&DatabaseConfig{Driver: "oracle", Database: "x"}).Validate())
	assert.Error(t, (&DatabaseConfig{Driver: "sqlite"}).Validate())
	assert.Error(t, (&DatabaseConfig{Driver: "sqlite", Database: "x", MaxConns: 2, MaxIdle: 5}).Validate())
}

func TestRedisConfig(t *testing.T) {
	c := &RedisConfig{}
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, "localhost:6379", c.Addr)

	assert.Error(t, (&RedisConfig{Addr: "x", DB: -1}).Validate())
	assert.Error(t, (&RedisConfig{}).Validate())
}

func TestConfig_ValidateEmptyDatabase(t *testing.T) {
	cfg := Default()
	cfg.Databases["broken"] = nil
	assert.ErrorContains(t, cfg.Validate(), "databases.broken")
}
