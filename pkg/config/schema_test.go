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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema(t *testing.T) {
	schema := Schema()
	assert.Equal(t, SchemaID, string(schema.ID))

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"logger", "server", "observability", "databases", "redis", "rate_limiting"} {
		assert.Contains(t, props, key)
	}

	rl := props["rate_limiting"].(map[string]any)["properties"].(map[string]any)
	timeout := rl["store_timeout"].(map[string]any)
	assert.Equal(t, "string", timeout["type"])
}

func TestLoadDotEnvForConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NEUROS_DOTENV_TEST=from-file\n"), 0o644))

	t.Setenv("NEUROS_DOTENV_TEST", "")
	os.Unsetenv("NEUROS_DOTENV_TEST")

	require.NoError(t, LoadDotEnvForConfig(filepath.Join(dir, "neuros.yaml")))
	assert.Equal(t, "from-file", os.Getenv("NEUROS_DOTENV_TEST"))
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("NEUROS_DOTENV_KEEP=from-file\n"), 0o644))

	t.Setenv("NEUROS_DOTENV_KEEP", "from-env")
	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("NEUROS_DOTENV_KEEP"))
}
