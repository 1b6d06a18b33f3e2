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
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the generated configuration schema.
const SchemaID = "https://github.com/kadirpekel/neuros/schemas/config.json"

// Schema reflects the JSON Schema of Config, used by editors to validate neuros.yaml.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		// Durations are written as Go duration strings ("250ms", "15m").
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
			}
			return nil
		},
	}

	schema := reflector.Reflect(&Config{})
	schema.ID = SchemaID
	schema.Title = "Neuros Configuration Schema"
	schema.Description = "Configuration of the neuros admission controller"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{
		map[string]any{
			"server": map[string]any{
				"port":        8080,
				"admin_token": "${NEUROS_ADMIN_TOKEN}",
			},
			"redis": map[string]any{
				"addr": "localhost:6379",
			},
			"rate_limiting": map[string]any{
				"backend": "redis",
				"budgets": map[string]any{
					"login-attempt": map[string]any{
						"max_requests":     5,
						"window":           "15m",
						"on_store_failure": "deny",
					},
				},
			},
		},
	}
	return schema
}
