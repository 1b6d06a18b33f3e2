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

// Package ratelimit provides budget-based admission control for Neuros.
//
// Every budget-controlled operation (card generation, login attempts, ...) belongs to a
// named Budget with a ceiling and a rolling window. A window opens on the first
// admitted request for an (identifier, budget) pair and lasts for the budget's window;
// once it has elapsed the next request opens a fresh one. Rejected attempts never
// count.
//
// # Basic Usage
//
//	registry := ratelimit.DefaultRegistry()
//	controller, err := ratelimit.NewController(registry,
//	    ratelimit.WithStore(store),
//	    ratelimit.WithLogger(logger),
//	)
//
//	decision, err := controller.CheckAndConsume(ctx, userID, ratelimit.BudgetCardGeneration)
//	if denied, ok := ratelimit.AsDenied(err); ok {
//	    // tell the user to come back in denied.RetryAfterSeconds
//	}
//
// # Stores
//
//   - memory: process-local counters, also used as the fallback of every controller
//   - redis: counters shared by every instance, updated by a Lua script
//   - sql: counters shared through Postgres, MySQL or SQLite
//
// When the shared store fails the controller keeps admitting on its in-memory
// fallback and probes the store again after the retry interval. Budgets configured
// with on_store_failure: deny refuse requests instead.
//
// # Configuration
//
//	rate_limiting:
//	  backend: redis
//	  store_timeout: 250ms
//	  budgets:
//	    login-attempt:
//	      max_requests: 5
//	      window: 15m
//	      on_store_failure: deny
package ratelimit
