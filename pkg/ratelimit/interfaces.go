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
	"time"
)

// Store is the persistence layer for counter records.
//
// Implementations must be thread-safe and support concurrent access, and must only
// touch keys inside the rl: namespace.
type Store interface {
	// Name identifies the backend for logs and metrics ("memory", "redis", "sql").
	Name() string

	// Consume atomically rolls the window if it expired and increments the counter
	// when it is below limit. A rejected call leaves the counter untouched.
	// Returns the counter after the operation and whether the increment happened.
	Consume(ctx context.Context, key CounterKey, limit int64, window time.Duration, now time.Time) (Counter, bool, error)

	// Get returns the counter for key. The boolean is false when no live record exists.
	Get(ctx context.Context, key CounterKey, now time.Time) (Counter, bool, error)

	// Delete removes the counter for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key CounterKey) error

	// DeleteAll removes every counter in the namespace.
	DeleteAll(ctx context.Context) error

	// List returns all unexpired counters.
	List(ctx context.Context, now time.Time) ([]Entry, error)

	// DeleteExpired deletes records whose window ended before the specified time.
	// Returns the number of records removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	// Close closes the store and releases resources.
	Close() error
}

// Metrics receives controller events. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordDecision(ctx context.Context, budget string, outcome string, degraded bool)
	RecordStoreError(ctx context.Context, backend string)
	RecordStoreLatency(ctx context.Context, backend, op string, d time.Duration)
}

// Decision outcomes reported to Metrics.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

type noopMetrics struct{}

func (noopMetrics) RecordDecision(context.Context, string, string, bool) {}
func (noopMetrics) RecordStoreError(context.Context, string) {}
func (noopMetrics) RecordStoreLatency(context.Context, string, string, time.Duration) {}

// Ensure interface compliance at compile time.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*SQLStore)(nil)
)
