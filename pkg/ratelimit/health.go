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
	"log/slog"
	"sync"
	"time"
)

// storeHealth tracks whether the durable store is usable.
//
// After a failure the store is skipped until retryAt; the first call past that point
// probes it again. Transitions are logged once each way so that an outage produces
// two log lines rather than one per request.
type storeHealth struct {
	backend       string
	retryInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	degraded bool
	since    time.Time
	retryAt  time.Time
	lastErr  error
}

func newStoreHealth(backend string, retryInterval time.Duration, logger *slog.Logger) *storeHealth {
	return &storeHealth{
		backend:       backend,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// usable reports whether the store should be tried at now.
func (h *storeHealth) usable(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.degraded || !now.Before(h.retryAt)
}

func (h *storeHealth) markFailure(now time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.retryAt = now.Add(h.retryInterval)
	h.lastErr = err
	if h.degraded {
		return
	}

	h.degraded = true
	h.since = now
	h.logger.Warn("Counter store unavailable, enforcing budgets with in-memory fallback",
		"backend", h.backend,
		"error", err,
		"retry_in", h.retryInterval)
}

func (h *storeHealth) markSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.degraded {
		return
	}

	h.logger.Info("Counter store recovered",
		"backend", h.backend,
		"degraded_for", now.Sub(h.since).Round(time.Millisecond))
	h.degraded = false
	h.lastErr = nil
	h.since = time.Time{}
	h.retryAt = time.Time{}
}

func (h *storeHealth) isDegraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *storeHealth) nextRetry() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retryAt
}

func (h *storeHealth) lastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}
