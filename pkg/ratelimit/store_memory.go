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
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and serves both single-instance deployments and the degraded-mode
// fallback. Counters are process-scoped: N instances each enforce their own ceiling.
type MemoryStore struct {
	data map[CounterKey]*Counter
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[CounterKey]*Counter),
	}
}

// Name returns "memory".
func (s *MemoryStore) Name() string {
	return "memory"
}

// Consume rolls and increments the counter under the store lock.
func (s *MemoryStore) Consume(ctx context.Context, key CounterKey, limit int64, window time.Duration, now time.Time) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.data[key]
	if !exists {
		record = &Counter{ResetAt: now.Add(window)}
		s.data[key] = record
	} else if record.Expired(now) {
		record.Count = 0
		record.ResetAt = now.Add(window)
	}

	if record.Count >= limit {
		return *record, false, nil
	}

	record.Count++
	return *record, true, nil
}

// Get returns the live counter for key.
func (s *MemoryStore) Get(ctx context.Context, key CounterKey, now time.Time) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.data[key]
	if !exists || record.Expired(now) {
		return Counter{}, false, nil
	}
	return *record, true, nil
}

// Delete removes the counter for key.
func (s *MemoryStore) Delete(ctx context.Context, key CounterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// DeleteAll clears every counter.
func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[CounterKey]*Counter)
	return nil
}

// List returns the unexpired counters sorted by key.
func (s *MemoryStore) List(ctx context.Context, now time.Time) ([]Entry, error) {
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.data))
	for key, record := range s.data {
		if record.Expired(now) {
			continue
		}
		entries = append(entries, Entry{Key: key, Counter: *record})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries, nil
}

// DeleteExpired deletes expired counter records.
func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.data {
		if !before.Before(record.ResetAt) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[CounterKey]*Counter)
	return nil
}

// Size returns the number of records in the store, expired ones included.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
