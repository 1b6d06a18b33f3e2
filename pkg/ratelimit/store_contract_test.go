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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract exercises the behaviour every Store must share.
// now must be millisecond aligned because shared stores keep millisecond precision.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	key := CounterKey{Budget: BudgetLoginAttempt, Identifier: "user-42"}

	t.Run("consume up to limit", func(t *testing.T) {
		s := newStore(t)

		for i := int64(1); i <= 3; i++ {
			c, ok, err := s.Consume(ctx, key, 3, time.Minute, now)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, i, c.Count)
			assert.WithinDuration(t, now.Add(time.Minute), c.ResetAt, 0)
		}

		c, ok, err := s.Consume(ctx, key, 3, time.Minute, now.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(3), c.Count)
		assert.WithinDuration(t, now.Add(time.Minute), c.ResetAt, 0)
	})

	t.Run("rolls at reset time", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.Consume(ctx, key, 1, time.Minute, now)
		require.NoError(t, err)
		_, ok, err := s.Consume(ctx, key, 1, time.Minute, now.Add(59*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		later := now.Add(time.Minute)
		c, ok, err := s.Consume(ctx, key, 1, time.Minute, later)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), c.Count)
		assert.WithinDuration(t, later.Add(time.Minute), c.ResetAt, 0)
	})

	t.Run("get does not consume", func(t *testing.T) {
		s := newStore(t)

		_, found, err := s.Get(ctx, key, now)
		require.NoError(t, err)
		assert.False(t, found)

		_, _, err = s.Consume(ctx, key, 5, time.Minute, now)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			c, found, err := s.Get(ctx, key, now)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, int64(1), c.Count)
		}

		_, found, err = s.Get(ctx, key, now.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("delete and delete all", func(t *testing.T) {
		s := newStore(t)
		other := CounterKey{Budget: BudgetSignupAttempt, Identifier: "user-42"}

		require.NoError(t, s.Delete(ctx, key))

		_, _, err := s.Consume(ctx, key, 5, time.Minute, now)
		require.NoError(t, err)
		_, _, err = s.Consume(ctx, other, 5, time.Minute, now)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, key))
		_, found, err := s.Get(ctx, key, now)
		require.NoError(t, err)
		assert.False(t, found)
		_, found, err = s.Get(ctx, other, now)
		require.NoError(t, err)
		assert.True(t, found)

		require.NoError(t, s.DeleteAll(ctx))
		entries, err := s.List(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("list skips expired counters", func(t *testing.T) {
		s := newStore(t)

		_, _, err := s.Consume(ctx, CounterKey{Budget: BudgetCardGeneration, Identifier: "a"}, 5, time.Minute, now)
		require.NoError(t, err)
		_, _, err = s.Consume(ctx, CounterKey{Budget: BudgetGlobalAI, Identifier: "a"}, 5, time.Hour, now)
		require.NoError(t, err)
		_, _, err = s.Consume(ctx, CounterKey{Budget: BudgetGlobalAI, Identifier: "b:with:colons"}, 5, time.Hour, now)
		require.NoError(t, err)

		entries, err := s.List(ctx, now)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		entries, err = s.List(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, BudgetGlobalAI, entries[0].Key.Budget)
		assert.Equal(t, "a", entries[0].Key.Identifier)
		assert.Equal(t, "b:with:colons", entries[1].Key.Identifier)
	})

	t.Run("concurrent consume respects limit", func(t *testing.T) {
		s := newStore(t)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Consume(ctx, key, 20, time.Minute, now)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 20, admitted)
	})
}
