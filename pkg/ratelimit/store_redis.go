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
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript rolls and increments a counter hash in one atomic step.
// KEYS[1] = counter key; ARGV = limit, now (ms), reset_at for a fresh window (ms).
// Timestamps travel as strings so they are never reformatted as floats.
// Returns {allowed, count, reset_at_ms}.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local count = tonumber(redis.call('HGET', key, 'count') or '0')
local reset = redis.call('HGET', key, 'reset_at')

if (not reset) or tonumber(reset) <= now then
  count = 0
  reset = ARGV[3]
end

if count >= limit then
  return {0, count, reset}
end

count = count + 1
redis.call('HSET', key, 'count', tostring(count), 'reset_at', reset)
redis.call('PEXPIREAT', key, reset)
return {1, count, reset}
`)

const scanBatch = 200

// RedisStore keeps counters in Redis hashes under rl:<budget>:<identifier>.
// It is the shared store for multi-instance deployments.
type RedisStore struct {
	client redis.UniversalClient
	owned  bool
}

// RedisOptions configures NewRedisStoreFromOptions.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller keeps ownership of the client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromOptions creates a client and pings it.
// The returned store owns the client and closes it on Close. A failed ping still
// returns the store together with the error so callers can start degraded and let the
// controller retry later.
func NewRedisStoreFromOptions(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	store := &RedisStore{client: client, owned: true}

	if err := client.Ping(ctx).Err(); err != nil {
		return store, fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	return store, nil
}

// Name returns "redis".
func (s *RedisStore) Name() string {
	return "redis"
}

// Consume runs the consume script for key.
func (s *RedisStore) Consume(ctx context.Context, key CounterKey, limit int64, window time.Duration, now time.Time) (Counter, bool, error) {
	resetAt := now.Add(window)
	raw, err := consumeScript.Run(ctx, s.client, []string{key.String()},
		limit, strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(resetAt.UnixMilli(), 10)).Slice()
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to consume %s: %w", key, err)
	}
	if len(raw) != 3 {
		return Counter{}, false, fmt.Errorf("unexpected consume reply for %s: %v", key, raw)
	}

	var res [3]int64
	for i, v := range raw {
		n, err := replyInt(v)
		if err != nil {
			return Counter{}, false, fmt.Errorf("unexpected consume reply for %s: %w", key, err)
		}
		res[i] = n
	}

	return Counter{Count: res[1], ResetAt: time.UnixMilli(res[2])}, res[0] == 1, nil
}

// Get reads the counter hash for key.
func (s *RedisStore) Get(ctx context.Context, key CounterKey, now time.Time) (Counter, bool, error) {
	vals, err := s.client.HMGet(ctx, key.String(), "count", "reset_at").Result()
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	counter, ok, err := parseCounterHash(vals)
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if !ok || counter.Expired(now) {
		return Counter{}, false, nil
	}
	return counter, true, nil
}

// Delete removes the counter for key.
func (s *RedisStore) Delete(ctx context.Context, key CounterKey) error {
	if err := s.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every key matching rl:*.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	batch := make([]string, 0, scanBatch)
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete counters: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan counters: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete counters: %w", err)
		}
	}
	return nil
}

// List scans the namespace and returns the unexpired counters.
func (s *RedisStore) List(ctx context.Context, now time.Time) ([]Entry, error) {
	var entries []Entry

	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()
		key, ok := ParseCounterKey(raw)
		if !ok {
			continue
		}
		vals, err := s.client.HMGet(ctx, raw, "count", "reset_at").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", raw, err)
		}
		counter, ok, err := parseCounterHash(vals)
		if err != nil || !ok || counter.Expired(now) {
			// Expired between SCAN and HMGET, or written by something else.
			continue
		}
		entries = append(entries, Entry{Key: key, Counter: counter})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan counters: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries, nil
}

// DeleteExpired is a no-op: Redis expires counters at their reset time.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func parseCounterHash(vals []interface{}) (Counter, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Counter{}, false, nil
	}
	countStr, ok1 := vals[0].(string)
	resetStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Counter{}, false, fmt.Errorf("unexpected field types %T, %T", vals[0], vals[1])
	}
	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		return Counter{}, false, err
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return Counter{}, false, err
	}
	return Counter{Count: count, ResetAt: time.UnixMilli(reset)}, true, nil
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
