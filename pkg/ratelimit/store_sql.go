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
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SQL schema for the rate_limit_counters table.
	// reset_at is stored as unix milliseconds so every dialect compares it the same way.
	createCounterTableSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_counters (
    budget VARCHAR(64) NOT NULL,
    identifier VARCHAR(255) NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,
    reset_at BIGINT NOT NULL,
    PRIMARY KEY (budget, identifier)
)`

	createCounterIndexSQL = `CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_reset_at ON rate_limit_counters(reset_at)`
)

// SQLStore is a SQL-based implementation of Store.
// It supports Postgres, MySQL, and SQLite.
//
// Consume is a sequence of single-row statements, each of which is atomic on its own:
// insert-if-absent, roll when expired, then increment guarded by count < limit.
// The guard is what keeps the ceiling under concurrency.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates a new SQL-based store.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return NewSQLStoreContext(ctx, db, dialect)
}

// NewSQLStoreContext is NewSQLStore with a caller-supplied deadline for schema setup.
func NewSQLStoreContext(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createCounterTableSQL); err != nil {
		return fmt.Errorf("failed to create rate_limit_counters table: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; the primary key covers lookups there.
	if s.dialect != "mysql" {
		if _, err := s.db.ExecContext(ctx, createCounterIndexSQL); err != nil {
			return fmt.Errorf("failed to create rate_limit_counters index: %w", err)
		}
	}

	return nil
}

// Name returns "sql".
func (s *SQLStore) Name() string {
	return "sql"
}

// Consume rolls and increments the counter row for key.
func (s *SQLStore) Consume(ctx context.Context, key CounterKey, limit int64, window time.Duration, now time.Time) (Counter, bool, error) {
	nowMs := now.UnixMilli()
	freshReset := now.Add(window).UnixMilli()

	if _, err := s.db.ExecContext(ctx, s.insertIgnoreQuery(), string(key.Budget), key.Identifier, freshReset); err != nil {
		return Counter{}, false, fmt.Errorf("failed to create counter %s: %w", key, err)
	}

	rollQuery := s.rebind(`UPDATE rate_limit_counters SET count = 0, reset_at = ? WHERE budget = ? AND identifier = ? AND reset_at <= ?`)
	if _, err := s.db.ExecContext(ctx, rollQuery, freshReset, string(key.Budget), key.Identifier, nowMs); err != nil {
		return Counter{}, false, fmt.Errorf("failed to roll counter %s: %w", key, err)
	}

	incrQuery := s.rebind(`UPDATE rate_limit_counters SET count = count + 1 WHERE budget = ? AND identifier = ? AND count < ?`)
	res, err := s.db.ExecContext(ctx, incrQuery, string(key.Budget), key.Identifier, limit)
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to read affected rows for %s: %w", key, err)
	}

	counter, ok, err := s.read(ctx, key)
	if err != nil {
		return Counter{}, false, err
	}
	if !ok {
		// Swept between statements; treat as a fresh window holding this request.
		return Counter{Count: 1, ResetAt: time.UnixMilli(freshReset)}, true, nil
	}
	return counter, affected == 1, nil
}

// Get returns the live counter row for key.
func (s *SQLStore) Get(ctx context.Context, key CounterKey, now time.Time) (Counter, bool, error) {
	counter, ok, err := s.read(ctx, key)
	if err != nil || !ok || counter.Expired(now) {
		return Counter{}, false, err
	}
	return counter, true, nil
}

func (s *SQLStore) read(ctx context.Context, key CounterKey) (Counter, bool, error) {
	query := s.rebind(`SELECT count, reset_at FROM rate_limit_counters WHERE budget = ? AND identifier = ?`)

	var count, resetMs int64
	err := s.db.QueryRowContext(ctx, query, string(key.Budget), key.Identifier).Scan(&count, &resetMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Counter{}, false, nil
	}
	if err != nil {
		return Counter{}, false, fmt.Errorf("failed to query counter %s: %w", key, err)
	}
	return Counter{Count: count, ResetAt: time.UnixMilli(resetMs)}, true, nil
}

// Delete removes the counter row for key.
func (s *SQLStore) Delete(ctx context.Context, key CounterKey) error {
	query := s.rebind(`DELETE FROM rate_limit_counters WHERE budget = ? AND identifier = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(key.Budget), key.Identifier); err != nil {
		return fmt.Errorf("failed to delete counter %s: %w", key, err)
	}
	return nil
}

// DeleteAll removes every counter row.
func (s *SQLStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_counters`); err != nil {
		return fmt.Errorf("failed to delete counters: %w", err)
	}
	return nil
}

// List returns the unexpired counter rows.
func (s *SQLStore) List(ctx context.Context, now time.Time) ([]Entry, error) {
	query := s.rebind(`SELECT budget, identifier, count, reset_at FROM rate_limit_counters WHERE reset_at > ? ORDER BY budget, identifier`)

	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			budget, identifier string
			count, resetMs     int64
		)
		if err := rows.Scan(&budget, &identifier, &count, &resetMs); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		entries = append(entries, Entry{
			Key:     CounterKey{Budget: BudgetName(budget), Identifier: identifier},
			Counter: Counter{Count: count, ResetAt: time.UnixMilli(resetMs)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counters: %w", err)
	}
	return entries, nil
}

// DeleteExpired deletes rows whose window ended at or before the specified time.
func (s *SQLStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query := s.rebind(`DELETE FROM rate_limit_counters WHERE reset_at <= ?`)

	result, err := s.db.ExecContext(ctx, query, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired counters: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return int(rows), nil
}

// Close is a no-op; the database pool owns the connection.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) insertIgnoreQuery() string {
	switch s.dialect {
	case "mysql":
		return `INSERT IGNORE INTO rate_limit_counters (budget, identifier, count, reset_at) VALUES (?, ?, 0, ?)`
	case "postgres":
		return `INSERT INTO rate_limit_counters (budget, identifier, count, reset_at) VALUES ($1, $2, 0, $3) ON CONFLICT DO NOTHING`
	default:
		return `INSERT OR IGNORE INTO rate_limit_counters (budget, identifier, count, reset_at) VALUES (?, ?, 0, ?)`
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
