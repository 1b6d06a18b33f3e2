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
	"time"
)

// UsageStatus classifies how much of a budget an identifier has used.
type UsageStatus string

const (
	StatusOK        UsageStatus = "ok"
	StatusElevated  UsageStatus = "elevated"
	StatusWarning   UsageStatus = "warning"
	StatusExhausted UsageStatus = "exhausted"
)

// StatusFor maps a usage percentage to a status.
func StatusFor(percentage float64) UsageStatus {
	switch {
	case percentage >= 100:
		return StatusExhausted
	case percentage >= 80:
		return StatusWarning
	case percentage >= 60:
		return StatusElevated
	default:
		return StatusOK
	}
}

// UsageEntry is one tracked identifier within a budget.
type UsageEntry struct {
	Identifier string        `json:"identifier"`
	Count      int64         `json:"count"`
	Remaining  int64         `json:"remaining"`
	Percentage float64       `json:"percentage"`
	ResetAt    time.Time     `json:"reset_at"`
	ResetIn    time.Duration `json:"reset_in"`
	Status     UsageStatus   `json:"status"`
}

// BudgetReport groups the tracked identifiers of one budget.
type BudgetReport struct {
	Name           BudgetName   `json:"name"`
	Limit          int64        `json:"limit"`
	Window         string       `json:"window"`
	Entries        []UsageEntry `json:"entries"`
	Used           int64        `json:"used"`
	Capacity       int64        `json:"capacity"`
	Percentage     float64      `json:"percentage"`
	ExhaustedCount int          `json:"exhausted_count"`
}

// Report is a point-in-time view of every live counter.
type Report struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	InstanceID        string         `json:"instance_id,omitempty"`
	Backend           string         `json:"backend"`
	Degraded          bool           `json:"degraded"`
	Budgets           []BudgetReport `json:"budgets"`
	TotalEntries      int            `json:"total_entries"`
	TotalUsed         int64          `json:"total_used"`
	TotalCapacity     int64          `json:"total_capacity"`
	Percentage        float64        `json:"percentage"`
	OldestWindowStart *time.Time     `json:"oldest_window_start,omitempty"`
	NewestWindowStart *time.Time     `json:"newest_window_start,omitempty"`
}

// EntriesByBudget returns the number of tracked identifiers per budget.
func (r *Report) EntriesByBudget() map[BudgetName]int {
	out := make(map[BudgetName]int, len(r.Budgets))
	for _, b := range r.Budgets {
		out[b.Name] = len(b.Entries)
	}
	return out
}

// Report lists every unexpired counter grouped by budget.
// Read failures of the shared store fall back to the local counters like any other read.
func (c *Controller) Report(ctx context.Context) (*Report, error) {
	now := c.now()

	var (
		entries  []Entry
		degraded = true
	)
	if c.storeUsable(now) {
		err := c.callStore(ctx, "list", func(ctx context.Context) error {
			var err error
			entries, err = c.store.List(ctx, now)
			return err
		})
		degraded = err != nil
	}
	if degraded {
		var err error
		if entries, err = c.fallback.List(ctx, now); err != nil {
			return nil, fmt.Errorf("failed to list counters: %w", err)
		}
	}

	return BuildReport(c.registry, entries, now, ReportMeta{
		InstanceID: c.instanceID,
		Backend:    c.Backend(),
		Degraded:   degraded,
	}), nil
}

// ReportMeta carries the descriptive fields of a Report.
type ReportMeta struct {
	InstanceID string
	Backend    string
	Degraded   bool
}

// BuildReport aggregates entries into a Report. Entries for budgets outside the
// registry and expired entries are skipped.
func BuildReport(registry *Registry, entries []Entry, now time.Time, meta ReportMeta) *Report {
	report := &Report{
		GeneratedAt: now,
		InstanceID:  meta.InstanceID,
		Backend:     meta.Backend,
		Degraded:    meta.Degraded,
	}

	byBudget := make(map[BudgetName][]Entry)
	for _, e := range entries {
		if e.Counter.Expired(now) {
			continue
		}
		byBudget[e.Key.Budget] = append(byBudget[e.Key.Budget], e)
	}

	for _, budget := range registry.Budgets() {
		br := BudgetReport{
			Name:    budget.Name,
			Limit:   budget.MaxRequests,
			Window:  budget.WindowDescription(),
			Entries: []UsageEntry{},
		}

		for _, e := range byBudget[budget.Name] {
			pct := percentage(e.Counter.Count, budget.MaxRequests)
			status := StatusFor(pct)
			br.Entries = append(br.Entries, UsageEntry{
				Identifier: e.Key.Identifier,
				Count:      e.Counter.Count,
				Remaining:  remaining(budget.MaxRequests, e.Counter.Count),
				Percentage: pct,
				ResetAt:    e.Counter.ResetAt,
				ResetIn:    e.Counter.ResetAt.Sub(now),
				Status:     status,
			})
			br.Used += e.Counter.Count
			br.Capacity += budget.MaxRequests
			if status == StatusExhausted {
				br.ExhaustedCount++
			}

			start := e.Counter.ResetAt.Add(-budget.Window)
			if report.OldestWindowStart == nil || start.Before(*report.OldestWindowStart) {
				s := start
				report.OldestWindowStart = &s
			}
			if report.NewestWindowStart == nil || start.After(*report.NewestWindowStart) {
				s := start
				report.NewestWindowStart = &s
			}
		}
		br.Percentage = percentage(br.Used, br.Capacity)

		report.TotalEntries += len(br.Entries)
		report.TotalUsed += br.Used
		report.TotalCapacity += br.Capacity
		report.Budgets = append(report.Budgets, br)
	}

	report.Percentage = percentage(report.TotalUsed, report.TotalCapacity)
	return report
}

func percentage(used, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(used) / float64(capacity) * 100
}
