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
	"fmt"
	"math"
	"strings"
	"time"
)

// KeyPrefix is the namespace owned by the controller in shared counter stores.
const KeyPrefix = "rl:"

// BudgetName identifies a class of budget-controlled operation.
type BudgetName string

const (
	BudgetCardGeneration   BudgetName = "card-generation"
	BudgetImageGeneration  BudgetName = "image-generation"
	BudgetGlobalAI         BudgetName = "global-ai"
	BudgetReviewSubmission BudgetName = "review-submission"
	BudgetLoginAttempt     BudgetName = "login-attempt"
	BudgetSignupAttempt    BudgetName = "signup-attempt"
	BudgetPasswordReset    BudgetName = "password-reset"
)

// AllBudgetNames lists every known budget in registry order.
var AllBudgetNames = []BudgetName{
	BudgetCardGeneration,
	BudgetImageGeneration,
	BudgetGlobalAI,
	BudgetReviewSubmission,
	BudgetLoginAttempt,
	BudgetSignupAttempt,
	BudgetPasswordReset,
}

// Known reports whether the name belongs to the closed set of budgets.
func (n BudgetName) Known() bool {
	for _, known := range AllBudgetNames {
		if n == known {
			return true
		}
	}
	return false
}

// ParseBudgetName converts a string into a known BudgetName.
func ParseBudgetName(s string) (BudgetName, error) {
	name := BudgetName(strings.TrimSpace(strings.ToLower(s)))
	if !name.Known() {
		return "", NewConfigurationError("budget", fmt.Sprintf("unknown budget %q", s), ErrUnknownBudget)
	}
	return name, nil
}

// FailurePolicy controls admission while the durable store is unavailable.
type FailurePolicy string

const (
	// FailLocal enforces the budget with the process-local fallback counters.
	FailLocal FailurePolicy = "local"
	// FailDeny rejects every request for the budget until the store recovers.
	FailDeny FailurePolicy = "deny"
)

// ParseFailurePolicy converts config string to FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailLocal:
		return FailLocal, nil
	case FailDeny:
		return FailDeny, nil
	default:
		return "", fmt.Errorf("invalid failure policy %q, must be 'local' or 'deny'", s)
	}
}

// Budget is an immutable ceiling over a rolling window for one operation class.
type Budget struct {
	Name           BudgetName    `json:"name"`
	MaxRequests    int64         `json:"max_requests"`
	Window         time.Duration `json:"window"`
	Message        string        `json:"message,omitempty"`
	OnStoreFailure FailurePolicy `json:"on_store_failure,omitempty"`
}

// WindowDescription renders the window the way budgets are configured ("1m", "15m", "1h").
func (b Budget) WindowDescription() string {
	return DescribeWindow(b.Window)
}

// DescribeWindow formats a duration using its largest whole unit.
func DescribeWindow(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}

// DefaultBudgets returns the built-in budget table.
func DefaultBudgets() []Budget {
	return []Budget{
		{
			Name:        BudgetCardGeneration,
			MaxRequests: 10,
			Window:      time.Minute,
			Message:     "Card generation rate limit exceeded. Please wait before generating more cards.",
		},
		{
			Name:        BudgetImageGeneration,
			MaxRequests: 5,
			Window:      time.Minute,
			Message:     "Image generation rate limit exceeded. Please wait before generating more images.",
		},
		{
			Name:        BudgetGlobalAI,
			MaxRequests: 50,
			Window:      time.Hour,
			Message:     "AI service rate limit exceeded. Please wait before making more AI requests.",
		},
		{
			Name:        BudgetReviewSubmission,
			MaxRequests: 100,
			Window:      time.Minute,
			Message:     "Too many review submissions. Please slow down.",
		},
		{
			Name:        BudgetLoginAttempt,
			MaxRequests: 5,
			Window:      15 * time.Minute,
			Message:     "Too many login attempts. Please try again later.",
		},
		{
			Name:        BudgetSignupAttempt,
			MaxRequests: 3,
			Window:      time.Hour,
			Message:     "Too many signup attempts. Please try again later.",
		},
		{
			Name:        BudgetPasswordReset,
			MaxRequests: 3,
			Window:      time.Hour,
			Message:     "Too many password reset requests. Please try again later.",
		},
	}
}

// CounterKey addresses one counter record.
type CounterKey struct {
	Budget     BudgetName
	Identifier string
}

// String returns the store key, rl:<budget>:<identifier>.
func (k CounterKey) String() string {
	return KeyPrefix + string(k.Budget) + ":" + k.Identifier
}

// ParseCounterKey is the inverse of CounterKey.String.
// Budget names never contain ':' so everything after the second separator is the identifier.
func ParseCounterKey(s string) (CounterKey, bool) {
	rest, ok := strings.CutPrefix(s, KeyPrefix)
	if !ok {
		return CounterKey{}, false
	}
	budget, identifier, ok := strings.Cut(rest, ":")
	if !ok || budget == "" || identifier == "" {
		return CounterKey{}, false
	}
	return CounterKey{Budget: BudgetName(budget), Identifier: identifier}, true
}

// Counter is the mutable state of a counter record.
type Counter struct {
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether the window has rolled over at now.
func (c Counter) Expired(now time.Time) bool {
	return !now.Before(c.ResetAt)
}

// Entry is a counter record together with its key, as returned by Store.List.
type Entry struct {
	Key     CounterKey
	Counter Counter
}

// Decision is the outcome of a successful admission.
type Decision struct {
	Budget     BudgetName `json:"budget"`
	Identifier string     `json:"identifier"`
	Allowed    bool       `json:"allowed"`
	Limit      int64      `json:"limit"`
	Remaining  int64      `json:"remaining"`
	ResetAt    time.Time  `json:"reset_at"`
	Degraded   bool       `json:"degraded,omitempty"`
}

// Info is the non-consuming view of a budget for one identifier.
type Info struct {
	Budget    BudgetName `json:"budget"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	ResetAt   time.Time  `json:"reset_at"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// retryAfterSeconds rounds the time left until resetAt up to whole seconds, never below one.
func retryAfterSeconds(resetAt, now time.Time) int64 {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
