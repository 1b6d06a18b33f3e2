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
	"time"
)

// Registry is the validated, immutable set of budgets known to a controller.
type Registry struct {
	budgets map[BudgetName]Budget
	order   []BudgetName
}

// NewRegistry validates the budget definitions and builds a Registry.
func NewRegistry(budgets []Budget) (*Registry, error) {
	if len(budgets) == 0 {
		return nil, NewConfigurationError("budgets", "at least one budget is required", nil)
	}

	r := &Registry{
		budgets: make(map[BudgetName]Budget, len(budgets)),
		order:   make([]BudgetName, 0, len(budgets)),
	}

	for i, b := range budgets {
		field := fmt.Sprintf("budgets[%d]", i)
		if b.Name == "" {
			return nil, NewConfigurationError(field+".name", "is required", nil)
		}
		if !b.Name.Known() {
			return nil, NewConfigurationError(field+".name", fmt.Sprintf("unknown budget %q", b.Name), ErrUnknownBudget)
		}
		if _, dup := r.budgets[b.Name]; dup {
			return nil, NewConfigurationError(field+".name", fmt.Sprintf("duplicate budget %q", b.Name), nil)
		}
		if b.MaxRequests < 1 {
			return nil, NewConfigurationError(field+".max_requests", "must be at least 1", nil)
		}
		if b.Window <= 0 {
			return nil, NewConfigurationError(field+".window", "must be positive", nil)
		}
		if b.Window < time.Millisecond {
			return nil, NewConfigurationError(field+".window", "must be at least 1ms", nil)
		}
		policy, err := ParseFailurePolicy(string(b.OnStoreFailure))
		if err != nil {
			return nil, NewConfigurationError(field+".on_store_failure", err.Error(), nil)
		}
		b.OnStoreFailure = policy

		r.budgets[b.Name] = b
		r.order = append(r.order, b.Name)
	}

	return r, nil
}

// DefaultRegistry returns a Registry with the built-in budget table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultBudgets())
	if err != nil {
		panic(fmt.Sprintf("default budgets are invalid: %v", err))
	}
	return r
}

// Lookup returns the budget registered under name.
func (r *Registry) Lookup(name BudgetName) (Budget, error) {
	b, ok := r.budgets[name]
	if !ok {
		return Budget{}, NewConfigurationError("budget", fmt.Sprintf("unknown budget %q", name), ErrUnknownBudget)
	}
	return b, nil
}

// Budgets returns all budgets in registration order.
func (r *Registry) Budgets() []Budget {
	out := make([]Budget, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.budgets[name])
	}
	return out
}

// Len returns the number of registered budgets.
func (r *Registry) Len() int {
	return len(r.order)
}
