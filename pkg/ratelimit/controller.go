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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for controller tuning.
const (
	DefaultStoreTimeout  = 250 * time.Millisecond
	DefaultRetryInterval = 5 * time.Second
	DefaultSweepInterval = 5 * time.Minute
)

const tracerName = "github.com/kadirpekel/neuros/pkg/ratelimit"

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithStore sets the durable counter store. Without one the controller runs on its
// in-memory fallback only.
func WithStore(store Store) ControllerOption {
	return func(c *Controller) {
		c.store = store
	}
}

// WithFallback replaces the in-memory fallback store.
func WithFallback(fallback *MemoryStore) ControllerOption {
	return func(c *Controller) {
		if fallback != nil {
			c.fallback = fallback
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStoreTimeout bounds every call to the durable store.
func WithStoreTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// WithRetryInterval sets how long a failed store is bypassed before it is probed again.
func WithRetryInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) ControllerOption {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithInstanceID tags logs and reports with the identity of this process.
func WithInstanceID(id string) ControllerOption {
	return func(c *Controller) {
		c.instanceID = id
	}
}

// Controller enforces budgets for (identifier, budget) pairs.
//
// Counters live in the durable store when one is configured and reachable; otherwise
// in a process-local MemoryStore. While degraded every instance enforces its own
// ceiling, so N instances admit up to MaxRequests × N per window.
type Controller struct {
	registry      *Registry
	store         Store
	fallback      *MemoryStore
	now           func() time.Time
	storeTimeout  time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	instanceID    string
	health        *storeHealth
}

// NewController creates a controller over registry.
func NewController(registry *Registry, opts ...ControllerOption) (*Controller, error) {
	if registry == nil {
		return nil, fmt.Errorf("budget registry is required")
	}

	c := &Controller{
		registry:      registry,
		fallback:      NewMemoryStore(),
		now:           time.Now,
		storeTimeout:  DefaultStoreTimeout,
		retryInterval: DefaultRetryInterval,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.instanceID != "" {
		c.logger = c.logger.With("instance_id", c.instanceID)
	}

	if c.store == nil {
		c.logger.Warn("No shared counter store configured, budgets are enforced per process",
			"effective_limit", "max_requests × instance_count")
		return c, nil
	}

	c.health = newStoreHealth(c.store.Name(), c.retryInterval, c.logger)
	return c, nil
}

// Registry returns the budget registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Backend returns the name of the store counters are meant to live in.
func (c *Controller) Backend() string {
	if c.store == nil {
		return c.fallback.Name()
	}
	return c.store.Name()
}

// InstanceID returns the configured instance identity.
func (c *Controller) InstanceID() string {
	return c.instanceID
}

// Degraded reports whether decisions are currently taken without the shared store.
func (c *Controller) Degraded() bool {
	return c.store == nil || c.health.isDegraded()
}

// CheckAndConsume admits one request for identifier under the named budget.
//
// It returns a *DeniedError (matching ErrAdmissionDenied) when the budget is exhausted
// and a *ConfigurationError (matching ErrUnknownBudget) for a budget outside the
// registry. Store failures are never returned; they switch the controller to its
// in-memory fallback.
func (c *Controller) CheckAndConsume(ctx context.Context, identifier string, name BudgetName) (*Decision, error) {
	budget, err := c.resolve(identifier, name)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "ratelimit.CheckAndConsume", trace.WithAttributes(
		attribute.String("ratelimit.budget", string(name)),
	))
	defer span.End()

	decision, err := c.consume(ctx, budget, identifier)
	if err != nil {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", false))
		span.SetStatus(codes.Error, "admission denied")
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", true),
		attribute.Int64("ratelimit.remaining", decision.Remaining),
		attribute.Bool("ratelimit.degraded", decision.Degraded),
	)
	return decision, nil
}

func (c *Controller) consume(ctx context.Context, budget Budget, identifier string) (*Decision, error) {
	key := CounterKey{Budget: budget.Name, Identifier: identifier}
	now := c.now()

	var (
		counter  Counter
		allowed  bool
		degraded = true
	)

	if c.storeUsable(now) {
		err := c.callStore(ctx, "consume", func(ctx context.Context) error {
			var err error
			counter, allowed, err = c.store.Consume(ctx, key, budget.MaxRequests, budget.Window, now)
			return err
		})
		degraded = err != nil
	}

	if degraded {
		if c.store != nil && budget.OnStoreFailure == FailDeny {
			return nil, c.failClosed(ctx, budget, identifier, now)
		}
		counter, allowed, _ = c.fallback.Consume(ctx, key, budget.MaxRequests, budget.Window, now)
	}

	if !allowed {
		denied := &DeniedError{
			Budget:            budget.Name,
			Identifier:        identifier,
			Limit:             budget.MaxRequests,
			Window:            budget.Window,
			WindowDescription: budget.WindowDescription(),
			RetryAfterSeconds: retryAfterSeconds(counter.ResetAt, now),
			ResetAt:           counter.ResetAt,
			Message:           budget.Message,
			Degraded:          degraded,
		}
		c.metrics.RecordDecision(ctx, string(budget.Name), OutcomeDenied, degraded)
		c.logger.Warn("Request throttled",
			"identifier", identifier,
			"budget", budget.Name,
			"count", counter.Count,
			"limit", budget.MaxRequests,
			"retry_after_seconds", denied.RetryAfterSeconds,
			"degraded", degraded)
		return nil, denied
	}

	c.metrics.RecordDecision(ctx, string(budget.Name), OutcomeAllowed, degraded)
	return &Decision{
		Budget:     budget.Name,
		Identifier: identifier,
		Allowed:    true,
		Limit:      budget.MaxRequests,
		Remaining:  remaining(budget.MaxRequests, counter.Count),
		ResetAt:    counter.ResetAt,
		Degraded:   degraded,
	}, nil
}

// failClosed builds the denial for budgets that refuse to run on local counters.
func (c *Controller) failClosed(ctx context.Context, budget Budget, identifier string, now time.Time) error {
	retryAt := c.health.nextRetry()
	if retryAt.Before(now) {
		retryAt = now.Add(c.retryInterval)
	}

	denied := &DeniedError{
		Budget:            budget.Name,
		Identifier:        identifier,
		Limit:             budget.MaxRequests,
		Window:            budget.Window,
		WindowDescription: budget.WindowDescription(),
		RetryAfterSeconds: retryAfterSeconds(retryAt, now),
		ResetAt:           retryAt,
		Message:           budget.Message,
		Degraded:          true,
	}
	c.metrics.RecordDecision(ctx, string(budget.Name), OutcomeDenied, true)
	c.logger.Warn("Request refused while counter store is unavailable",
		"identifier", identifier,
		"budget", budget.Name,
		"policy", budget.OnStoreFailure,
		"retry_after_seconds", denied.RetryAfterSeconds)
	return denied
}

// CheckAndConsumeAll consumes each budget in order and stops at the first denial.
//
// Budgets admitted before the denial keep their consumption. Every name is resolved
// before anything is consumed, so an unknown budget consumes nothing. The returned
// decision is the one with the fewest remaining requests.
func (c *Controller) CheckAndConsumeAll(ctx context.Context, identifier string, names ...BudgetName) (*Decision, error) {
	if len(names) == 0 {
		return nil, NewConfigurationError("budgets", "at least one budget is required", nil)
	}

	budgets := make([]Budget, 0, len(names))
	for _, name := range names {
		budget, err := c.resolve(identifier, name)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, budget)
	}

	var tightest *Decision
	for _, budget := range budgets {
		decision, err := c.CheckAndConsume(ctx, identifier, budget.Name)
		if err != nil {
			return nil, err
		}
		if tightest == nil || decision.Remaining < tightest.Remaining {
			tightest = decision
		}
	}
	return tightest, nil
}

// Peek reports the state of a budget without consuming it.
// An expired window reads as a fresh one.
func (c *Controller) Peek(ctx context.Context, identifier string, name BudgetName) (*Info, error) {
	budget, err := c.resolve(identifier, name)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "ratelimit.Peek", trace.WithAttributes(
		attribute.String("ratelimit.budget", string(name)),
	))
	defer span.End()

	key := CounterKey{Budget: name, Identifier: identifier}
	now := c.now()

	var (
		counter  Counter
		found    bool
		degraded = true
	)

	if c.storeUsable(now) {
		err := c.callStore(ctx, "get", func(ctx context.Context) error {
			var err error
			counter, found, err = c.store.Get(ctx, key, now)
			return err
		})
		degraded = err != nil
	}
	if degraded {
		counter, found, _ = c.fallback.Get(ctx, key, now)
	}

	info := &Info{
		Budget:    name,
		Limit:     budget.MaxRequests,
		Remaining: budget.MaxRequests,
		ResetAt:   now.Add(budget.Window),
		Degraded:  degraded,
	}
	if found {
		info.Remaining = remaining(budget.MaxRequests, counter.Count)
		info.ResetAt = counter.ResetAt
	}
	span.SetAttributes(attribute.Int64("ratelimit.remaining", info.Remaining))
	return info, nil
}

// Reset removes the counter for identifier under the named budget from every store.
// Resetting a pair that was never used succeeds. A store failure is returned so that
// operators know the shared counter survived.
func (c *Controller) Reset(ctx context.Context, identifier string, name BudgetName) error {
	if _, err := c.resolve(identifier, name); err != nil {
		return err
	}

	ctx, span := c.tracer.Start(ctx, "ratelimit.Reset", trace.WithAttributes(
		attribute.String("ratelimit.budget", string(name)),
	))
	defer span.End()

	key := CounterKey{Budget: name, Identifier: identifier}
	errs := []error{c.fallback.Delete(ctx, key)}
	if c.store != nil {
		errs = append(errs, c.callStore(ctx, "delete", func(ctx context.Context) error {
			return c.store.Delete(ctx, key)
		}))
	}

	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to reset %s: %w", key, err)
	}

	c.logger.Info("Budget reset", "identifier", identifier, "budget", name)
	return nil
}

// ResetAll clears every counter in every store.
func (c *Controller) ResetAll(ctx context.Context) error {
	errs := []error{c.fallback.DeleteAll(ctx)}
	if c.store != nil {
		errs = append(errs, c.callStore(ctx, "delete_all", c.store.DeleteAll))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to reset all counters: %w", err)
	}

	c.logger.Warn("All budgets reset")
	return nil
}

// Close closes the durable store and clears the fallback.
func (c *Controller) Close() error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	errs = append(errs, c.fallback.Close())
	return errors.Join(errs...)
}

func (c *Controller) resolve(identifier string, name BudgetName) (Budget, error) {
	budget, err := c.registry.Lookup(name)
	if err != nil {
		return Budget{}, err
	}
	if identifier == "" {
		return Budget{}, fmt.Errorf("%w: identifier cannot be empty", ErrInvalidIdentifier)
	}
	return budget, nil
}

func (c *Controller) storeUsable(now time.Time) bool {
	return c.store != nil && c.health.usable(now)
}

// callStore runs fn against the durable store under the store timeout. The caller's
// cancellation is detached so that a mutation is never abandoned half way.
func (c *Controller) callStore(ctx context.Context, op string, fn func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storeTimeout)
	defer cancel()

	backend := c.store.Name()
	start := time.Now()
	err := fn(storeCtx)
	c.metrics.RecordStoreLatency(ctx, backend, op, time.Since(start))

	if err != nil {
		c.metrics.RecordStoreError(ctx, backend)
		c.health.markFailure(c.now(), err)
		return &storeError{backend: backend, err: err}
	}
	c.health.markSuccess(c.now())
	return nil
}

func remaining(limit, count int64) int64 {
	if count >= limit {
		return 0
	}
	return limit - count
}
