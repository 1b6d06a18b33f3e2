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
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Admitter is the part of Controller the middleware needs.
type Admitter interface {
	CheckAndConsume(ctx context.Context, identifier string, budget BudgetName) (*Decision, error)
}

// IdentifierFunc extracts the rate limit identifier from an HTTP request.
type IdentifierFunc func(r *http.Request) string

// DefaultIdentifierFunc uses the X-User-ID header set by auth middleware, then the
// client IP.
func DefaultIdentifierFunc(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MiddlewareConfig configures the rate limiting middleware.
type MiddlewareConfig struct {
	// Controller admits requests.
	Controller Admitter

	// Budget guards every request passing through the middleware.
	Budget BudgetName

	// IdentifierFunc extracts the identifier from requests.
	// If nil, DefaultIdentifierFunc is used.
	IdentifierFunc IdentifierFunc

	// ExcludedPaths are paths that bypass rate limiting.
	ExcludedPaths []string

	// OnLimited is called when a request is rate limited.
	// If nil, WriteDenied is used.
	OnLimited func(w http.ResponseWriter, r *http.Request, denied *DeniedError)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Middleware creates an HTTP middleware that spends one unit of cfg.Budget per request.
//
// It panics when cfg.Budget is not a known budget, or is missing from the registry of
// a controller that exposes one, so a typo surfaces when routes are built.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Controller == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	if err := checkBudget(cfg.Controller, cfg.Budget); err != nil {
		panic(fmt.Sprintf("ratelimit: invalid middleware budget: %v", err))
	}

	if cfg.IdentifierFunc == nil {
		cfg.IdentifierFunc = DefaultIdentifierFunc
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, _ *http.Request, denied *DeniedError) {
			WriteDenied(w, denied)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	excludedPaths := make(map[string]bool)
	for _, path := range cfg.ExcludedPaths {
		excludedPaths[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excludedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			identifier := cfg.IdentifierFunc(r)
			if identifier == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := cfg.Controller.CheckAndConsume(r.Context(), identifier, cfg.Budget)
			if err != nil {
				if denied, ok := AsDenied(err); ok {
					cfg.OnLimited(w, r, denied)
					return
				}
				cfg.Logger.Error("Rate limit check failed", "error", err, "budget", cfg.Budget)
				next.ServeHTTP(w, r)
				return
			}

			SetRateLimitHeaders(w, decision.Limit, decision.Remaining, decision.ResetAt)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, decision)))
		})
	}
}

// registryProvider is implemented by admitters that know their budget table.
type registryProvider interface {
	Registry() *Registry
}

func checkBudget(admitter Admitter, name BudgetName) error {
	if !name.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownBudget, name)
	}
	if rp, ok := admitter.(registryProvider); ok {
		if _, err := rp.Registry().Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

type decisionKey struct{}

// DecisionFromContext returns the admission decision stored by Middleware.
func DecisionFromContext(ctx context.Context) *Decision {
	if d, ok := ctx.Value(decisionKey{}).(*Decision); ok {
		return d
	}
	return nil
}

// DeniedResponse is the JSON body of a 429 response.
type DeniedResponse struct {
	Error             ErrorBody `json:"error"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
	Budget            string    `json:"budget"`
	Limit             int64     `json:"limit"`
	Window            string    `json:"window"`
	ResetAt           string    `json:"reset_at"`
}

// ErrorBody is the error envelope shared by API responses.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteDenied sends a 429 response with Retry-After and rate limit headers.
func WriteDenied(w http.ResponseWriter, denied *DeniedError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(denied.RetryAfterSeconds, 10))
	SetRateLimitHeaders(w, denied.Limit, 0, denied.ResetAt)
	w.WriteHeader(http.StatusTooManyRequests)

	message := denied.Message
	if message == "" {
		message = denied.Error()
	}

	_ = json.NewEncoder(w).Encode(DeniedResponse{
		Error: ErrorBody{
			Code:    "rate_limit_exceeded",
			Message: message,
		},
		RetryAfterSeconds: denied.RetryAfterSeconds,
		Budget:            string(denied.Budget),
		Limit:             denied.Limit,
		Window:            denied.WindowDescription,
		ResetAt:           denied.ResetAt.UTC().Format(time.RFC3339),
	})
}

// SetRateLimitHeaders adds the standard X-RateLimit-* headers.
func SetRateLimitHeaders(w http.ResponseWriter, limit, remaining int64, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
