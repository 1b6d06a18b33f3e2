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
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	// ErrAdmissionDenied is returned when a budget is exhausted.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrUnknownBudget is returned for a budget name outside the registry.
	ErrUnknownBudget = errors.New("unknown budget")

	// ErrInvalidIdentifier is returned when an identifier is empty.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrStoreUnavailable is returned by stores that cannot reach their backend.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DeniedError carries everything a caller needs to tell a throttled user when to retry.
type DeniedError struct {
	Budget            BudgetName
	Identifier        string
	Limit             int64
	Window            time.Duration
	WindowDescription string
	RetryAfterSeconds int64
	ResetAt           time.Time
	Message           string

	// Degraded is set when the decision was taken without the durable store.
	Degraded bool
}

// Error returns the error message.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%d per %s). Try again in %d seconds.",
		e.Budget, e.Limit, e.WindowDescription, e.RetryAfterSeconds)
}

// Unwrap returns the underlying error.
func (e *DeniedError) Unwrap() error {
	return ErrAdmissionDenied
}

// RetryAfter returns the wait as a duration.
func (e *DeniedError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

// IsDenied checks if an error is an admission denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrAdmissionDenied)
}

// AsDenied extracts the DeniedError from err.
func AsDenied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ConfigurationError reports an invalid registry or an unknown budget.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

// Error returns the configuration error message.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string, err error) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsConfigurationError checks if an error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// storeError marks a failure of the durable store so that it can be told apart from
// fallback errors.
type storeError struct {
	backend string
	err     error
}

func (e *storeError) Error() string {
	return fmt.Sprintf("%s store: %v", e.backend, e.err)
}

func (e *storeError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}
