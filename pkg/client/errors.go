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

package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

// APIError is a non-2xx response from the admission API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps API error codes onto the ratelimit sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "unknown_budget":
		return ratelimit.ErrUnknownBudget
	case "invalid_identifier":
		return ratelimit.ErrInvalidIdentifier
	case "rate_limit_exceeded":
		return ratelimit.ErrAdmissionDenied
	case "store_unavailable":
		return ratelimit.ErrStoreUnavailable
	default:
		return nil
	}
}

func newAPIError(status int, data []byte) *APIError {
	e := &APIError{StatusCode: status, Body: data, Message: http.StatusText(status)}

	var body struct {
		Error ratelimit.ErrorBody `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error.Code != "" {
		e.Code = body.Error.Code
		e.Message = body.Error.Message
	}
	return e
}
