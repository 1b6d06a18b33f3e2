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

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

// BatchRequest is the body of POST /v1/admission.
type BatchRequest struct {
	Identifier string   `json:"identifier"`
	Budgets    []string `json:"budgets"`
}

// BudgetView is the JSON form of a configured budget.
type BudgetView struct {
	Name           ratelimit.BudgetName    `json:"name"`
	MaxRequests    int64                   `json:"max_requests"`
	Window         string                  `json:"window"`
	WindowSeconds  int64                   `json:"window_seconds"`
	Message        string                  `json:"message,omitempty"`
	OnStoreFailure ratelimit.FailurePolicy `json:"on_store_failure"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Backend    string `json:"backend"`
	Degraded   bool   `json:"degraded"`
	InstanceID string `json:"instance_id,omitempty"`
}

type errorResponse struct {
	Error ratelimit.ErrorBody `json:"error"`
}

func (s *HTTPServer) handleAdmit(w http.ResponseWriter, r *http.Request) {
	budget, identifier, ok := pathParams(w, r)
	if !ok {
		return
	}

	decision, err := s.controller.CheckAndConsume(r.Context(), identifier, budget)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	ratelimit.SetRateLimitHeaders(w, decision.Limit, decision.Remaining, decision.ResetAt)
	writeJSON(w, http.StatusOK, decision)
}

func (s *HTTPServer) handleAdmitAll(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with identifier and budgets")
		return
	}

	names := make([]ratelimit.BudgetName, 0, len(req.Budgets))
	for _, b := range req.Budgets {
		names = append(names, ratelimit.BudgetName(b))
	}

	decision, err := s.controller.CheckAndConsumeAll(r.Context(), req.Identifier, names...)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	ratelimit.SetRateLimitHeaders(w, decision.Limit, decision.Remaining, decision.ResetAt)
	writeJSON(w, http.StatusOK, decision)
}

func (s *HTTPServer) handlePeek(w http.ResponseWriter, r *http.Request) {
	budget, identifier, ok := pathParams(w, r)
	if !ok {
		return
	}

	info, err := s.controller.Peek(r.Context(), identifier, budget)
	if err != nil {
		s.writeControllerError(w, err)
		return
	}

	ratelimit.SetRateLimitHeaders(w, info.Limit, info.Remaining, info.ResetAt)
	writeJSON(w, http.StatusOK, info)
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	budget, identifier, ok := pathParams(w, r)
	if !ok {
		return
	}

	if err := s.controller.Reset(r.Context(), identifier, budget); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleResetAll(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetAll(r.Context()); err != nil {
		s.writeControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.controller.Report(r.Context())
	if err != nil {
		s.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleBudgets(w http.ResponseWriter, _ *http.Request) {
	budgets := s.controller.Registry().Budgets()
	views := make([]BudgetView, 0, len(budgets))
	for _, b := range budgets {
		policy := b.OnStoreFailure
		if policy == "" {
			policy = ratelimit.FailLocal
		}
		views = append(views, BudgetView{
			Name:           b.Name,
			MaxRequests:    b.MaxRequests,
			Window:         b.WindowDescription(),
			WindowSeconds:  int64(b.Window / time.Second),
			Message:        b.Message,
			OnStoreFailure: policy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": views})
}

// handleHealth always answers 200; a degraded controller still admits requests.
func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	degraded := s.controller.Degraded()
	status := "ok"
	if degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Backend:    s.controller.Backend(),
		Degraded:   degraded,
		InstanceID: s.controller.InstanceID(),
	})
}

// pathParams reads {budget} and {identifier}. Identifiers may be percent-encoded.
func pathParams(w http.ResponseWriter, r *http.Request) (ratelimit.BudgetName, string, bool) {
	budget := ratelimit.BudgetName(chi.URLParam(r, "budget"))

	identifier := chi.URLParam(r, "identifier")

	// chi matches against RawPath when the request carries one, otherwise against
	// the already decoded Path. Decode only in the first case.
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(identifier)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_identifier", "identifier is not valid path encoding")
			return "", "", false
		}
		identifier = decoded
	}
	return budget, identifier, true
}

func (s *HTTPServer) writeControllerError(w http.ResponseWriter, err error) {
	if denied, ok := ratelimit.AsDenied(err); ok {
		ratelimit.WriteDenied(w, denied)
		return
	}

	switch {
	case errors.Is(err, ratelimit.ErrUnknownBudget):
		writeError(w, http.StatusNotFound, "unknown_budget", err.Error())
	case errors.Is(err, ratelimit.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid_identifier", err.Error())
	case ratelimit.IsConfigurationError(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("Admission request failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: ratelimit.ErrorBody{Code: code, Message: message}})
}
