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

// Package client calls a remote neuros admission API.
//
// A Client satisfies ratelimit.Admitter, so ratelimit.Middleware can guard handlers
// in services that share one neuros deployment instead of a counter store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kadirpekel/neuros/pkg/ratelimit"
)

const maxResponseSize = 4 << 20

// Health mirrors the /health response.
type Health struct {
	Status     string `json:"status"`
	Backend    string `json:"backend"`
	Degraded   bool   `json:"degraded"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Client is an HTTP client for the admission API.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	adminToken string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithAdminToken sends token on operator calls (Reset, ResetAll, Report).
func WithAdminToken(token string) Option {
	return func(c *Client) {
		c.adminToken = token
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: host is required", baseURL)
	}

	c := &Client{
		baseURL:    u,
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 2,
		baseDelay:  200 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckAndConsume admits one request. A throttled request returns *ratelimit.DeniedError.
func (c *Client) CheckAndConsume(ctx context.Context, identifier string, budget ratelimit.BudgetName) (*ratelimit.Decision, error) {
	var decision ratelimit.Decision
	if err := c.call(ctx, http.MethodPost, admissionPath(budget, identifier), nil, false, &decision); err != nil {
		return nil, c.denied(err, budget, identifier)
	}
	return &decision, nil
}

// CheckAndConsumeAll consumes each budget in order and stops at the first denial.
func (c *Client) CheckAndConsumeAll(ctx context.Context, identifier string, budgets ...ratelimit.BudgetName) (*ratelimit.Decision, error) {
	names := make([]string, 0, len(budgets))
	for _, b := range budgets {
		names = append(names, string(b))
	}
	body := map[string]any{"identifier": identifier, "budgets": names}

	var decision ratelimit.Decision
	if err := c.call(ctx, http.MethodPost, "/v1/admission", body, false, &decision); err != nil {
		return nil, c.denied(err, "", identifier)
	}
	return &decision, nil
}

func (c *Client) Peek(ctx context.Context, identifier string, budget ratelimit.BudgetName) (*ratelimit.Info, error) {
	var info ratelimit.Info
	if err := c.call(ctx, http.MethodGet, admissionPath(budget, identifier), nil, false, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Reset(ctx context.Context, identifier string, budget ratelimit.BudgetName) error {
	return c.call(ctx, http.MethodDelete, admissionPath(budget, identifier), nil, true, nil)
}

func (c *Client) ResetAll(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/admin/reset", nil, true, nil)
}

func (c *Client) Report(ctx context.Context) (*ratelimit.Report, error) {
	var report ratelimit.Report
	if err := c.call(ctx, http.MethodGet, "/v1/admin/report", nil, true, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.call(ctx, http.MethodGet, "/health", nil, false, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func admissionPath(budget ratelimit.BudgetName, identifier string) string {
	return "/v1/admission/" + url.PathEscape(string(budget)) + "/" + url.PathEscape(identifier)
}

// call sends one request and decodes a 2xx body into out.
// Only idempotent methods are retried; a replayed admission would consume twice.
func (c *Client) call(ctx context.Context, method, path string, body any, admin bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	retryable := method == http.MethodGet || method == http.MethodDelete
	target := c.baseURL.String() + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if admin && c.adminToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.adminToken)
		}

		status, header, data, err := c.roundTrip(req)
		if err == nil && status >= 200 && status < 300 {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}
		if err == nil {
			err = newAPIError(status, data)
		}

		if !retryable || attempt >= c.maxRetries || !shouldRetry(ctx, status, err) {
			return err
		}

		delay := c.delay(attempt, header)
		c.logger.Debug("Retrying admission API call",
			"method", method, "path", path, "status", status, "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) roundTrip(req *http.Request) (int, http.Header, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, resp.Header, data, nil
}

func shouldRetry(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch status {
	case 0:
		return err != nil
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// delay honours Retry-After, otherwise backs off exponentially from baseDelay.
func (c *Client) delay(attempt int, header http.Header) time.Duration {
	if header != nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// denied turns a 429 into the *ratelimit.DeniedError a local controller would return.
func (c *Client) denied(err error, budget ratelimit.BudgetName, identifier string) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		return err
	}

	var body ratelimit.DeniedResponse
	if jsonErr := json.Unmarshal(apiErr.Body, &body); jsonErr != nil {
		return err
	}

	if body.Budget != "" {
		budget = ratelimit.BudgetName(body.Budget)
	}
	d := &ratelimit.DeniedError{
		Budget:            budget,
		Identifier:        identifier,
		Limit:             body.Limit,
		WindowDescription: body.Window,
		RetryAfterSeconds: body.RetryAfterSeconds,
		Message:           body.Error.Message,
	}
	if window, err := time.ParseDuration(body.Window); err == nil {
		d.Window = window
	}
	if resetAt, err := time.Parse(time.RFC3339, body.ResetAt); err == nil {
		d.ResetAt = resetAt
	}
	return d
}

var _ ratelimit.Admitter = (*Client)(nil)
