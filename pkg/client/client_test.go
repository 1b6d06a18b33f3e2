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
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/neuros/pkg/config"
	"github.com/kadirpekel/neuros/pkg/ratelimit"
	"github.com/kadirpekel/neuros/pkg/server"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPI(t *testing.T, adminToken string) *httptest.Server {
	t.Helper()

	controller, err := ratelimit.NewController(ratelimit.DefaultRegistry(),
		ratelimit.WithClock(func() time.Time { return testNow }),
		ratelimit.WithLogger(quietLogger()),
		ratelimit.WithInstanceID("api-1"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = controller.Close() })

	srv := server.NewHTTPServer(config.ServerConfig{AdminToken: adminToken}, controller, server.WithLogger(quietLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(baseURL, append([]Option{WithLogger(quietLogger()), WithBaseDelay(time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestCheckAndConsume_IdentifiersKeptVerbatim(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)
	ctx := context.Background()

	for _, id := range []string{"50%", "a%41", "user/42"} {
		decision, err := c.CheckAndConsume(ctx, id, ratelimit.BudgetCardGeneration)
		require.NoError(t, err, id)
		assert.Equal(t, id, decision.Identifier)

		info, err := c.Peek(ctx, id, ratelimit.BudgetCardGeneration)
		require.NoError(t, err, id)
		assert.Equal(t, int64(9), info.Remaining, id)
	}

	info, err := c.Peek(ctx, "aA", ratelimit.BudgetCardGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Remaining)
}

func TestCheckAndConsume_DeniedAfterLimit(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := c.CheckAndConsume(ctx, "203.0.113.7", ratelimit.BudgetLoginAttempt)
		require.NoError(t, err)
		assert.Equal(t, int64(4-i), decision.Remaining)
	}

	_, err := c.CheckAndConsume(ctx, "203.0.113.7", ratelimit.BudgetLoginAttempt)
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrAdmissionDenied)

	denied, ok := ratelimit.AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.BudgetLoginAttempt, denied.Budget)
	assert.Equal(t, "203.0.113.7", denied.Identifier)
	assert.Equal(t, int64(5), denied.Limit)
	assert.Equal(t, int64(900), denied.RetryAfterSeconds)
	assert.Equal(t, 15*time.Minute, denied.Window)
	assert.True(t, denied.ResetAt.Equal(testNow.Add(15*time.Minute)))
	assert.Equal(t, "Too many login attempts. Please try again later.", denied.Message)
}

func TestCheckAndConsume_Errors(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)
	ctx := context.Background()

	_, err := c.CheckAndConsume(ctx, "user-1", "video-generation")
	assert.ErrorIs(t, err, ratelimit.ErrUnknownBudget)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "unknown_budget", apiErr.Code)

	_, err = c.CheckAndConsumeAll(ctx, "", ratelimit.BudgetGlobalAI)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidIdentifier)
}

func TestCheckAndConsumeAll(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)
	ctx := context.Background()

	decision, err := c.CheckAndConsumeAll(ctx, "user-1", ratelimit.BudgetGlobalAI, ratelimit.BudgetImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.BudgetImageGeneration, decision.Budget)
	assert.Equal(t, int64(4), decision.Remaining)

	for range 4 {
		_, err := c.CheckAndConsume(ctx, "user-1", ratelimit.BudgetImageGeneration)
		require.NoError(t, err)
	}

	_, err = c.CheckAndConsumeAll(ctx, "user-1", ratelimit.BudgetGlobalAI, ratelimit.BudgetImageGeneration)
	denied, ok := ratelimit.AsDenied(err)
	require.True(t, ok)
	assert.Equal(t, ratelimit.BudgetImageGeneration, denied.Budget)
}

func TestPeekResetAndReport(t *testing.T) {
	ts := newAPI(t, "s3cret")
	ctx := context.Background()

	c := newClient(t, ts.URL, WithAdminToken("s3cret"))

	_, err := c.CheckAndConsume(ctx, "user/42", ratelimit.BudgetCardGeneration)
	require.NoError(t, err)

	info, err := c.Peek(ctx, "user/42", ratelimit.BudgetCardGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Remaining)

	report, err := c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, "api-1", report.InstanceID)
	assert.Equal(t, 1, report.TotalEntries)

	require.NoError(t, c.Reset(ctx, "user/42", ratelimit.BudgetCardGeneration))
	info, err = c.Peek(ctx, "user/42", ratelimit.BudgetCardGeneration)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Remaining)

	require.NoError(t, c.ResetAll(ctx))

	anonymous := newClient(t, ts.URL)
	_, err = anonymous.Report(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "memory", health.Backend)
	assert.Equal(t, "api-1", health.InstanceID)
}

func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":"store_unavailable","message":"down"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"budget":"global-ai","limit":50,"remaining":50,"reset_at":"2025-03-01T13:00:00Z"}`)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func TestRetry_IdempotentCalls(t *testing.T) {
	ts, calls := flakyServer(t, 2, http.StatusServiceUnavailable)
	c := newClient(t, ts.URL)

	info, err := c.Peek(context.Background(), "user-1", ratelimit.BudgetGlobalAI)
	require.NoError(t, err)
	assert.Equal(t, int64(50), info.Remaining)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetry_GivesUp(t *testing.T) {
	ts, calls := flakyServer(t, 10, http.StatusServiceUnavailable)
	c := newClient(t, ts.URL, WithMaxRetries(1))

	_, err := c.Peek(context.Background(), "user-1", ratelimit.BudgetGlobalAI)
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetry_AdmissionIsNeverReplayed(t *testing.T) {
	ts, calls := flakyServer(t, 1, http.StatusBadGateway)
	c := newClient(t, ts.URL)

	_, err := c.CheckAndConsume(context.Background(), "user-1", ratelimit.BudgetGlobalAI)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetry_ClientErrorsAreFinal(t *testing.T) {
	ts, calls := flakyServer(t, 5, http.StatusBadRequest)
	c := newClient(t, ts.URL)

	_, err := c.Peek(context.Background(), "user-1", ratelimit.BudgetGlobalAI)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newClient(t, url, WithMaxRetries(1))
	_, err := c.Peek(context.Background(), "user-1", ratelimit.BudgetGlobalAI)
	assert.Error(t, err)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	ts, _ := flakyServer(t, 10, http.StatusServiceUnavailable)
	c := newClient(t, ts.URL, WithBaseDelay(time.Minute), WithMaxRetries(5))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Peek(ctx, "user-1", ratelimit.BudgetGlobalAI)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMiddlewareWithRemoteController(t *testing.T) {
	ts := newAPI(t, "")
	c := newClient(t, ts.URL)

	handler := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Controller: c,
		Budget:     ratelimit.BudgetSignupAttempt,
		Logger:     quietLogger(),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	codes := make([]int, 0, 4)
	for range 4 {
		req := httptest.NewRequest(http.MethodPost, "/signup", nil)
		req.RemoteAddr = "198.51.100.9:4711"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}
