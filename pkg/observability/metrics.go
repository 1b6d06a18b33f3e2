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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var latencyBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics records admission and HTTP metrics through OpenTelemetry and exposes them
// in Prometheus format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	decisions     metric.Int64Counter
	storeErrors   metric.Int64Counter
	storeDuration metric.Float64Histogram
	httpRequests  metric.Int64Counter
	httpDuration  metric.Float64Histogram

	degraded atomic.Pointer[func() bool]
}

// InitMetrics creates the meter provider and instruments. It returns nil when metrics
// are disabled.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := provider.Meter(DefaultServiceName)

	m := &Metrics{
		registry: registry,
		provider: provider,
	}

	if m.decisions, err = meter.Int64Counter(MetricDecisions,
		metric.WithDescription("Admission decisions by budget and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	if m.storeErrors, err = meter.Int64Counter(MetricStoreErrors,
		metric.WithDescription("Failed calls to the shared counter store"),
	); err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	if m.storeDuration, err = meter.Float64Histogram(MetricStoreDuration,
		metric.WithDescription("Counter store call duration in seconds"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create store duration histogram: %w", err)
	}

	if m.httpRequests, err = meter.Int64Counter(MetricHTTPRequests,
		metric.WithDescription("HTTP requests by route and status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(MetricHTTPDuration,
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	if _, err = meter.Int64ObservableGauge(MetricDegraded,
		metric.WithDescription("1 while admission decisions are taken without the shared store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var v int64
			if fn := m.degraded.Load(); fn != nil && (*fn)() {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("failed to create degraded gauge: %w", err)
	}

	return m, nil
}

// ObserveDegraded sets the source of the degraded gauge.
func (m *Metrics) ObserveDegraded(fn func() bool) {
	if m == nil || fn == nil {
		return
	}
	m.degraded.Store(&fn)
}

// RecordDecision counts one admission decision.
func (m *Metrics) RecordDecision(ctx context.Context, budget, outcome string, degraded bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrBudget, budget),
		attribute.String(AttrOutcome, outcome),
		attribute.Bool(AttrDegraded, degraded),
	))
}

// RecordStoreError counts one failed store call.
func (m *Metrics) RecordStoreError(ctx context.Context, backend string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrBackend, backend)))
}

// RecordStoreLatency records the duration of one store call.
func (m *Metrics) RecordStoreLatency(ctx context.Context, backend, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String(AttrBackend, backend),
		attribute.String(AttrOperation, op),
	))
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrMethod, method),
		attribute.String(AttrRoute, route),
		attribute.String(AttrStatus, strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
}

// Handler serves the collected metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
