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

const (
	DefaultServiceName  = "neuros"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"

	MetricDecisions     = "neuros_admission_decisions_total"
	MetricStoreErrors   = "neuros_admission_store_errors_total"
	MetricStoreDuration = "neuros_admission_store_duration_seconds"
	MetricDegraded      = "neuros_admission_degraded"
	MetricHTTPRequests  = "neuros_http_requests_total"
	MetricHTTPDuration  = "neuros_http_request_duration_seconds"

	AttrBudget    = "budget"
	AttrOutcome   = "outcome"
	AttrDegraded  = "degraded"
	AttrBackend   = "backend"
	AttrOperation = "operation"
	AttrMethod    = "method"
	AttrRoute     = "route"
	AttrStatus    = "status"
)
