// Copyright 2025 UMH Systems GmbH
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

// Package metrics exposes prometheus instrumentation for cache
// operations. Registration happens against the default registry; hosts
// scrape it through their own handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "umh"
	subsystem = "gqlcache"
)

// Result labels for query serving.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Phase labels for mutation passes.
const (
	PhaseOptimistic    = "optimistic"
	PhaseAuthoritative = "authoritative"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Query calls by serving result (hit = cached response returned, miss = response recomputed from the store)",
		},
		[]string{"result"},
	)

	pendingJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_joins_total",
			Help:      "Callers that joined an already in-flight server request instead of issuing their own",
		},
	)

	transportRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_requests_total",
			Help:      "Requests handed to a transport",
		},
	)

	transportErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Transport requests that failed",
		},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutations_total",
			Help:      "Mutation handler passes by phase",
		},
		[]string{"phase"},
	)

	subscriptionPatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscription_patches_total",
			Help:      "Subscription patches applied by operation",
		},
		[]string{"op"},
	)

	queryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_duration_seconds",
			Help:      "Wall time of the synchronous part of Query calls",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)
)

// ObserveQuery records one Query call.
func ObserveQuery(result string, duration time.Duration) {
	queriesTotal.WithLabelValues(result).Inc()
	queryDuration.Observe(duration.Seconds())
}

// IncPendingJoin records a caller joining an in-flight request.
func IncPendingJoin() {
	pendingJoinsTotal.Inc()
}

// IncTransportRequest records a request handed to a transport.
func IncTransportRequest() {
	transportRequestsTotal.Inc()
}

// IncTransportError records a failed transport request.
func IncTransportError() {
	transportErrorsTotal.Inc()
}

// IncMutation records one mutation handler pass.
func IncMutation(phase string) {
	mutationsTotal.WithLabelValues(phase).Inc()
}

// IncSubscriptionPatch records one applied subscription patch.
func IncSubscriptionPatch(op string) {
	subscriptionPatchesTotal.WithLabelValues(op).Inc()
}
