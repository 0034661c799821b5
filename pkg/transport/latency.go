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

package transport

import (
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
)

// latencyWindow is how long individual samples contribute to the summary.
const latencyWindow = 5 * time.Minute

// Latency summarizes recent request round trips.
type Latency struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
	P95 time.Duration
	P99 time.Duration
}

// newLatencySamples returns a rolling sample store. Samples expire after
// latencyWindow, so the summary always reflects recent behavior instead of
// process lifetime.
func newLatencySamples() *expiremap.ExpireMap[time.Time, time.Duration] {
	return expiremap.NewEx[time.Time, time.Duration](latencyWindow, latencyWindow)
}

// calculateLatency folds the current sample window into a summary.
func calculateLatency(latencies *expiremap.ExpireMap[time.Time, time.Duration]) Latency {
	var minimumDuration time.Duration

	var maximumDuration time.Duration

	var avgNs int64

	var durations []time.Duration

	items := latencies.Length()
	latencies.Range(func(_ time.Time, value time.Duration) bool {
		if minimumDuration == 0 || value < minimumDuration {
			minimumDuration = value
		}

		if value > maximumDuration {
			maximumDuration = value
		}

		avgNs += value.Nanoseconds()
		durations = append(durations, value)

		return true
	})

	var p95, p99 time.Duration

	if items > 0 && len(durations) > 0 {
		avgNs /= int64(items)

		sort.Slice(durations, func(i, j int) bool {
			return durations[i] < durations[j]
		})

		p95Index := int(float64(items) * 0.95)
		p99Index := int(float64(items) * 0.99)

		if p95Index >= len(durations) {
			p95Index = len(durations) - 1
		}

		if p99Index >= len(durations) {
			p99Index = len(durations) - 1
		}

		p95 = durations[p95Index]
		p99 = durations[p99Index]
	}

	return Latency{
		Min: minimumDuration,
		Max: maximumDuration,
		Avg: time.Duration(avgNs),
		P95: p95,
		P99: p99,
	}
}
