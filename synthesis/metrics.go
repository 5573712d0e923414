// Copyright 2025 Chorus
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

package synthesis

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_synthesizer_sessions_total",
			Help: "Total number of synthesis sessions by terminal outcome",
		},
		[]string{"outcome"},
	)
	promSessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chorus_synthesizer_session_duration_milliseconds",
			Help:    "Session duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
	)
	promProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_synthesizer_provider_calls_total",
			Help: "Total number of provider generation calls",
		},
		[]string{"provider", "status"},
	)
	promRoundsPerSession = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chorus_synthesizer_rounds_per_session",
			Help:    "Number of rounds dispatched per session",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)
	promConvergenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chorus_synthesizer_convergence_score",
			Help:    "Final mean pairwise agreement score per session",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promSessionsTotal)
	prometheus.MustRegister(promSessionDuration)
	prometheus.MustRegister(promProviderCalls)
	prometheus.MustRegister(promRoundsPerSession)
	prometheus.MustRegister(promConvergenceScore)
}

// maxLatencySamples bounds the rolling latency windows.
const maxLatencySamples = 1000

// ServiceMetrics is the in-memory counterpart of the Prometheus metrics,
// serving the legacy JSON /metrics endpoint. One instance is shared by the
// telemetry sink (writer) and the API handler (reader).
type ServiceMetrics struct {
	mu        sync.RWMutex
	startTime time.Time

	totalSessions     int64
	convergedSessions int64
	exhaustedSessions int64
	failedSessions    int64

	sessionLatencies []int64
	roundsTotal      int64

	providerCalls map[string]*ProviderCallMetrics
}

// ProviderCallMetrics tracks per-provider call counters.
type ProviderCallMetrics struct {
	TotalCalls   int64
	SuccessCalls int64
	TimeoutCalls int64
	ErrorCalls   int64
	TotalTokens  int64
	Latencies    []int64
}

// NewServiceMetrics creates an empty metrics accumulator.
func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		startTime:        time.Now(),
		sessionLatencies: make([]int64, 0, maxLatencySamples),
		providerCalls:    make(map[string]*ProviderCallMetrics),
	}
}

// RecordCall folds one provider call into the counters.
func (m *ServiceMetrics) RecordCall(provider, status string, latencyMs int64, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, exists := m.providerCalls[provider]
	if !exists {
		pm = &ProviderCallMetrics{Latencies: make([]int64, 0, maxLatencySamples)}
		m.providerCalls[provider] = pm
	}

	pm.TotalCalls++
	switch status {
	case "success":
		pm.SuccessCalls++
	case "timeout":
		pm.TimeoutCalls++
	default:
		pm.ErrorCalls++
	}
	pm.TotalTokens += int64(tokens)
	pm.Latencies = append(pm.Latencies, latencyMs)
	if len(pm.Latencies) > maxLatencySamples {
		pm.Latencies = pm.Latencies[1:]
	}
}

// RecordSession folds one terminal session into the counters.
func (m *ServiceMetrics) RecordSession(outcome string, latencyMs int64, rounds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSessions++
	switch outcome {
	case "converged":
		m.convergedSessions++
	case "exhausted":
		m.exhaustedSessions++
	default:
		m.failedSessions++
	}
	m.roundsTotal += int64(rounds)

	m.sessionLatencies = append(m.sessionLatencies, latencyMs)
	if len(m.sessionLatencies) > maxLatencySamples {
		m.sessionLatencies = m.sessionLatencies[1:]
	}
}

// Snapshot renders the counters as the legacy JSON metrics document.
func (m *ServiceMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime).Seconds()

	successRate := float64(100.0)
	if m.totalSessions > 0 {
		successRate = float64(m.convergedSessions+m.exhaustedSessions) * 100.0 / float64(m.totalSessions)
	}

	avgRounds := float64(0)
	if m.totalSessions > 0 {
		avgRounds = float64(m.roundsTotal) / float64(m.totalSessions)
	}

	providers := make(map[string]interface{}, len(m.providerCalls))
	for name, pm := range m.providerCalls {
		providers[name] = map[string]interface{}{
			"total_calls":   pm.TotalCalls,
			"success_calls": pm.SuccessCalls,
			"timeout_calls": pm.TimeoutCalls,
			"error_calls":   pm.ErrorCalls,
			"total_tokens":  pm.TotalTokens,
			"p50_ms":        calculatePercentile(pm.Latencies, 0.50),
			"p95_ms":        calculatePercentile(pm.Latencies, 0.95),
			"p99_ms":        calculatePercentile(pm.Latencies, 0.99),
		}
	}

	return map[string]interface{}{
		"synthesizer_metrics": map[string]interface{}{
			"uptime_seconds":     uptime,
			"total_sessions":     m.totalSessions,
			"converged_sessions": m.convergedSessions,
			"exhausted_sessions": m.exhaustedSessions,
			"failed_sessions":    m.failedSessions,
			"success_rate":       successRate,
			"sessions_per_sec":   float64(m.totalSessions) / uptime,
			"avg_rounds":         avgRounds,
			"session_p50_ms":     calculatePercentile(m.sessionLatencies, 0.50),
			"session_p95_ms":     calculatePercentile(m.sessionLatencies, 0.95),
			"session_p99_ms":     calculatePercentile(m.sessionLatencies, 0.99),
		},
		"providers": providers,
		"timestamp": time.Now().UTC(),
	}
}

// calculatePercentile returns the given percentile from a latency window.
func calculatePercentile(timings []int64, percentile float64) float64 {
	if len(timings) == 0 {
		return 0
	}

	sorted := make([]int64, len(timings))
	copy(sorted, timings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return float64(sorted[index])
}
