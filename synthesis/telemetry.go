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
	"context"
	"sync"

	"chorus/platform/common/usage"
	"chorus/platform/shared/logger"
	"chorus/platform/synthesis/engine"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const ctxKeyClientID contextKey = "client_id"

// withClientID stashes the caller's client identity in the request context
// so the telemetry sink can attribute usage rows. The engine itself never
// sees client identity; it is an HTTP-layer concern carried via context.
func withClientID(ctx context.Context, clientID string) context.Context {
	if clientID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyClientID, clientID)
}

func clientIDFrom(ctx context.Context) string {
	clientID, _ := ctx.Value(ctxKeyClientID).(string)
	return clientID
}

// Telemetry fans engine usage events out to Prometheus counters (sync),
// the in-memory service metrics (sync), the PostgreSQL usage recorder
// (async, fire-and-forget) and the structured logger.
//
// The engine invokes sinks synchronously on the request path, so database
// writes are handed to goroutines; Flush drains them before shutdown.
// Costs accrue per call and are folded into the session row when the
// terminal event arrives, because a session may mix models with different
// pricing.
type Telemetry struct {
	recorder *usage.Recorder
	metrics  *ServiceMetrics
	log      *logger.Logger

	mu           sync.Mutex
	sessionCosts map[string]float64

	writes sync.WaitGroup
}

var _ engine.TelemetrySink = (*Telemetry)(nil)

// NewTelemetry creates the fan-out sink. Any dependency may be nil; nil
// recorders and loggers are skipped.
func NewTelemetry(recorder *usage.Recorder, metrics *ServiceMetrics, log *logger.Logger) *Telemetry {
	return &Telemetry{
		recorder:     recorder,
		metrics:      metrics,
		log:          log,
		sessionCosts: make(map[string]float64),
	}
}

// RecordCall implements engine.TelemetrySink.
func (t *Telemetry) RecordCall(ctx context.Context, event engine.CallEvent) {
	latencyMs := event.Latency.Milliseconds()
	promProviderCalls.WithLabelValues(event.Provider, string(event.Outcome)).Inc()

	if t.metrics != nil {
		t.metrics.RecordCall(event.Provider, string(event.Outcome), latencyMs, event.Usage.TotalTokens)
	}

	t.accrueCost(event.SessionID, usage.CalculateCostUSD(event.Model, event.Usage.InputTokens, event.Usage.OutputTokens))

	clientID := clientIDFrom(ctx)
	if t.log != nil && event.Outcome != engine.OutcomeSuccess {
		t.log.Warn(clientID, event.SessionID, "provider call failed", map[string]interface{}{
			"provider": event.Provider,
			"round":    event.Round,
			"outcome":  string(event.Outcome),
			"error":    event.ErrorDetail,
		})
	}

	rec := usage.CallRecord{
		SessionID:   event.SessionID,
		ClientID:    clientID,
		Provider:    event.Provider,
		Model:       event.Model,
		Status:      string(event.Outcome),
		LatencyMs:   latencyMs,
		TokensIn:    event.Usage.InputTokens,
		TokensOut:   event.Usage.OutputTokens,
		ErrorDetail: event.ErrorDetail,
	}

	// Detached context: the request context is usually cancelled before
	// the fire-and-forget write lands.
	t.writes.Add(1)
	go func() {
		defer t.writes.Done()
		t.recorder.RecordCall(context.Background(), rec)
	}()
}

// RecordSession implements engine.TelemetrySink.
func (t *Telemetry) RecordSession(ctx context.Context, event engine.SessionEvent) {
	latencyMs := event.TotalLatency.Milliseconds()

	promSessionsTotal.WithLabelValues(string(event.Outcome)).Inc()
	promSessionDuration.Observe(float64(latencyMs))
	promRoundsPerSession.Observe(float64(event.RoundsExecuted))
	promConvergenceScore.Observe(event.Agreement)

	if t.metrics != nil {
		t.metrics.RecordSession(string(event.Outcome), latencyMs, event.RoundsExecuted)
	}

	clientID := clientIDFrom(ctx)
	if t.log != nil {
		fields := map[string]interface{}{
			"outcome":   string(event.Outcome),
			"converged": event.Converged,
			"agreement": event.Agreement,
			"rounds":    event.RoundsExecuted,
			"providers": event.ProvidersAttempted,
			"tokens":    event.Usage.TotalTokens,
		}
		if event.Outcome == engine.StateFailed {
			fields["error"] = event.ErrorDetail
			t.log.ErrorWithCode(clientID, event.SessionID, "synthesis session failed", 0, nil, fields)
		} else {
			t.log.InfoWithDuration(clientID, event.SessionID, "synthesis session completed", float64(latencyMs), fields)
		}
	}

	rec := usage.SessionRecord{
		SessionID:          event.SessionID,
		ClientID:           clientID,
		FinalProvider:      event.FinalProvider,
		FinalModel:         event.FinalModel,
		Outcome:            string(event.Outcome),
		Converged:          event.Converged,
		RoundsExecuted:     event.RoundsExecuted,
		ProvidersAttempted: event.ProvidersAttempted,
		TotalLatencyMs:     latencyMs,
		TokensIn:           event.Usage.InputTokens,
		TokensOut:          event.Usage.OutputTokens,
		CostUSD:            t.popCost(event.SessionID),
	}

	t.writes.Add(1)
	go func() {
		defer t.writes.Done()
		t.recorder.RecordSession(context.Background(), rec)
	}()
}

// Flush blocks until every in-flight usage write has finished. Called on
// shutdown and by tests; new events arriving during a flush are included.
func (t *Telemetry) Flush() {
	t.writes.Wait()
}

func (t *Telemetry) accrueCost(sessionID string, cost float64) {
	if sessionID == "" || cost == 0 {
		return
	}
	t.mu.Lock()
	t.sessionCosts[sessionID] += cost
	t.mu.Unlock()
}

// popCost removes and returns the accumulated cost for a session. The entry
// is deleted so abandoned sessions cannot leak map entries past their
// terminal event.
func (t *Telemetry) popCost(sessionID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cost := t.sessionCosts[sessionID]
	delete(t.sessionCosts, sessionID)
	return cost
}
