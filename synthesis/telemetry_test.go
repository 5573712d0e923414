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
	"io"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"chorus/platform/common/usage"
	"chorus/platform/shared/logger"
	"chorus/platform/synthesis/engine"
)

// quietLogger returns a structured logger that discards its output.
func quietLogger() *logger.Logger {
	l := logger.New("synthesizer-test")
	l.SetOutput(io.Discard)
	return l
}

func TestClientIDContext(t *testing.T) {
	ctx := withClientID(context.Background(), "client-7")
	if got := clientIDFrom(ctx); got != "client-7" {
		t.Errorf("clientIDFrom = %q, want %q", got, "client-7")
	}

	if got := clientIDFrom(context.Background()); got != "" {
		t.Errorf("clientIDFrom on bare context = %q, want empty", got)
	}

	ctx = withClientID(context.Background(), "")
	if got := clientIDFrom(ctx); got != "" {
		t.Errorf("empty client ID must not be stored, got %q", got)
	}
}

func TestTelemetryRecordCall(t *testing.T) {
	metrics := NewServiceMetrics()
	tel := NewTelemetry(nil, metrics, quietLogger())

	tel.RecordCall(context.Background(), engine.CallEvent{
		SessionID: "s1",
		Round:     1,
		Provider:  "openai",
		Model:     "gpt-4o",
		Outcome:   engine.OutcomeSuccess,
		Latency:   120 * time.Millisecond,
		Usage:     engine.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
	})
	tel.RecordCall(context.Background(), engine.CallEvent{
		SessionID:   "s1",
		Round:       1,
		Provider:    "openai",
		Outcome:     engine.OutcomeTimeout,
		Latency:     30 * time.Second,
		ErrorDetail: "deadline exceeded",
	})
	tel.Flush()

	snap := metrics.Snapshot()
	providers, ok := snap["providers"].(map[string]interface{})
	if !ok {
		t.Fatal("snapshot has no providers section")
	}
	stats, ok := providers["openai"].(map[string]interface{})
	if !ok {
		t.Fatal("no openai entry in provider metrics")
	}

	if got := stats["total_calls"].(int64); got != 2 {
		t.Errorf("total_calls = %d, want 2", got)
	}
	if got := stats["success_calls"].(int64); got != 1 {
		t.Errorf("success_calls = %d, want 1", got)
	}
	if got := stats["timeout_calls"].(int64); got != 1 {
		t.Errorf("timeout_calls = %d, want 1", got)
	}
	if got := stats["total_tokens"].(int64); got != 150 {
		t.Errorf("total_tokens = %d, want 150", got)
	}
}

func TestTelemetryRecordSession(t *testing.T) {
	metrics := NewServiceMetrics()
	tel := NewTelemetry(nil, metrics, quietLogger())

	tel.RecordSession(context.Background(), engine.SessionEvent{
		SessionID:          "s1",
		Outcome:            engine.StateConverged,
		Converged:          true,
		Agreement:          0.92,
		FinalProvider:      "openai",
		FinalModel:         "gpt-4o",
		RoundsExecuted:     2,
		ProvidersAttempted: []string{"openai", "anthropic"},
		TotalLatency:       800 * time.Millisecond,
		Usage:              engine.TokenUsage{InputTokens: 200, OutputTokens: 100, TotalTokens: 300},
	})
	tel.RecordSession(context.Background(), engine.SessionEvent{
		SessionID:      "s2",
		Outcome:        engine.StateFailed,
		RoundsExecuted: 1,
		TotalLatency:   100 * time.Millisecond,
		ErrorDetail:    "all providers failed",
	})
	tel.Flush()

	snap := metrics.Snapshot()
	stats, ok := snap["synthesizer_metrics"].(map[string]interface{})
	if !ok {
		t.Fatal("snapshot has no synthesizer_metrics section")
	}

	if got := stats["total_sessions"].(int64); got != 2 {
		t.Errorf("total_sessions = %d, want 2", got)
	}
	if got := stats["converged_sessions"].(int64); got != 1 {
		t.Errorf("converged_sessions = %d, want 1", got)
	}
	if got := stats["failed_sessions"].(int64); got != 1 {
		t.Errorf("failed_sessions = %d, want 1", got)
	}
	if got := stats["success_rate"].(float64); got != 50.0 {
		t.Errorf("success_rate = %f, want 50.0", got)
	}
	if got := stats["avg_rounds"].(float64); got != 1.5 {
		t.Errorf("avg_rounds = %f, want 1.5", got)
	}
}

// TestTelemetryCostAccrual checks that per-call costs are summed into the
// session row: two gpt-4o calls on one session must yield a session insert
// carrying twice the single-call cost.
func TestTelemetryCostAccrual(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	// Usage writes land from goroutines, so their order is not deterministic.
	mock.MatchExpectationsInOrder(false)

	wantCost := usage.CalculateCostUSD("gpt-4o", 1000, 500) * 2

	mock.ExpectExec("INSERT INTO generation_calls").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO generation_calls").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO synthesis_sessions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), wantCost).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tel := NewTelemetry(usage.NewRecorder(db), NewServiceMetrics(), quietLogger())

	event := engine.CallEvent{
		SessionID: "s1",
		Round:     1,
		Provider:  "openai",
		Model:     "gpt-4o",
		Outcome:   engine.OutcomeSuccess,
		Latency:   100 * time.Millisecond,
		Usage:     engine.TokenUsage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500},
	}
	tel.RecordCall(context.Background(), event)
	event.Round = 2
	tel.RecordCall(context.Background(), event)

	tel.RecordSession(context.Background(), engine.SessionEvent{
		SessionID:          "s1",
		Outcome:            engine.StateConverged,
		Converged:          true,
		FinalProvider:      "openai",
		FinalModel:         "gpt-4o",
		RoundsExecuted:     2,
		ProvidersAttempted: []string{"openai"},
		TotalLatency:       900 * time.Millisecond,
		Usage:              engine.TokenUsage{InputTokens: 2000, OutputTokens: 1000, TotalTokens: 3000},
	})
	tel.Flush()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestPopCostClearsEntry(t *testing.T) {
	tel := NewTelemetry(nil, nil, nil)

	tel.accrueCost("s1", 0.01)
	tel.accrueCost("s1", 0.02)

	if got := tel.popCost("s1"); math.Abs(got-0.03) > 1e-12 {
		t.Errorf("popCost = %f, want 0.03", got)
	}
	if got := tel.popCost("s1"); got != 0 {
		t.Errorf("second pop = %f, want 0 (entry cleared)", got)
	}
}

// TestTelemetryNilDependencies ensures the sink tolerates running with no
// recorder, metrics or logger wired.
func TestTelemetryNilDependencies(t *testing.T) {
	tel := NewTelemetry(nil, nil, nil)

	tel.RecordCall(context.Background(), engine.CallEvent{
		SessionID: "s1",
		Provider:  "openai",
		Outcome:   engine.OutcomeError,
		Latency:   time.Millisecond,
	})
	tel.RecordSession(context.Background(), engine.SessionEvent{
		SessionID: "s1",
		Outcome:   engine.StateFailed,
	})
	tel.Flush()
}
