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

package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
)

// Recorder persists per-call and per-session usage rows to PostgreSQL.
// A Recorder with a nil database handle records nothing, so callers keep
// the same code path whether or not usage persistence is configured.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a usage recorder with a database connection.
// Passing nil yields a no-op recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// CallRecord represents one provider call within a synthesis session.
type CallRecord struct {
	SessionID   string
	ClientID    string // Optional: empty when the request carried no client identity
	Provider    string
	Model       string
	Status      string // "success", "timeout" or "error"
	LatencyMs   int64
	TokensIn    int
	TokensOut   int
	ErrorDetail string // Optional: empty on success
}

// RecordCall writes one row to generation_calls, deriving the call cost from
// the per-model pricing table. Insert failures are logged, never returned:
// usage persistence must not interfere with serving the session.
func (r *Recorder) RecordCall(ctx context.Context, rec CallRecord) {
	if r == nil || r.db == nil {
		return
	}

	cost := CalculateCostUSD(rec.Model, rec.TokensIn, rec.TokensOut)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO generation_calls (
			session_id, client_id, provider, model, status,
			latency_ms, tokens_in, tokens_out, cost_usd, error_detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.SessionID, nullString(rec.ClientID), rec.Provider, rec.Model,
		rec.Status, rec.LatencyMs, nullInt(rec.TokensIn), nullInt(rec.TokensOut),
		cost, nullString(rec.ErrorDetail))

	if err != nil {
		log.Printf("[USAGE] Failed to record generation call: %v", err)
	}
}

// SessionRecord represents one terminal synthesis session.
type SessionRecord struct {
	SessionID          string
	ClientID           string
	FinalProvider      string // Empty when the session failed outright
	FinalModel         string
	Outcome            string // "converged", "exhausted" or "failed"
	Converged          bool
	RoundsExecuted     int
	ProvidersAttempted []string // Fallback chain in first-attempt order
	TotalLatencyMs     int64
	TokensIn           int
	TokensOut          int
	CostUSD            float64 // Sum of the per-call costs
}

// RecordSession writes one row to synthesis_sessions. The attempted chain is
// stored as JSONB in attempt order. Insert failures are logged, never
// returned.
func (r *Recorder) RecordSession(ctx context.Context, rec SessionRecord) {
	if r == nil || r.db == nil {
		return
	}

	attempted := []byte("[]")
	if len(rec.ProvidersAttempted) > 0 {
		if b, err := json.Marshal(rec.ProvidersAttempted); err == nil {
			attempted = b
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO synthesis_sessions (
			session_id, client_id, final_provider, final_model, outcome,
			converged, rounds_executed, providers_attempted, total_latency_ms,
			tokens_in, tokens_out, cost_usd
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.SessionID, nullString(rec.ClientID), nullString(rec.FinalProvider),
		nullString(rec.FinalModel), rec.Outcome, rec.Converged, rec.RoundsExecuted,
		attempted, rec.TotalLatencyMs, nullInt(rec.TokensIn), nullInt(rec.TokensOut),
		rec.CostUSD)

	if err != nil {
		log.Printf("[USAGE] Failed to record synthesis session: %v", err)
	}
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt converts a zero count to NULL for database insertion
func nullInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
