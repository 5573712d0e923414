// Copyright 2025 Chorus
// SPDX-License-Identifier: BUSL-1.1
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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// TestNewRecorder tests recorder creation
func TestNewRecorder(t *testing.T) {
	recorder := NewRecorder(nil)
	if recorder == nil {
		t.Fatal("NewRecorder() returned nil")
	}
	if recorder.db != nil {
		t.Error("Expected nil database connection in unit test")
	}
}

// TestNullString tests the nullString helper function
func TestNullString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		isNil bool
	}{
		{"Empty string returns nil", "", true},
		{"Non-empty string returns pointer", "client-42", false},
		{"Whitespace is kept as-is", " ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullString(tt.input)
			if tt.isNil && got != nil {
				t.Errorf("nullString(%q) = %v, want nil", tt.input, *got)
			}
			if !tt.isNil {
				if got == nil {
					t.Fatalf("nullString(%q) = nil, want pointer", tt.input)
				}
				if *got != tt.input {
					t.Errorf("nullString(%q) = %q, want %q", tt.input, *got, tt.input)
				}
			}
		})
	}
}

// TestNullInt tests the nullInt helper function
func TestNullInt(t *testing.T) {
	if got := nullInt(0); got != nil {
		t.Errorf("nullInt(0) = %v, want nil", *got)
	}
	got := nullInt(150)
	if got == nil {
		t.Fatal("nullInt(150) = nil, want pointer")
	}
	if *got != 150 {
		t.Errorf("nullInt(150) = %d, want 150", *got)
	}
}

// TestRecordCall tests the generation_calls insert with sqlmock
func TestRecordCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	rec := CallRecord{
		SessionID: "sess-0f8fad5b",
		ClientID:  "client-42",
		Provider:  "openai",
		Model:     "gpt-4o",
		Status:    "success",
		LatencyMs: 840,
		TokensIn:  150,
		TokensOut: 200,
	}

	// Cost is derived inside RecordCall from the pricing table
	expectedCost := CalculateCostUSD(rec.Model, rec.TokensIn, rec.TokensOut)

	mock.ExpectExec("INSERT INTO generation_calls").
		WithArgs(rec.SessionID, rec.ClientID, rec.Provider, rec.Model, rec.Status,
			rec.LatencyMs, rec.TokensIn, rec.TokensOut, expectedCost, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorder.RecordCall(context.Background(), rec)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordCall_FailedCall tests that failed calls store NULL token counts
// and the error detail
func TestRecordCall_FailedCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	rec := CallRecord{
		SessionID:   "sess-0f8fad5b",
		Provider:    "anthropic",
		Model:       "claude-3-5-sonnet-20241022",
		Status:      "error",
		LatencyMs:   120,
		ErrorDetail: "anthropic: rate limit exceeded (rate_limit)",
	}

	// Zero tokens insert as NULL, empty client ID inserts as NULL
	mock.ExpectExec("INSERT INTO generation_calls").
		WithArgs(rec.SessionID, nil, rec.Provider, rec.Model, rec.Status,
			rec.LatencyMs, nil, nil, float64(0), rec.ErrorDetail).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorder.RecordCall(context.Background(), rec)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordCall_InsertError tests that insert failures are swallowed
func TestRecordCall_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	mock.ExpectExec("INSERT INTO generation_calls").
		WillReturnError(sqlmock.ErrCancelled)

	// Must not panic; the error is logged and dropped
	recorder.RecordCall(context.Background(), CallRecord{
		SessionID: "sess-1",
		Provider:  "openai",
		Model:     "gpt-4o",
		Status:    "success",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordCall_NilDB tests the no-op posture without a database
func TestRecordCall_NilDB(t *testing.T) {
	recorder := NewRecorder(nil)
	recorder.RecordCall(context.Background(), CallRecord{SessionID: "sess-1"})

	var nilRecorder *Recorder
	nilRecorder.RecordCall(context.Background(), CallRecord{SessionID: "sess-1"})
}

// TestRecordSession tests the synthesis_sessions insert with sqlmock
func TestRecordSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	rec := SessionRecord{
		SessionID:          "sess-7c9e6679",
		ClientID:           "client-42",
		FinalProvider:      "anthropic",
		FinalModel:         "claude-3-5-sonnet-20241022",
		Outcome:            "converged",
		Converged:          true,
		RoundsExecuted:     2,
		ProvidersAttempted: []string{"openai", "anthropic"},
		TotalLatencyMs:     3200,
		TokensIn:           300,
		TokensOut:          450,
		CostUSD:            0.00765,
	}

	mock.ExpectExec("INSERT INTO synthesis_sessions").
		WithArgs(rec.SessionID, rec.ClientID, rec.FinalProvider, rec.FinalModel,
			rec.Outcome, rec.Converged, rec.RoundsExecuted,
			[]byte(`["openai","anthropic"]`), rec.TotalLatencyMs,
			rec.TokensIn, rec.TokensOut, rec.CostUSD).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorder.RecordSession(context.Background(), rec)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordSession_FailedSession tests that failed sessions store NULL for
// the final provider and model and an empty attempted chain
func TestRecordSession_FailedSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	rec := SessionRecord{
		SessionID:      "sess-failed",
		Outcome:        "failed",
		TotalLatencyMs: 95,
	}

	mock.ExpectExec("INSERT INTO synthesis_sessions").
		WithArgs(rec.SessionID, nil, nil, nil, rec.Outcome, false, 0,
			[]byte(`[]`), rec.TotalLatencyMs, nil, nil, float64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	recorder.RecordSession(context.Background(), rec)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordSession_InsertError tests that insert failures are swallowed
func TestRecordSession_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	recorder := NewRecorder(db)

	mock.ExpectExec("INSERT INTO synthesis_sessions").
		WillReturnError(sqlmock.ErrCancelled)

	recorder.RecordSession(context.Background(), SessionRecord{
		SessionID: "sess-1",
		Outcome:   "converged",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

// TestRecordSession_NilDB tests the no-op posture without a database
func TestRecordSession_NilDB(t *testing.T) {
	recorder := NewRecorder(nil)
	recorder.RecordSession(context.Background(), SessionRecord{SessionID: "sess-1"})

	var nilRecorder *Recorder
	nilRecorder.RecordSession(context.Background(), SessionRecord{SessionID: "sess-1"})
}
