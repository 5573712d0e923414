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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var errAllProvidersDown = errors.New("all providers failed")

func newBufferedLogger(component string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(component)
	l.SetOutput(&buf)
	return l, &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, buf.String())
	}
	return entry
}

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "synthesizer",
			instanceID:     "instance-123",
			expectedComp:   "synthesizer",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "synthesizer",
			instanceID:     "",
			expectedComp:   "synthesizer",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				os.Setenv("INSTANCE_ID", tt.instanceID)
				defer os.Unsetenv("INSTANCE_ID")
			} else {
				os.Unsetenv("INSTANCE_ID")
			}

			logger := New(tt.component)

			if logger.Component != tt.expectedComp {
				t.Errorf("Component = %s, want %s", logger.Component, tt.expectedComp)
			}
			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("InstanceID = %s, want %s", logger.InstanceID, tt.expectedInstID)
			}
			if logger.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(*Logger, string, string, string, map[string]interface{})
		level     LogLevel
		message   string
		clientID  string
		requestID string
		fields    map[string]interface{}
	}{
		{
			name:      "Info log",
			logFunc:   (*Logger).Info,
			level:     INFO,
			message:   "Synthesis session started",
			clientID:  "client-123",
			requestID: "req-456",
			fields:    map[string]interface{}{"providers": "openai,anthropic"},
		},
		{
			name:      "Error log",
			logFunc:   (*Logger).Error,
			level:     ERROR,
			message:   "Session failed",
			clientID:  "client-789",
			requestID: "req-012",
			fields:    map[string]interface{}{"attempted": 2},
		},
		{
			name:      "Warn log",
			logFunc:   (*Logger).Warn,
			level:     WARN,
			message:   "Provider degraded",
			clientID:  "client-abc",
			requestID: "req-def",
			fields:    nil,
		},
		{
			name:      "Debug log",
			logFunc:   (*Logger).Debug,
			level:     DEBUG,
			message:   "Round dispatched",
			clientID:  "client-xyz",
			requestID: "req-uvw",
			fields:    map[string]interface{}{"round": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferedLogger("synthesizer")
			tt.logFunc(logger, tt.clientID, tt.requestID, tt.message, tt.fields)

			entry := decodeEntry(t, buf)

			if entry.Level != tt.level {
				t.Errorf("Level = %s, want %s", entry.Level, tt.level)
			}
			if entry.Message != tt.message {
				t.Errorf("Message = %q, want %q", entry.Message, tt.message)
			}
			if entry.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", entry.ClientID, tt.clientID)
			}
			if entry.RequestID != tt.requestID {
				t.Errorf("RequestID = %q, want %q", entry.RequestID, tt.requestID)
			}
			if entry.Component != "synthesizer" {
				t.Errorf("Component = %q, want synthesizer", entry.Component)
			}

			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}

			for key, expected := range tt.fields {
				actual, ok := entry.Fields[key]
				if !ok {
					t.Errorf("Expected field %q not found", key)
					continue
				}
				// JSON unmarshals numbers as float64
				if n, isInt := expected.(int); isInt {
					if f, isFloat := actual.(float64); !isFloat || int(f) != n {
						t.Errorf("Field %q = %v, want %v", key, actual, expected)
					}
					continue
				}
				if actual != expected {
					t.Errorf("Field %q = %v, want %v", key, actual, expected)
				}
			}
		})
	}
}

// TestLog_OmitsEmptyRequestID tests that empty request IDs are dropped from
// the JSON rather than logged as empty strings.
func TestLog_OmitsEmptyRequestID(t *testing.T) {
	logger, buf := newBufferedLogger("synthesizer")
	logger.Info("client-123", "", "no request context", nil)

	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("Expected request_id to be omitted, got: %s", buf.String())
	}
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	logger, buf := newBufferedLogger("synthesizer")
	logger.InfoWithDuration("client-123", "req-456", "Session completed", 123.45, map[string]interface{}{
		"rounds": "2",
	})

	entry := decodeEntry(t, buf)

	duration, ok := entry.Fields["duration_ms"]
	if !ok {
		t.Fatal("Expected duration_ms field not found")
	}
	if duration != 123.45 {
		t.Errorf("duration_ms = %v, want 123.45", duration)
	}
	if entry.Fields["rounds"] != "2" {
		t.Errorf("rounds = %v, want 2", entry.Fields["rounds"])
	}
}

// TestErrorWithCode tests the ErrorWithCode helper method
func TestErrorWithCode(t *testing.T) {
	logger, buf := newBufferedLogger("synthesizer")
	logger.ErrorWithCode("client-123", "req-456", "Session failed", 502,
		errAllProvidersDown, map[string]interface{}{"attempted": 2})

	entry := decodeEntry(t, buf)

	if entry.Level != ERROR {
		t.Errorf("Level = %s, want ERROR", entry.Level)
	}
	if code, ok := entry.Fields["status_code"].(float64); !ok || int(code) != 502 {
		t.Errorf("status_code = %v, want 502", entry.Fields["status_code"])
	}
	if entry.Fields["error"] != errAllProvidersDown.Error() {
		t.Errorf("error = %v, want %q", entry.Fields["error"], errAllProvidersDown.Error())
	}
}

// TestErrorWithCode_NilError tests that a nil error omits the error field
func TestErrorWithCode_NilError(t *testing.T) {
	logger, buf := newBufferedLogger("synthesizer")
	logger.ErrorWithCode("client-123", "req-456", "Bad request", 422, nil, nil)

	entry := decodeEntry(t, buf)

	if _, ok := entry.Fields["error"]; ok {
		t.Error("Expected error field to be omitted for nil error")
	}
	if code, ok := entry.Fields["status_code"].(float64); !ok || int(code) != 422 {
		t.Errorf("status_code = %v, want 422", entry.Fields["status_code"])
	}
}

// TestLog_ConcurrentWrites tests that concurrent logging produces one valid
// JSON object per line.
func TestLog_ConcurrentWrites(t *testing.T) {
	logger, buf := newBufferedLogger("synthesizer")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("client-123", "req-456", "concurrent entry", nil)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("Got %d lines, want 20", len(lines))
	}
	for i, line := range lines {
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Errorf("Line %d is not valid JSON: %v", i, err)
		}
	}
}
