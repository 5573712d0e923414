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

package engine

import (
	"context"
	"time"
)

// TelemetrySink receives usage events from the engine. The engine emits
// one CallEvent per provider call and exactly one SessionEvent per
// terminal session; it does not implement persistence.
//
// Sinks are invoked synchronously on the request path and must not block;
// implementations that persist events should hand them off to a goroutine
// and log (never propagate) their own failures.
type TelemetrySink interface {
	// RecordCall receives one event per provider call.
	RecordCall(ctx context.Context, event CallEvent)

	// RecordSession receives one event per terminal session transition.
	RecordSession(ctx context.Context, event SessionEvent)
}

// CallEvent summarizes a single provider call.
type CallEvent struct {
	// SessionID ties the call to its synthesis session.
	SessionID string `json:"session_id"`

	// Round is the 1-based round the call belonged to.
	Round int `json:"round"`

	// Provider is the provider that was called.
	Provider string `json:"provider"`

	// Model is the model that served (or was asked to serve) the call.
	Model string `json:"model,omitempty"`

	// Outcome tags the call as success, timeout, or error.
	Outcome CallOutcome `json:"outcome"`

	// Latency is the observed call duration.
	Latency time.Duration `json:"latency"`

	// Usage is the token usage reported by the provider.
	Usage TokenUsage `json:"usage"`

	// ErrorDetail carries the call error text for failed calls.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// SessionEvent summarizes a terminal synthesis session.
type SessionEvent struct {
	// SessionID identifies the session.
	SessionID string `json:"session_id"`

	// Outcome is the terminal state (converged, exhausted, or failed).
	Outcome SessionState `json:"outcome"`

	// Converged reports whether the convergence threshold was met.
	Converged bool `json:"converged"`

	// Agreement is the final mean pairwise agreement score.
	Agreement float64 `json:"agreement"`

	// FinalProvider is the provider whose output was selected.
	// Empty for failed sessions.
	FinalProvider string `json:"final_provider,omitempty"`

	// FinalModel is the model that produced the selected output.
	FinalModel string `json:"final_model,omitempty"`

	// RoundsExecuted is how many rounds were dispatched.
	RoundsExecuted int `json:"rounds_executed"`

	// ProvidersAttempted is the fallback chain in first attempt order.
	ProvidersAttempted []string `json:"providers_attempted"`

	// TotalLatency is the wall-clock duration of the session.
	TotalLatency time.Duration `json:"total_latency"`

	// Usage is the summed token usage across every call.
	Usage TokenUsage `json:"usage"`

	// ErrorDetail carries the failure summary for failed sessions.
	ErrorDetail string `json:"error_detail,omitempty"`
}
