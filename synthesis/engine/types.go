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
	"fmt"
	"time"
)

// ProviderType identifies the backend implementation of a provider.
// Standard types are defined as constants, but custom types can be used
// for third-party or self-hosted backends.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeGemini represents Google's Gemini models.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// GenerationRequest encapsulates all parameters for a generation call.
// This is the unified request type passed to every provider in a round.
type GenerationRequest struct {
	// Prompt is the user's input text/question.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets context/behavior.
	// Not all providers support system prompts.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Model overrides the provider's default model.
	// Format is provider-specific (e.g., "gpt-4o", "claude-3-5-sonnet-20241022").
	Model string `json:"model,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	// Valid range is 0.0 to 2.0; negative means provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// StopSequences are strings that cause generation to stop.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GenerationResult contains the output of a single provider call.
type GenerationResult struct {
	// Text is the generated response.
	Text string `json:"text"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage TokenUsage `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "max_tokens", "content_filter".
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata contains provider-specific response data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption for billing and telemetry.
type TokenUsage struct {
	// InputTokens is the number of tokens in the prompt.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int `json:"total_tokens"`
}

// Add returns the component-wise sum of two usage records.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Preferences carries the caller's routing and termination choices for a
// session. Preferences are immutable once a session starts.
type Preferences struct {
	// ExplicitProvider pins the session to a named provider. When set and
	// AllowFallback is false, no other provider is ever attempted.
	ExplicitProvider string `json:"explicit_provider,omitempty"`

	// ExplicitModel overrides each provider's default model.
	ExplicitModel string `json:"explicit_model,omitempty"`

	// Temperature is forwarded to every generation call.
	// Negative means provider default.
	Temperature float64 `json:"temperature,omitempty"`

	// AllowFallback permits substituting other providers when the explicit
	// (or preferred) provider fails.
	AllowFallback bool `json:"allow_fallback"`

	// MaxRounds bounds the number of generation rounds.
	// Clamped to [1, 10]; 0 means 1.
	MaxRounds int `json:"max_rounds,omitempty"`

	// ConvergenceThreshold is the mean pairwise agreement at or above which
	// outputs are considered converged. Clamped to (0, 1]; 0 means the
	// default threshold.
	ConvergenceThreshold float64 `json:"convergence_threshold,omitempty"`

	// MaxTokens limits each generation call. 0 means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CallOutcome classifies the result of one provider call within a round.
type CallOutcome string

const (
	// OutcomeSuccess indicates the provider returned a usable result.
	OutcomeSuccess CallOutcome = "success"

	// OutcomeTimeout indicates the call exceeded its per-call timeout.
	// The in-flight request is abandoned, not guaranteed terminated.
	OutcomeTimeout CallOutcome = "timeout"

	// OutcomeError indicates the provider returned an error.
	OutcomeError CallOutcome = "error"
)

// RoundResult is the recorded outcome of one provider call in one round.
// Results are append-only within a session.
type RoundResult struct {
	// Provider is the name of the provider that was called.
	Provider string `json:"provider"`

	// Round is the 1-based round number the call belonged to.
	Round int `json:"round"`

	// Text is the generated output. Empty unless Outcome is OutcomeSuccess.
	Text string `json:"text,omitempty"`

	// Model is the model that produced the output.
	Model string `json:"model,omitempty"`

	// Usage is the token usage reported by the provider, passed through
	// unchanged.
	Usage TokenUsage `json:"usage"`

	// Latency is the observed call duration. For timeouts this is the
	// configured per-call timeout.
	Latency time.Duration `json:"latency"`

	// Outcome tags the call as success, timeout, or error.
	Outcome CallOutcome `json:"outcome"`

	// Err holds the call error for Outcome != OutcomeSuccess.
	Err error `json:"-"`
}

// Succeeded reports whether the call produced a usable result.
func (r RoundResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// ErrorDetail returns the error text for failed calls, or "" on success.
func (r RoundResult) ErrorDetail() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// HealthStatus represents the probed health of a provider.
type HealthStatus string

const (
	// HealthStatusHealthy indicates the provider is operational.
	HealthStatusHealthy HealthStatus = "healthy"

	// HealthStatusDegraded indicates the provider is working but with issues.
	HealthStatusDegraded HealthStatus = "degraded"

	// HealthStatusUnhealthy indicates the provider is not operational.
	HealthStatusUnhealthy HealthStatus = "unhealthy"

	// HealthStatusUnknown indicates health has not been checked yet.
	HealthStatusUnknown HealthStatus = "unknown"
)

// HealthCheckResult contains the outcome of a single health probe.
type HealthCheckResult struct {
	// Status is the probed health status.
	Status HealthStatus `json:"status"`

	// Latency is the time the probe took.
	Latency time.Duration `json:"latency"`

	// Message provides additional context about the status.
	Message string `json:"message,omitempty"`

	// LastChecked is when the probe was performed.
	LastChecked time.Time `json:"last_checked"`
}

// ProviderHealth is the registry's rolling health record for one provider.
// Snapshot returns value copies of this type; mutating a copy has no effect
// on the registry.
type ProviderHealth struct {
	// Name is the provider's unique registered name.
	Name string `json:"name"`

	// Type identifies the provider implementation.
	Type ProviderType `json:"type"`

	// Healthy is the gating flag used for default candidate selection.
	// A provider is unhealthy when ConsecutiveFailures reaches the
	// registry's failure threshold or its last probe failed.
	Healthy bool `json:"healthy"`

	// ConsecutiveFailures counts call failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// LastSuccessAt is when the provider last completed a call successfully.
	// Zero if it never has.
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`

	// LastErrorAt is when the provider last failed a call. Zero if never.
	LastErrorAt time.Time `json:"last_error_at,omitempty"`

	// RollingLatency is an exponentially weighted moving average of
	// observed call latency.
	RollingLatency time.Duration `json:"rolling_latency"`

	// LastProbe is the most recent explicit health probe result, if any.
	LastProbe *HealthCheckResult `json:"last_probe,omitempty"`

	// registrationIndex preserves Register order for deterministic
	// tie-breaks in candidate selection.
	registrationIndex int
}

// SessionState names a stage of the session lifecycle.
type SessionState string

const (
	// StateStarted is the initial state before candidate selection.
	StateStarted SessionState = "started"

	// StateDispatching means a round of provider calls is in flight.
	StateDispatching SessionState = "dispatching"

	// StateEvaluating means round results are being scored for agreement.
	StateEvaluating SessionState = "evaluating"

	// StateContinuing means another round will be dispatched.
	StateContinuing SessionState = "continuing"

	// StateConverged is terminal: outputs agreed at or above the threshold.
	StateConverged SessionState = "converged"

	// StateExhausted is terminal: the round budget was spent without
	// convergence but at least one valid answer exists.
	StateExhausted SessionState = "exhausted"

	// StateFailed is terminal: no call succeeded in any round.
	StateFailed SessionState = "failed"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	switch s {
	case StateConverged, StateExhausted, StateFailed:
		return true
	default:
		return false
	}
}

// ConvergenceScore is the evaluator's decision for the results accumulated
// so far. It is derived per evaluation and not stored beyond the round.
type ConvergenceScore struct {
	// PairwiseAgreement is the mean pairwise similarity between all
	// successful outputs, in [0, 1].
	PairwiseAgreement float64 `json:"pairwise_agreement"`

	// Converged reports whether agreement met the threshold.
	Converged bool `json:"converged"`

	// Reason explains the decision ("single successful output",
	// "no successful output", "agreement 0.91 >= threshold 0.80", ...).
	Reason string `json:"reason"`

	// Samples is the number of successful outputs that were scored.
	Samples int `json:"samples"`
}

// SessionResult is the uniform success result of a synthesis session.
// Converged is false when the session exhausted its round budget but still
// produced a valid answer; callers apply their own quality policy.
type SessionResult struct {
	// SessionID uniquely identifies the session.
	SessionID string `json:"session_id"`

	// Text is the selected final answer.
	Text string `json:"text"`

	// Provider is the provider whose output was selected.
	Provider string `json:"provider"`

	// Model is the model that produced the selected output.
	Model string `json:"model"`

	// Latency is the wall-clock duration of the whole session.
	Latency time.Duration `json:"latency"`

	// Usage is the summed token usage across every call in every round.
	Usage TokenUsage `json:"usage"`

	// RoundsExecuted is how many rounds were dispatched.
	RoundsExecuted int `json:"rounds_executed"`

	// Converged reports whether the convergence threshold was met.
	Converged bool `json:"converged"`

	// Agreement is the final mean pairwise agreement score.
	Agreement float64 `json:"agreement"`

	// FallbackChainUsed lists the providers actually attempted, in first
	// attempt order.
	FallbackChainUsed []string `json:"fallback_chain_used"`

	// State is the terminal session state (converged or exhausted).
	State SessionState `json:"state"`

	// Rounds is the full per-call history, retained for diagnostics.
	Rounds []RoundResult `json:"rounds,omitempty"`
}

// Error types for provider operations.

// ProviderError represents an error from a generation backend.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeModelNotFound indicates the requested model doesn't exist.
	ErrCodeModelNotFound = "model_not_found"

	// ErrCodeContextLength indicates input exceeds the context window.
	ErrCodeContextLength = "context_length_exceeded"

	// ErrCodeContentFilter indicates content was filtered.
	ErrCodeContentFilter = "content_filter"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates the call exceeded its deadline.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
