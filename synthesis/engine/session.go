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
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRounds is the round budget when the caller sets none.
	DefaultMaxRounds = 1

	// MaxRoundsLimit caps the round budget a caller may request.
	MaxRoundsLimit = 10

	// MaxTemperature is the upper clamp for generation temperature.
	MaxTemperature = 2.0
)

// Coordinator drives synthesis sessions end to end: candidate selection,
// round dispatch, convergence evaluation, answer selection, and telemetry.
//
// One Coordinator serves concurrent Synthesize calls; per-session state is
// local to each call and never shared across requests. The registry it
// owns is the only structure mutated concurrently, and it synchronizes
// internally.
type Coordinator struct {
	registry    *Registry
	selector    *Selector
	dispatcher  *Dispatcher
	evaluator   *Evaluator
	telemetry   TelemetrySink
	callTimeout time.Duration
	logger      *log.Logger

	maxConcurrency int
}

// CoordinatorOption configures the coordinator during creation.
type CoordinatorOption func(*Coordinator)

// WithScorer sets the similarity capability used for convergence
// evaluation. The default is the lexical token-overlap scorer.
func WithScorer(scorer Scorer) CoordinatorOption {
	return func(c *Coordinator) {
		c.evaluator = NewEvaluator(scorer)
	}
}

// WithTelemetry sets the sink that receives per-call and per-session
// usage events. Without one, events are dropped.
func WithTelemetry(sink TelemetrySink) CoordinatorOption {
	return func(c *Coordinator) {
		c.telemetry = sink
	}
}

// WithCallTimeout sets the per-call timeout applied to every generation
// call. There is no session-level timeout beyond maxRounds × call timeout.
func WithCallTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMaxConcurrency bounds concurrent calls within one round.
func WithMaxConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// WithSessionLogger sets a custom logger for session lifecycle logging.
func WithSessionLogger(logger *log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a session coordinator on top of a registry.
func NewCoordinator(registry *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry:    registry,
		selector:    NewSelector(),
		callTimeout: DefaultCallTimeout,
		logger:      log.New(os.Stdout, "[SYNTH_SESSION] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.evaluator == nil {
		c.evaluator = NewEvaluator(nil)
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(registry, DispatcherConfig{MaxConcurrency: c.maxConcurrency})
	}

	return c
}

// Synthesize runs one session: rounds are sequential, calls within a round
// are parallel, and the session ends in exactly one terminal state.
//
// It returns a SessionResult when any round produced a usable answer
// (with Converged=false when the round budget was spent without agreement)
// and a *SessionError only when every candidate failed in every round.
// Per-call failures are always recovered locally by falling back to the
// next candidate; they never surface as a session error on their own.
func (c *Coordinator) Synthesize(ctx context.Context, prompt string, prefs Preferences) (*SessionResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &SessionError{Code: ErrSessionEmptyPrompt, Message: "prompt is empty"}
	}
	if c.registry.Count() == 0 {
		return nil, &SessionError{Code: ErrSessionNoProviders, Message: "no providers registered"}
	}

	prefs = normalizePreferences(prefs)
	sessionID := uuid.NewString()
	start := time.Now()
	state := StateStarted

	c.logger.Printf("Session %s started (provider=%q fallback=%v rounds=%d threshold=%.2f)",
		sessionID, prefs.ExplicitProvider, prefs.AllowFallback, prefs.MaxRounds, prefs.ConvergenceThreshold)

	req := GenerationRequest{
		Prompt:      prompt,
		Model:       prefs.ExplicitModel,
		Temperature: prefs.Temperature,
		MaxTokens:   prefs.MaxTokens,
	}

	candidates := c.selector.SelectCandidates(prefs, c.registry.Snapshot())

	var (
		history         []RoundResult
		chain           []string
		score           ConvergenceScore
		rounds          int
		chainSeen       = make(map[string]bool)
		failedInSession = make(map[string]bool)
	)

	for round := 1; round <= prefs.MaxRounds; round++ {
		state = StateDispatching
		rounds = round
		c.logger.Printf("Session %s round %d: dispatching to %v", sessionID, round, candidates)

		results := c.dispatcher.RunRound(ctx, round, candidates, req, c.callTimeout)
		history = append(history, results...)

		for _, res := range results {
			if !chainSeen[res.Provider] {
				chainSeen[res.Provider] = true
				chain = append(chain, res.Provider)
			}
			if !res.Succeeded() {
				failedInSession[res.Provider] = true
			}
			c.emitCall(ctx, sessionID, res)
		}

		state = StateEvaluating
		score = c.evaluator.Evaluate(history, prefs.ConvergenceThreshold)
		c.logger.Printf("Session %s round %d: %s", sessionID, round, score.Reason)

		if score.Converged {
			state = StateConverged
			break
		}
		if round == prefs.MaxRounds {
			break
		}

		state = StateContinuing
		candidates = c.nextCandidates(prefs, candidates, failedInSession)
	}

	answer := selectAnswer(prefs.ExplicitProvider, history)
	totalUsage := sumUsage(history)
	elapsed := time.Since(start)

	if answer == nil {
		state = StateFailed
		sessErr := &SessionError{
			SessionID: sessionID,
			Code:      ErrSessionAllFailed,
			Message:   "all providers failed across all rounds",
			Attempted: attemptSummaries(chain, history),
		}

		c.emitSession(ctx, SessionEvent{
			SessionID:          sessionID,
			Outcome:            state,
			Converged:          false,
			Agreement:          score.PairwiseAgreement,
			RoundsExecuted:     rounds,
			ProvidersAttempted: chain,
			TotalLatency:       elapsed,
			Usage:              totalUsage,
			ErrorDetail:        joinAttempts(sessErr.Attempted),
		})

		c.logger.Printf("Session %s failed after %d round(s): %s", sessionID, rounds, joinAttempts(sessErr.Attempted))
		return nil, sessErr
	}

	if state != StateConverged {
		state = StateExhausted
	}

	result := &SessionResult{
		SessionID:         sessionID,
		Text:              answer.Text,
		Provider:          answer.Provider,
		Model:             answer.Model,
		Latency:           elapsed,
		Usage:             totalUsage,
		RoundsExecuted:    rounds,
		Converged:         score.Converged,
		Agreement:         score.PairwiseAgreement,
		FallbackChainUsed: chain,
		State:             state,
		Rounds:            history,
	}

	c.emitSession(ctx, SessionEvent{
		SessionID:          sessionID,
		Outcome:            state,
		Converged:          result.Converged,
		Agreement:          result.Agreement,
		FinalProvider:      result.Provider,
		FinalModel:         result.Model,
		RoundsExecuted:     rounds,
		ProvidersAttempted: chain,
		TotalLatency:       elapsed,
		Usage:              totalUsage,
	})

	c.logger.Printf("Session %s %s after %d round(s): provider=%s agreement=%.2f",
		sessionID, state, rounds, result.Provider, result.Agreement)
	return result, nil
}

// nextCandidates computes the candidate set for the following round: a
// fresh selection minus the providers this session's own failures drove
// unhealthy. If exclusion would empty the set, the previous round's set is
// reused rather than dispatching nothing.
func (c *Coordinator) nextCandidates(prefs Preferences, previous []string, failedInSession map[string]bool) []string {
	snapshot := c.registry.Snapshot()
	fresh := c.selector.SelectCandidates(prefs, snapshot)

	next := make([]string, 0, len(fresh))
	for _, name := range fresh {
		if h, known := snapshot[name]; known && failedInSession[name] && !h.Healthy {
			continue
		}
		next = append(next, name)
	}

	if len(next) == 0 {
		return previous
	}
	return next
}

// selectAnswer picks the final answer from the most recent round that has
// successful results: the explicit provider's output when present among
// them, else the first success in candidate order.
func selectAnswer(explicitProvider string, history []RoundResult) *RoundResult {
	lastRound := 0
	for _, r := range history {
		if r.Succeeded() && r.Round > lastRound {
			lastRound = r.Round
		}
	}
	if lastRound == 0 {
		return nil
	}

	var first *RoundResult
	for i := range history {
		r := &history[i]
		if r.Round != lastRound || !r.Succeeded() {
			continue
		}
		if explicitProvider != "" && r.Provider == explicitProvider {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}

// normalizePreferences clamps caller preferences to supported bounds.
func normalizePreferences(prefs Preferences) Preferences {
	if prefs.MaxRounds <= 0 {
		prefs.MaxRounds = DefaultMaxRounds
	}
	if prefs.MaxRounds > MaxRoundsLimit {
		prefs.MaxRounds = MaxRoundsLimit
	}
	if prefs.ConvergenceThreshold <= 0 || prefs.ConvergenceThreshold > 1 {
		prefs.ConvergenceThreshold = DefaultConvergenceThreshold
	}
	if prefs.Temperature > MaxTemperature {
		prefs.Temperature = MaxTemperature
	}
	return prefs
}

// sumUsage folds token usage across every call in the session.
func sumUsage(history []RoundResult) TokenUsage {
	var total TokenUsage
	for _, r := range history {
		total = total.Add(r.Usage)
	}
	return total
}

// attemptSummaries collapses the history into one entry per attempted
// provider carrying its last recorded failure, in first attempt order.
func attemptSummaries(chain []string, history []RoundResult) []ProviderAttempt {
	last := make(map[string]RoundResult)
	for _, r := range history {
		if !r.Succeeded() {
			last[r.Provider] = r
		}
	}

	attempts := make([]ProviderAttempt, 0, len(chain))
	for _, name := range chain {
		if r, ok := last[name]; ok {
			attempts = append(attempts, ProviderAttempt{
				Provider: name,
				Outcome:  r.Outcome,
				Error:    r.ErrorDetail(),
			})
		}
	}
	return attempts
}

// joinAttempts renders attempt summaries as a compact one-line detail.
func joinAttempts(attempts []ProviderAttempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Provider, a.Outcome, a.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Outcome))
		}
	}
	return strings.Join(parts, "; ")
}

func (c *Coordinator) emitCall(ctx context.Context, sessionID string, res RoundResult) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.RecordCall(ctx, CallEvent{
		SessionID:   sessionID,
		Round:       res.Round,
		Provider:    res.Provider,
		Model:       res.Model,
		Outcome:     res.Outcome,
		Latency:     res.Latency,
		Usage:       res.Usage,
		ErrorDetail: res.ErrorDetail(),
	})
}

func (c *Coordinator) emitSession(ctx context.Context, event SessionEvent) {
	if c.telemetry == nil {
		return
	}
	c.telemetry.RecordSession(ctx, event)
}

// ProviderAttempt records one attempted provider and its last failure,
// surfaced to callers inside SessionError.
type ProviderAttempt struct {
	// Provider is the attempted provider's name.
	Provider string `json:"provider"`

	// Outcome is the provider's last recorded outcome.
	Outcome CallOutcome `json:"outcome"`

	// Error is the last error text, if any.
	Error string `json:"error,omitempty"`
}

// SessionError represents a session that ended without any usable answer.
// It is returned only on total exhaustion: every candidate failed across
// every round. Partial failure never surfaces as a SessionError.
type SessionError struct {
	SessionID string
	Code      string
	Message   string
	Attempted []ProviderAttempt
}

// Session error codes.
const (
	// ErrSessionEmptyPrompt indicates a blank prompt.
	ErrSessionEmptyPrompt = "session_empty_prompt"

	// ErrSessionNoProviders indicates the registry is empty.
	ErrSessionNoProviders = "session_no_providers"

	// ErrSessionAllFailed indicates every candidate failed in every round.
	ErrSessionAllFailed = "session_all_providers_failed"
)

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
	}
	return fmt.Sprintf("session error: %s", e.Message)
}
