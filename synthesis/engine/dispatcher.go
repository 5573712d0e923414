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
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	// DefaultCallTimeout bounds a single generation call when the caller
	// does not configure one.
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxConcurrency bounds concurrent calls within one round.
	DefaultMaxConcurrency = 8
)

// Dispatcher executes one round: concurrent generation calls against a
// candidate set with bounded concurrency and a per-call timeout.
//
// The dispatcher never retries. Fault isolation is per call: an error or
// timeout is captured in that candidate's RoundResult and reported to the
// registry, and never aborts sibling calls. An all-failure round still
// returns a full result slice; deciding what to do next is the
// coordinator's job.
type Dispatcher struct {
	registry       *Registry
	maxConcurrency int
	logger         *log.Logger
}

// DispatcherConfig contains optional dispatcher settings.
type DispatcherConfig struct {
	// MaxConcurrency bounds in-flight calls per round.
	// 0 means DefaultMaxConcurrency.
	MaxConcurrency int

	// Logger overrides the default stdout logger.
	Logger *log.Logger
}

// NewDispatcher creates a round dispatcher backed by the given registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SYNTH_DISPATCH] ", log.LstdFlags)
	}

	return &Dispatcher{
		registry:       registry,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// RunRound dispatches the round concurrently and blocks until every
// candidate has resolved (success, error, or timeout). Results are returned
// in candidate order, one per candidate, each labeled with its provider.
//
// Timeout semantics are fire-and-forget: a call that exceeds the per-call
// timeout is recorded as OutcomeTimeout and abandoned; the underlying
// request may run to completion in the adapter but its result is discarded.
func (d *Dispatcher) RunRound(ctx context.Context, round int, candidates []string, req GenerationRequest, timeout time.Duration) []RoundResult {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	results := make([]RoundResult, len(candidates))
	sem := make(chan struct{}, d.maxConcurrency)
	var wg sync.WaitGroup

	for i, name := range candidates {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.call(ctx, round, name, req, timeout)
		}(i, name)
	}

	wg.Wait()
	return results
}

// call runs one provider call and folds its outcome into the registry.
func (d *Dispatcher) call(ctx context.Context, round int, name string, req GenerationRequest, timeout time.Duration) RoundResult {
	result := RoundResult{Provider: name, Round: round, Model: req.Model}

	provider, err := d.registry.Get(name)
	if err != nil {
		// Unknown candidate (explicitly requested but never registered).
		// There is no health record to update.
		result.Outcome = OutcomeError
		result.Err = err
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type generation struct {
		res *GenerationResult
		err error
	}
	done := make(chan generation, 1)
	start := time.Now()

	go func() {
		res, err := provider.Generate(callCtx, req)
		done <- generation{res: res, err: err}
	}()

	select {
	case g := <-done:
		elapsed := time.Since(start)
		switch {
		case g.err != nil:
			result.Outcome = classifyCallError(g.err)
			result.Err = g.err
			if result.Outcome == OutcomeTimeout {
				result.Latency = timeout
			} else {
				result.Latency = elapsed
			}
		case g.res == nil:
			result.Outcome = OutcomeError
			result.Latency = elapsed
			result.Err = NewProviderError(name, ErrCodeServerError, "provider returned no result")
		default:
			result.Outcome = OutcomeSuccess
			result.Text = g.res.Text
			result.Model = g.res.Model
			result.Usage = g.res.Usage
			result.Latency = elapsed
		}
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			result.Outcome = OutcomeTimeout
			result.Latency = timeout
			result.Err = NewProviderError(name, ErrCodeTimeout, fmt.Sprintf("call exceeded %v", timeout))
		} else {
			result.Outcome = OutcomeError
			result.Latency = time.Since(start)
			result.Err = NewProviderError(name, ErrCodeUnavailable, "call cancelled")
		}
	}

	d.registry.RecordOutcome(name, result.Outcome, result.Latency)

	if !result.Succeeded() {
		d.logger.Printf("Round %d: provider %s %s: %v", round, name, result.Outcome, result.Err)
	}
	return result
}

// classifyCallError maps a call error onto an outcome tag. Deadline
// expiry and provider-reported timeouts count as timeouts; everything
// else is an error.
func classifyCallError(err error) CallOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.Code == ErrCodeTimeout {
		return OutcomeTimeout
	}
	return OutcomeError
}
