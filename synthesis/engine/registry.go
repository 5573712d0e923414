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
	"sync"
	"time"
)

const (
	// DefaultFailureThreshold is the number of consecutive call failures
	// after which a provider is excluded from default candidate selection.
	DefaultFailureThreshold = 3

	// DefaultProbeTimeout bounds a single explicit health probe.
	DefaultProbeTimeout = 10 * time.Second

	// latencyAlpha is the EWMA weight given to the newest latency sample.
	latencyAlpha = 0.3
)

// Registry holds the set of registered providers plus rolling health state
// per provider. It is safe for concurrent use: RecordOutcome updates are
// serialized per registry, and Snapshot hands out value copies so selectors
// never see torn reads.
//
// RecordOutcome is the single mutation path for call-driven health. It is
// called by the dispatcher after every provider call and never computed
// ad hoc elsewhere.
type Registry struct {
	providers map[string]Provider
	order     []string // registration order, used for selection tie-breaks
	mu        sync.RWMutex

	// Health bookkeeping, guarded separately from the provider set because
	// it is written on every call while the provider set is config-time.
	health   map[string]*ProviderHealth
	healthMu sync.RWMutex

	threshold    int
	probeTimeout time.Duration
	logger       *log.Logger
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFailureThreshold overrides the consecutive-failure count at which a
// provider is marked unhealthy. Values < 1 are ignored.
func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 1 {
			r.threshold = n
		}
	}
}

// WithProbeTimeout overrides the per-provider timeout for explicit health
// probes.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// NewRegistry creates a new provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:    make(map[string]Provider),
		health:       make(map[string]*ProviderHealth),
		threshold:    DefaultFailureThreshold,
		probeTimeout: DefaultProbeTimeout,
		logger:       log.New(os.Stdout, "[SYNTH_REGISTRY] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a provider instance to the registry.
// Registering a name that already exists fails with ErrRegistryDuplicate;
// this is a configuration-time error, fatal at startup, never a runtime
// session error.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return &RegistryError{Code: ErrRegistryInvalidProvider, Message: "provider cannot be nil"}
	}

	name := provider.Name()
	if name == "" {
		return &RegistryError{Code: ErrRegistryInvalidProvider, Message: "provider name is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", name),
		}
	}

	r.providers[name] = provider
	index := len(r.order)
	r.order = append(r.order, name)

	r.healthMu.Lock()
	r.health[name] = &ProviderHealth{
		Name:              name,
		Type:              provider.Type(),
		Healthy:           true,
		registrationIndex: index,
	}
	r.healthMu.Unlock()

	r.logger.Printf("Registered provider: %s (type: %s)", name, provider.Type())
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryNotFound,
			Message:      fmt.Sprintf("provider %q not found", name),
		}
	}
	return provider, nil
}

// Has returns true if a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.providers[name]
	return exists
}

// List returns all registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// RecordOutcome folds one completed call into the provider's health record.
// A success always clears ConsecutiveFailures and re-enables the provider;
// a timeout or error always increments the failure count and never touches
// LastSuccessAt. Timeouts count as latency observations at the cap;
// fast-fail errors do not.
func (r *Registry) RecordOutcome(name string, outcome CallOutcome, latency time.Duration) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	h, exists := r.health[name]
	if !exists {
		r.logger.Printf("Warning: outcome recorded for unknown provider %q", name)
		return
	}

	now := time.Now()
	switch outcome {
	case OutcomeSuccess:
		h.ConsecutiveFailures = 0
		h.LastSuccessAt = now
		h.Healthy = true
		h.RollingLatency = ewma(h.RollingLatency, latency)
	case OutcomeTimeout:
		h.ConsecutiveFailures++
		h.LastErrorAt = now
		h.RollingLatency = ewma(h.RollingLatency, latency)
	case OutcomeError:
		h.ConsecutiveFailures++
		h.LastErrorAt = now
	default:
		r.logger.Printf("Warning: unknown outcome %q for provider %s", outcome, name)
		return
	}

	if h.ConsecutiveFailures >= r.threshold && h.Healthy {
		h.Healthy = false
		r.logger.Printf("Provider %s marked unhealthy after %d consecutive failures", name, h.ConsecutiveFailures)
	}
}

// ewma folds a new sample into the rolling latency average. The first
// sample seeds the average directly.
func ewma(current, sample time.Duration) time.Duration {
	if current == 0 {
		return sample
	}
	return time.Duration(latencyAlpha*float64(sample) + (1-latencyAlpha)*float64(current))
}

// Snapshot returns an immutable copy of every provider's health record.
// Callers may inspect and sort the copies freely without synchronization.
func (r *Registry) Snapshot() map[string]ProviderHealth {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	snapshot := make(map[string]ProviderHealth, len(r.health))
	for name, h := range r.health {
		cp := *h
		if h.LastProbe != nil {
			probe := *h.LastProbe
			cp.LastProbe = &probe
		}
		snapshot[name] = cp
	}
	return snapshot
}

// Healthy reports whether a provider is currently eligible for default
// candidate selection. Unknown names report false.
func (r *Registry) Healthy(name string) bool {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()

	h, exists := r.health[name]
	return exists && h.Healthy
}

// recordProbe folds an explicit probe result into the health record.
// A failed probe marks the provider unhealthy immediately. A successful
// probe re-enables it only while the consecutive-failure count is below
// the threshold; only a recorded call success resets that count.
func (r *Registry) recordProbe(name string, result *HealthCheckResult) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	h, exists := r.health[name]
	if !exists {
		return
	}

	probe := *result
	h.LastProbe = &probe

	switch result.Status {
	case HealthStatusHealthy, HealthStatusDegraded:
		h.Healthy = h.ConsecutiveFailures < r.threshold
	default:
		if h.Healthy {
			r.logger.Printf("Provider %s marked unhealthy by probe: %s", name, result.Message)
		}
		h.Healthy = false
	}
}

// HealthCheck probes every registered provider and folds the results into
// health state. Probe errors are converted into unhealthy results rather
// than propagated.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthCheckResult {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		providers[name] = p
	}
	r.mu.RUnlock()

	results := make(map[string]*HealthCheckResult, len(providers))

	for name, provider := range providers {
		results[name] = r.probe(ctx, name, provider)
	}

	return results
}

// HealthCheckSingle probes one provider on demand.
func (r *Registry) HealthCheckSingle(ctx context.Context, name string) (*HealthCheckResult, error) {
	provider, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.probe(ctx, name, provider), nil
}

func (r *Registry) probe(ctx context.Context, name string, provider Provider) *HealthCheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	result, err := provider.HealthCheck(probeCtx)
	if err != nil {
		result = &HealthCheckResult{
			Status:      HealthStatusUnhealthy,
			Latency:     time.Since(start),
			Message:     err.Error(),
			LastChecked: time.Now(),
		}
	}
	if result.LastChecked.IsZero() {
		result.LastChecked = time.Now()
	}

	r.recordProbe(name, result)
	return result
}

// StartPeriodicHealthCheck starts a background goroutine that probes all
// providers on the given interval until ctx is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				healthy := 0
				unhealthy := 0
				for _, result := range results {
					if result.Status == HealthStatusHealthy {
						healthy++
					} else {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Printf("Health check: %d healthy, %d unhealthy", healthy, unhealthy)
				}
			}
		}
	}()
}

// RegistryError represents an error from registry operations.
type RegistryError struct {
	ProviderName string
	Code         string
	Message      string
	Cause        error
}

// Registry error codes.
const (
	// ErrRegistryNotFound indicates the provider was not found.
	ErrRegistryNotFound = "registry_not_found"

	// ErrRegistryDuplicate indicates a provider with that name exists.
	ErrRegistryDuplicate = "registry_duplicate"

	// ErrRegistryInvalidProvider indicates a nil or unnamed provider.
	ErrRegistryInvalidProvider = "registry_invalid_provider"
)

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.ProviderName != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ProviderName, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *RegistryError) Unwrap() error {
	return e.Cause
}
