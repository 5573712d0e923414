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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"chorus/platform/common/mirror"
	"chorus/platform/common/preferences"
	"chorus/platform/shared/logger"
	"chorus/platform/synthesis/engine"
)

// maxRequestBodySize caps synthesize request bodies at 1 MiB.
const maxRequestBodySize = 1 << 20

// Strategy names accepted by the synthesize endpoint. Strategies are sugar
// over engine preferences; the handler translates and the engine never
// sees them.
const (
	// StrategySingle pins the named provider with no fallback, one round.
	StrategySingle = "single"

	// StrategyFallback tries the explicit-or-default provider first and
	// substitutes others on failure, one round.
	StrategyFallback = "fallback"

	// StrategyAll fans out to every candidate and evaluates convergence.
	StrategyAll = "all"
)

// APIHandler serves the synthesis HTTP API.
type APIHandler struct {
	coordinator *engine.Coordinator
	registry    *engine.Registry
	prefs       *preferences.Store
	mirror      *mirror.Mirror
	db          *sql.DB
	metrics     *ServiceMetrics
	log         *logger.Logger

	defaultRounds    int
	defaultThreshold float64
}

// APIHandlerOptions carries the handler's dependencies. Preferences,
// Mirror and DB may be nil; the corresponding endpoints degrade.
type APIHandlerOptions struct {
	Coordinator *engine.Coordinator
	Registry    *engine.Registry
	Preferences *preferences.Store
	Mirror      *mirror.Mirror
	DB          *sql.DB
	Metrics     *ServiceMetrics
	Logger      *logger.Logger

	// DefaultMaxRounds is the round budget for requests that set none.
	DefaultMaxRounds int

	// DefaultConvergenceThreshold is the agreement threshold for requests
	// that set none.
	DefaultConvergenceThreshold float64
}

// NewAPIHandler creates the API handler.
func NewAPIHandler(opts APIHandlerOptions) *APIHandler {
	if opts.Metrics == nil {
		opts.Metrics = NewServiceMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("synthesizer")
	}
	if opts.DefaultMaxRounds <= 0 {
		opts.DefaultMaxRounds = DefaultAPIMaxRounds
	}
	if opts.DefaultConvergenceThreshold <= 0 || opts.DefaultConvergenceThreshold > 1 {
		opts.DefaultConvergenceThreshold = engine.DefaultConvergenceThreshold
	}

	return &APIHandler{
		coordinator:      opts.Coordinator,
		registry:         opts.Registry,
		prefs:            opts.Preferences,
		mirror:           opts.Mirror,
		db:               opts.DB,
		metrics:          opts.Metrics,
		log:              opts.Logger,
		defaultRounds:    opts.DefaultMaxRounds,
		defaultThreshold: opts.DefaultConvergenceThreshold,
	}
}

// SynthesizeRequest is the body of POST /api/v1/synthesize. Pointer fields
// distinguish "absent" from valid zero values so persisted client defaults
// are only overridden by fields the caller actually sent.
type SynthesizeRequest struct {
	Prompt               string   `json:"prompt"`
	Provider             string   `json:"provider,omitempty"`
	Model                string   `json:"model,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	AllowFallback        *bool    `json:"allow_fallback,omitempty"`
	MaxRounds            *int     `json:"max_rounds,omitempty"`
	ConvergenceThreshold *float64 `json:"convergence_threshold,omitempty"`
	MaxTokens            *int     `json:"max_tokens,omitempty"`
	Strategy             string   `json:"strategy,omitempty"`
	ClientID             string   `json:"client_id,omitempty"`
}

// SynthesizeErrorResponse is the uniform error body for the API.
type SynthesizeErrorResponse struct {
	Error     string                   `json:"error"`
	Code      string                   `json:"code,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
	Attempted []engine.ProviderAttempt `json:"attempted,omitempty"`
}

// handleSynthesize runs one synthesis session for the caller.
func (h *APIHandler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SynthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		h.writeError(w, http.StatusUnprocessableEntity, engine.ErrSessionEmptyPrompt, "prompt is empty")
		return
	}

	prefs, err := h.resolvePreferences(r.Context(), &req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	requestID := uuid.NewString()
	ctx := withClientID(r.Context(), req.ClientID)

	result, err := h.coordinator.Synthesize(ctx, req.Prompt, prefs)
	if err != nil {
		h.handleSynthesisError(w, req.ClientID, requestID, start, err)
		return
	}

	h.publishSummary(req.ClientID, result)
	h.log.InfoWithDuration(req.ClientID, requestID, "synthesis request served",
		float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"session_id": result.SessionID,
			"provider":   result.Provider,
			"converged":  result.Converged,
			"rounds":     result.RoundsExecuted,
		})
	h.writeJSON(w, http.StatusOK, result)
}

// resolvePreferences merges service defaults, persisted client defaults and
// request fields into engine preferences. Precedence: request field set >
// stored preference > default. Strategy sugar is applied last because it is
// an explicit per-request instruction.
func (h *APIHandler) resolvePreferences(ctx context.Context, req *SynthesizeRequest) (engine.Preferences, error) {
	prefs := engine.Preferences{
		Temperature:          -1,
		AllowFallback:        true,
		MaxRounds:            h.defaultRounds,
		ConvergenceThreshold: h.defaultThreshold,
	}

	if req.ClientID != "" {
		stored, err := h.prefs.Get(ctx, req.ClientID)
		if err != nil {
			h.log.Warn(req.ClientID, "", "failed to load client preferences", map[string]interface{}{
				"error": err.Error(),
			})
		} else if stored != nil {
			if stored.DefaultProvider != nil {
				prefs.ExplicitProvider = *stored.DefaultProvider
			}
			if stored.DefaultModel != nil {
				prefs.ExplicitModel = *stored.DefaultModel
			}
			if stored.Temperature != nil {
				prefs.Temperature = *stored.Temperature
			}
			if stored.AllowFallback != nil {
				prefs.AllowFallback = *stored.AllowFallback
			}
			if stored.MaxRounds != nil {
				prefs.MaxRounds = *stored.MaxRounds
			}
			if stored.ConvergenceThreshold != nil {
				prefs.ConvergenceThreshold = *stored.ConvergenceThreshold
			}
		}
	}

	if req.Provider != "" {
		prefs.ExplicitProvider = req.Provider
	}
	if req.Model != "" {
		prefs.ExplicitModel = req.Model
	}
	if req.Temperature != nil {
		prefs.Temperature = *req.Temperature
	}
	if req.AllowFallback != nil {
		prefs.AllowFallback = *req.AllowFallback
	}
	if req.MaxRounds != nil {
		prefs.MaxRounds = *req.MaxRounds
	}
	if req.ConvergenceThreshold != nil {
		prefs.ConvergenceThreshold = *req.ConvergenceThreshold
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		prefs.MaxTokens = *req.MaxTokens
	}

	switch strings.ToLower(req.Strategy) {
	case "":
	case StrategySingle:
		if prefs.ExplicitProvider == "" {
			return prefs, fmt.Errorf("strategy %q requires a provider", StrategySingle)
		}
		prefs.AllowFallback = false
		prefs.MaxRounds = 1
	case StrategyFallback:
		prefs.AllowFallback = true
		prefs.MaxRounds = 1
	case StrategyAll:
		prefs.ExplicitProvider = ""
		prefs.AllowFallback = true
	default:
		return prefs, fmt.Errorf("unknown strategy %q", req.Strategy)
	}

	return clampPreferences(prefs), nil
}

// clampPreferences bounds merged preferences before they reach the engine:
// temperature to [0,2] (any negative means provider default), rounds to
// [1,10], threshold to (0,1].
func clampPreferences(prefs engine.Preferences) engine.Preferences {
	if prefs.Temperature > engine.MaxTemperature {
		prefs.Temperature = engine.MaxTemperature
	}
	if prefs.Temperature < 0 {
		prefs.Temperature = -1
	}
	if prefs.MaxRounds < 1 {
		prefs.MaxRounds = 1
	}
	if prefs.MaxRounds > engine.MaxRoundsLimit {
		prefs.MaxRounds = engine.MaxRoundsLimit
	}
	if prefs.ConvergenceThreshold <= 0 || prefs.ConvergenceThreshold > 1 {
		prefs.ConvergenceThreshold = engine.DefaultConvergenceThreshold
	}
	return prefs
}

// handleSynthesisError maps session errors to HTTP statuses: empty prompt
// 422, empty registry 503, total exhaustion 502 with the attempt summary.
func (h *APIHandler) handleSynthesisError(w http.ResponseWriter, clientID, requestID string, start time.Time, err error) {
	var sessErr *engine.SessionError
	if !errors.As(err, &sessErr) {
		h.log.ErrorWithCode(clientID, requestID, "synthesis failed", http.StatusInternalServerError, err, nil)
		h.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	switch sessErr.Code {
	case engine.ErrSessionEmptyPrompt:
		h.writeError(w, http.StatusUnprocessableEntity, sessErr.Code, sessErr.Message)
	case engine.ErrSessionNoProviders:
		h.writeError(w, http.StatusServiceUnavailable, sessErr.Code, sessErr.Message)
	default:
		h.log.ErrorWithCode(clientID, requestID, "synthesis failed", http.StatusBadGateway, sessErr, map[string]interface{}{
			"session_id": sessErr.SessionID,
			"attempted":  len(sessErr.Attempted),
		})
		h.publishFailure(clientID, sessErr, time.Since(start))
		h.writeJSON(w, http.StatusBadGateway, SynthesizeErrorResponse{
			Error:     sessErr.Message,
			Code:      sessErr.Code,
			SessionID: sessErr.SessionID,
			Attempted: sessErr.Attempted,
		})
	}
}

// publishSummary mirrors a completed session, answer text included. The
// publication is detached from the request so a slow mirror never delays
// the response.
func (h *APIHandler) publishSummary(clientID string, result *engine.SessionResult) {
	if h.mirror == nil {
		return
	}

	summary := mirror.SessionSummary{
		SessionID:          result.SessionID,
		ClientID:           clientID,
		Text:               result.Text,
		Provider:           result.Provider,
		Model:              result.Model,
		Outcome:            string(result.State),
		Converged:          result.Converged,
		Agreement:          result.Agreement,
		RoundsExecuted:     result.RoundsExecuted,
		ProvidersAttempted: result.FallbackChainUsed,
		TotalLatencyMs:     result.Latency.Milliseconds(),
		TokensIn:           result.Usage.InputTokens,
		TokensOut:          result.Usage.OutputTokens,
		CreatedAt:          time.Now().UTC(),
	}
	go h.mirror.PublishSession(context.Background(), summary)
}

// publishFailure mirrors a failed session so clients polling the sessions
// API see the terminal outcome rather than an expired entry.
func (h *APIHandler) publishFailure(clientID string, sessErr *engine.SessionError, elapsed time.Duration) {
	if h.mirror == nil || sessErr.SessionID == "" {
		return
	}

	attempted := make([]string, 0, len(sessErr.Attempted))
	for _, a := range sessErr.Attempted {
		attempted = append(attempted, a.Provider)
	}

	summary := mirror.SessionSummary{
		SessionID:          sessErr.SessionID,
		ClientID:           clientID,
		Outcome:            string(engine.StateFailed),
		ProvidersAttempted: attempted,
		TotalLatencyMs:     elapsed.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
	go h.mirror.PublishSession(context.Background(), summary)
}

// ProviderStatus is one row of GET /api/v1/providers/status.
type ProviderStatus struct {
	Name                string       `json:"name"`
	Type                string       `json:"type"`
	Healthy             bool         `json:"healthy"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	RollingLatencyMs    int64        `json:"rolling_latency_ms"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	LastErrorAt         *time.Time   `json:"last_error_at,omitempty"`
	LastProbe           *ProbeResult `json:"last_probe,omitempty"`
}

// ProbeResult is a health probe rendered for the API.
type ProbeResult struct {
	Status      engine.HealthStatus `json:"status"`
	LatencyMs   int64               `json:"latency_ms"`
	Message     string              `json:"message,omitempty"`
	LastChecked time.Time           `json:"last_checked"`
}

// ProviderStatusResponse is the body of GET /api/v1/providers/status.
type ProviderStatusResponse struct {
	Providers []ProviderStatus `json:"providers"`
	Count     int              `json:"count"`
}

// handleProviderStatus reports every provider's rolling health record in
// registration order.
func (h *APIHandler) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()

	providers := make([]ProviderStatus, 0, len(snapshot))
	for _, name := range h.registry.List() {
		ph, ok := snapshot[name]
		if !ok {
			continue
		}
		providers = append(providers, ProviderStatus{
			Name:                ph.Name,
			Type:                string(ph.Type),
			Healthy:             ph.Healthy,
			ConsecutiveFailures: ph.ConsecutiveFailures,
			RollingLatencyMs:    ph.RollingLatency.Milliseconds(),
			LastSuccessAt:       timePtr(ph.LastSuccessAt),
			LastErrorAt:         timePtr(ph.LastErrorAt),
			LastProbe:           toProbeResult(ph.LastProbe),
		})
	}

	h.writeJSON(w, http.StatusOK, ProviderStatusResponse{
		Providers: providers,
		Count:     len(providers),
	})
}

// HealthCheckResponse is the body of the on-demand provider probe.
type HealthCheckResponse struct {
	Provider    string              `json:"provider"`
	Status      engine.HealthStatus `json:"status"`
	LatencyMs   int64               `json:"latency_ms"`
	Message     string              `json:"message,omitempty"`
	LastChecked time.Time           `json:"last_checked"`
}

// handleProviderHealthcheck probes one provider immediately and folds the
// result into registry health state.
func (h *APIHandler) handleProviderHealthcheck(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	result, err := h.registry.HealthCheckSingle(r.Context(), name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, engine.ErrRegistryNotFound, fmt.Sprintf("provider %q not found", name))
		return
	}

	h.writeJSON(w, http.StatusOK, HealthCheckResponse{
		Provider:    name,
		Status:      result.Status,
		LatencyMs:   result.Latency.Milliseconds(),
		Message:     result.Message,
		LastChecked: result.LastChecked,
	})
}

// handleGetSession looks up a recent session in the live mirror.
func (h *APIHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if h.mirror == nil {
		h.writeError(w, http.StatusServiceUnavailable, "mirror_unavailable", "session mirror not configured")
		return
	}

	id := mux.Vars(r)["id"]
	summary, err := h.mirror.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, mirror.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "session_not_found", fmt.Sprintf("session %q not found or expired", id))
			return
		}
		h.writeError(w, http.StatusInternalServerError, "mirror_error", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// handleHealth reports service liveness and the state of each dependency.
// A missing database or mirror is a degraded posture, not an outage, so
// status stays healthy as long as the service can serve sessions.
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()
	healthy := 0
	for _, ph := range snapshot {
		if ph.Healthy {
			healthy++
		}
	}

	dbUp := false
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dbUp = h.db.PingContext(ctx) == nil
		cancel()
	}

	mirrorUp := false
	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		mirrorUp = h.mirror.Ping(ctx) == nil
		cancel()
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "chorus-synthesizer",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC(),
		"providers": map[string]interface{}{
			"registered": len(snapshot),
			"healthy":    healthy,
		},
		"db":     dbUp,
		"mirror": mirrorUp,
	})
}

// handleMetrics returns the legacy JSON counters. Prometheus-native scrape
// lives at /prometheus.
func (h *APIHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	doc := h.metrics.Snapshot()

	if h.mirror != nil {
		stats := h.mirror.Stats()
		doc["mirror"] = map[string]interface{}{
			"published": stats.Published,
			"failed":    stats.Failed,
		}
	}

	h.writeJSON(w, http.StatusOK, doc)
}

// Utility functions

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, SynthesizeErrorResponse{Error: message, Code: code})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toProbeResult(probe *engine.HealthCheckResult) *ProbeResult {
	if probe == nil {
		return nil
	}
	return &ProbeResult{
		Status:      probe.Status,
		LatencyMs:   probe.Latency.Milliseconds(),
		Message:     probe.Message,
		LastChecked: probe.LastChecked,
	}
}
