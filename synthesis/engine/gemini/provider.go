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

// Package gemini provides the Google Gemini generation backend.
//
// The provider implements engine.Provider over the generateContent endpoint.
// The API key travels as a query parameter and the model is part of the
// request path, so the URL is rebuilt per call.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chorus/platform/synthesis/engine"
)

const (
	// DefaultBaseURL is the Generative Language API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the API version path segment.
	DefaultAPIVersion = "v1beta"

	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = ModelGemini15Pro

	// DefaultTimeout bounds the underlying HTTP client.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens caps generations that do not set their own limit.
	DefaultMaxTokens = 4096

	// DefaultName is the registry name when the config does not set one.
	DefaultName = "gemini"
)

// Supported models.
const (
	ModelGemini15Pro   = "gemini-1.5-pro"
	ModelGemini15Flash = "gemini-1.5-flash"
	ModelGemini10Pro   = "gemini-1.0-pro"
)

// HTTPClient abstracts the HTTP transport for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds Gemini provider configuration.
type Config struct {
	// APIKey is the Google AI API key (required).
	APIKey string

	// Name overrides the registry name. Defaults to "gemini".
	Name string

	// BaseURL overrides the API endpoint. Defaults to DefaultBaseURL.
	BaseURL string

	// APIVersion overrides the version path segment. Defaults to v1beta.
	APIVersion string

	// Model is the default model for requests that don't specify one.
	Model string

	// Timeout for HTTP requests. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxTokens caps generations that don't set their own limit.
	MaxTokens int
}

// Provider calls the Gemini generateContent API.
type Provider struct {
	name   string
	config Config
	client HTTPClient
}

var _ engine.Provider = (*Provider)(nil)

// New creates a Gemini provider. The API key is required; everything else
// defaults.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	return &Provider{
		name:   config.Name,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// SetHTTPClient replaces the HTTP client. Used by tests.
func (p *Provider) SetHTTPClient(client HTTPClient) {
	p.client = client
}

// Name implements engine.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Type implements engine.Provider.
func (p *Provider) Type() engine.ProviderType {
	return engine.ProviderTypeGemini
}

// endpoint builds the per-call generateContent URL.
func (p *Provider) endpoint(model string) string {
	return fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		p.config.BaseURL, p.config.APIVersion, model, p.config.APIKey)
}

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents          []content       `json:"contents"`
	GenerationConfig  *generateConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// generateResponse is the generateContent response body.
type generateResponse struct {
	Candidates     []candidate    `json:"candidates"`
	PromptFeedback *promptFeedack `json:"promptFeedback,omitempty"`
	UsageMetadata  usageMetadata  `json:"usageMetadata"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedack struct {
	BlockReason string `json:"blockReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// apiErrorBody is the error envelope Google APIs return on failure.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate implements engine.Provider.
func (p *Provider) Generate(ctx context.Context, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: &generateConfig{
			MaxOutputTokens: maxTokens,
			StopSequences:   req.StopSequences,
		},
	}
	if req.Temperature >= 0 {
		temp := req.Temperature
		body.GenerationConfig.Temperature = &temp
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		perr := engine.NewProviderError(p.name, engine.ErrCodeServerError, "failed to read response body")
		perr.Cause = err
		return nil, perr
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseAPIError(resp.StatusCode, respBody)
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		perr := engine.NewProviderError(p.name, engine.ErrCodeServerError, "failed to decode response")
		perr.Cause = err
		return nil, perr
	}

	if len(parsed.Candidates) == 0 {
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return nil, engine.NewProviderError(p.name, engine.ErrCodeContentFilter,
				fmt.Sprintf("prompt blocked: %s", parsed.PromptFeedback.BlockReason))
		}
		return nil, engine.NewProviderError(p.name, engine.ErrCodeServerError, "response contained no candidates")
	}

	first := parsed.Candidates[0]
	var text strings.Builder
	for _, pt := range first.Content.Parts {
		text.WriteString(pt.Text)
	}
	if text.Len() == 0 && (first.FinishReason == "SAFETY" || first.FinishReason == "RECITATION") {
		return nil, engine.NewProviderError(p.name, engine.ErrCodeContentFilter,
			fmt.Sprintf("candidate suppressed: %s", first.FinishReason))
	}

	return &engine.GenerationResult{
		Text:  text.String(),
		Model: model,
		Usage: engine.TokenUsage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		},
		Latency:      time.Since(start),
		FinishReason: mapFinishReason(first.FinishReason),
	}, nil
}

// HealthCheck implements engine.Provider with a one-token ping generation.
// A missing API key reports unhealthy without a network call.
func (p *Provider) HealthCheck(ctx context.Context) (*engine.HealthCheckResult, error) {
	if p.config.APIKey == "" {
		return &engine.HealthCheckResult{
			Status:      engine.HealthStatusUnhealthy,
			Message:     "API key not configured",
			LastChecked: time.Now(),
		}, nil
	}

	start := time.Now()
	_, err := p.Generate(ctx, engine.GenerationRequest{Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)

	if err != nil {
		return &engine.HealthCheckResult{
			Status:      engine.HealthStatusUnhealthy,
			Latency:     latency,
			Message:     err.Error(),
			LastChecked: time.Now(),
		}, nil
	}

	return &engine.HealthCheckResult{
		Status:      engine.HealthStatusHealthy,
		Latency:     latency,
		Message:     "one-token generation succeeded",
		LastChecked: time.Now(),
	}, nil
}

// transportError wraps a client.Do failure, keeping context deadline expiry
// classifiable as a timeout.
func (p *Provider) transportError(err error) *engine.ProviderError {
	code := engine.ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = engine.ErrCodeTimeout
	}
	perr := engine.NewProviderError(p.name, code, fmt.Sprintf("request failed: %v", err))
	perr.Cause = err
	return perr
}

// parseAPIError translates a failed response into a typed provider error.
// Google reports a gRPC-style status string alongside the HTTP code.
func (p *Provider) parseAPIError(statusCode int, body []byte) *engine.ProviderError {
	var envelope apiErrorBody
	message := string(body)
	status := ""
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		status = envelope.Error.Status
	}

	code := engine.ErrCodeServerError
	switch status {
	case "RESOURCE_EXHAUSTED":
		code = engine.ErrCodeRateLimit
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		code = engine.ErrCodeAuth
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		code = engine.ErrCodeInvalidRequest
	case "NOT_FOUND":
		code = engine.ErrCodeModelNotFound
	case "UNAVAILABLE":
		code = engine.ErrCodeUnavailable
	default:
		switch {
		case statusCode == http.StatusTooManyRequests:
			code = engine.ErrCodeRateLimit
		case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
			code = engine.ErrCodeAuth
		case statusCode == http.StatusNotFound:
			code = engine.ErrCodeModelNotFound
		case statusCode == http.StatusBadRequest:
			code = engine.ErrCodeInvalidRequest
		}
	}

	perr := engine.NewProviderError(p.name, code, message)
	perr.StatusCode = statusCode
	return perr
}

// mapFinishReason converts Gemini finish reasons to the engine vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// GetSupportedModels returns the models this adapter is known to work with.
func GetSupportedModels() []string {
	return []string{
		ModelGemini15Pro,
		ModelGemini15Flash,
		ModelGemini10Pro,
	}
}

// IsValidModel reports whether the model name looks like a Gemini model.
func IsValidModel(model string) bool {
	for _, m := range GetSupportedModels() {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gemini-")
}
