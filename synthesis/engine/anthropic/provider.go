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

// Package anthropic provides the Anthropic Claude generation backend.
//
// The provider implements engine.Provider over the /v1/messages endpoint
// using x-api-key authentication and a pinned anthropic-version. Multi-block
// responses are concatenated into a single text answer.
package anthropic

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
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the anthropic-version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = ModelClaude35Sonnet

	// DefaultTimeout bounds the underlying HTTP client.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens caps generations that do not set their own limit.
	// The messages API requires an explicit max_tokens on every request.
	DefaultMaxTokens = 4096

	// DefaultName is the registry name when the config does not set one.
	DefaultName = "anthropic"
)

// Supported models.
const (
	ModelClaude35Sonnet = "claude-3-5-sonnet-20241022"
	ModelClaude35Haiku  = "claude-3-5-haiku-20241022"
	ModelClaude3Opus    = "claude-3-opus-20240229"
	ModelClaude3Sonnet  = "claude-3-sonnet-20240229"
	ModelClaude3Haiku   = "claude-3-haiku-20240307"
)

// HTTPClient abstracts the HTTP transport for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds Anthropic provider configuration.
type Config struct {
	// APIKey is the Anthropic API key (required).
	APIKey string

	// Name overrides the registry name. Defaults to "anthropic".
	Name string

	// BaseURL overrides the API endpoint. Defaults to DefaultBaseURL.
	BaseURL string

	// APIVersion overrides the anthropic-version header.
	APIVersion string

	// Model is the default model for requests that don't specify one.
	Model string

	// Timeout for HTTP requests. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxTokens caps generations that don't set their own limit.
	MaxTokens int
}

// Provider calls the Anthropic messages API.
type Provider struct {
	name   string
	config Config
	client HTTPClient
}

var _ engine.Provider = (*Provider)(nil)

// New creates an Anthropic provider. The API key is required; everything
// else defaults.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
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
	return engine.ProviderTypeAnthropic
}

// messagesRequest is the messages API request body.
type messagesRequest struct {
	Model         string         `json:"model"`
	Messages      []inputMessage `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	System        string         `json:"system,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the messages API response body.
type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      messagesUsage  `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// apiErrorBody is the error envelope Anthropic returns on non-200 responses.
type apiErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
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

	body := messagesRequest{
		Model:         model,
		Messages:      []inputMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		StopSequences: req.StopSequences,
	}
	if req.Temperature >= 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", p.config.APIVersion)

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

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		perr := engine.NewProviderError(p.name, engine.ErrCodeServerError, "failed to decode response")
		perr.Cause = err
		return nil, perr
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, engine.NewProviderError(p.name, engine.ErrCodeServerError, "response contained no text content")
	}

	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	inputTokens := parsed.Usage.InputTokens
	outputTokens := parsed.Usage.OutputTokens

	return &engine.GenerationResult{
		Text:  text.String(),
		Model: respModel,
		Usage: engine.TokenUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: mapStopReason(parsed.StopReason),
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

// parseAPIError translates a non-200 response into a typed provider error.
// Anthropic reports a vendor error type in the body; overload is mapped to
// unavailable so the selector can route around it.
func (p *Provider) parseAPIError(statusCode int, body []byte) *engine.ProviderError {
	var envelope apiErrorBody
	message := string(body)
	errType := ""
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		errType = envelope.Error.Type
	}

	code := engine.ErrCodeServerError
	switch errType {
	case "rate_limit_error":
		code = engine.ErrCodeRateLimit
	case "authentication_error", "permission_error":
		code = engine.ErrCodeAuth
	case "invalid_request_error":
		code = engine.ErrCodeInvalidRequest
	case "not_found_error":
		code = engine.ErrCodeModelNotFound
	case "overloaded_error":
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

// mapStopReason converts Anthropic stop reasons to the engine vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "max_tokens"
	default:
		return reason
	}
}

// GetSupportedModels returns the models this adapter is known to work with.
func GetSupportedModels() []string {
	return []string{
		ModelClaude35Sonnet,
		ModelClaude35Haiku,
		ModelClaude3Opus,
		ModelClaude3Sonnet,
		ModelClaude3Haiku,
	}
}

// IsValidModel reports whether the model name looks like a Claude model.
func IsValidModel(model string) bool {
	for _, m := range GetSupportedModels() {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "claude-")
}
