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

// Package openai provides the OpenAI chat-completions generation backend.
//
// The provider implements engine.Provider over the /v1/chat/completions
// endpoint with bearer authentication. Streaming is not exposed; every
// generation is a single synchronous exchange.
package openai

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
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = ModelGPT4o

	// DefaultTimeout bounds the underlying HTTP client.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens caps generations that do not set their own limit.
	DefaultMaxTokens = 4096

	// DefaultName is the registry name when the config does not set one.
	DefaultName = "openai"
)

// Supported models.
const (
	ModelGPT4o      = "gpt-4o"
	ModelGPT4oMini  = "gpt-4o-mini"
	ModelGPT4Turbo  = "gpt-4-turbo"
	ModelGPT4       = "gpt-4"
	ModelGPT35Turbo = "gpt-3.5-turbo"
)

// HTTPClient abstracts the HTTP transport for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds OpenAI provider configuration.
type Config struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// Name overrides the registry name. Defaults to "openai".
	Name string

	// BaseURL overrides the API endpoint. Defaults to DefaultBaseURL.
	BaseURL string

	// Model is the default model for requests that don't specify one.
	Model string

	// Timeout for HTTP requests. Defaults to DefaultTimeout.
	Timeout time.Duration

	// MaxTokens caps generations that don't set their own limit.
	MaxTokens int
}

// Provider calls the OpenAI chat-completions API.
type Provider struct {
	name   string
	config Config
	client HTTPClient
}

var _ engine.Provider = (*Provider)(nil)

// New creates an OpenAI provider. The API key is required; everything else
// defaults.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
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
	return engine.ProviderTypeOpenAI
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the chat-completions response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// apiErrorBody is the error envelope OpenAI returns on non-200 responses.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
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

	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stop:      req.StopSequences,
	}
	if req.Temperature >= 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

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

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		perr := engine.NewProviderError(p.name, engine.ErrCodeServerError, "failed to decode response")
		perr.Cause = err
		return nil, perr
	}
	if len(parsed.Choices) == 0 {
		return nil, engine.NewProviderError(p.name, engine.ErrCodeServerError, "response contained no choices")
	}

	choice := parsed.Choices[0]
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}

	return &engine.GenerationResult{
		Text:  choice.Message.Content,
		Model: respModel,
		Usage: engine.TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
		Latency:      time.Since(start),
		FinishReason: mapFinishReason(choice.FinishReason),
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
func (p *Provider) parseAPIError(statusCode int, body []byte) *engine.ProviderError {
	var envelope apiErrorBody
	message := string(body)
	errCode := ""
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		errCode = envelope.Error.Code
	}

	code := engine.ErrCodeServerError
	switch {
	case statusCode == http.StatusTooManyRequests:
		code = engine.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		code = engine.ErrCodeAuth
	case statusCode == http.StatusNotFound:
		code = engine.ErrCodeModelNotFound
	case statusCode == http.StatusBadRequest:
		if errCode == "context_length_exceeded" {
			code = engine.ErrCodeContextLength
		} else {
			code = engine.ErrCodeInvalidRequest
		}
	case statusCode >= 500:
		code = engine.ErrCodeServerError
	}

	perr := engine.NewProviderError(p.name, code, message)
	perr.StatusCode = statusCode
	return perr
}

// mapFinishReason converts OpenAI finish reasons to the engine vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "stop"
	case "length":
		return "max_tokens"
	case "content_filter":
		return "content_filter"
	default:
		return reason
	}
}

// GetSupportedModels returns the models this adapter is known to work with.
func GetSupportedModels() []string {
	return []string{
		ModelGPT4o,
		ModelGPT4oMini,
		ModelGPT4Turbo,
		ModelGPT4,
		ModelGPT35Turbo,
	}
}

// IsValidModel reports whether the model name looks like an OpenAI model.
func IsValidModel(model string) bool {
	for _, m := range GetSupportedModels() {
		if m == model {
			return true
		}
	}
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1-")
}
