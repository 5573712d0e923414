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

// Package bedrock provides the AWS Bedrock generation backend.
//
// The provider implements engine.Provider over bedrockruntime.InvokeModel
// with the Anthropic-on-Bedrock message body. Credentials come from the
// standard AWS chain; only the region and model are configured here.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"chorus/platform/synthesis/engine"
)

const (
	// DefaultRegion is used when the config does not set one.
	DefaultRegion = "us-east-1"

	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = ModelClaude35SonnetV2

	// DefaultMaxTokens caps generations that do not set their own limit.
	DefaultMaxTokens = 4096

	// DefaultName is the registry name when the config does not set one.
	DefaultName = "bedrock"

	// anthropicBedrockVersion is the protocol version Bedrock expects in
	// Anthropic model bodies.
	anthropicBedrockVersion = "bedrock-2023-05-31"
)

// Supported model IDs.
const (
	ModelClaude35SonnetV2 = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	ModelClaude35Haiku    = "anthropic.claude-3-5-haiku-20241022-v1:0"
	ModelClaude3Sonnet    = "anthropic.claude-3-sonnet-20240229-v1:0"
	ModelClaude3Haiku     = "anthropic.claude-3-haiku-20240307-v1:0"
)

// inferenceProfilePrefixes are regional routing prefixes that may precede a
// model ID (e.g. "us.anthropic.claude-...").
var inferenceProfilePrefixes = []string{"us", "eu", "apac", "global"}

// BedrockClient abstracts the Bedrock runtime API for testability.
type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config holds Bedrock provider configuration.
type Config struct {
	// Name overrides the registry name. Defaults to "bedrock".
	Name string

	// Region is the AWS region. Defaults to DefaultRegion.
	Region string

	// Model is the default model ID for requests that don't specify one.
	// Only the anthropic model family is supported.
	Model string

	// MaxTokens caps generations that don't set their own limit.
	MaxTokens int

	// Client overrides the Bedrock runtime client. Used by tests; when nil
	// a real client is built from the default AWS credential chain.
	Client BedrockClient
}

// Provider calls AWS Bedrock InvokeModel.
type Provider struct {
	name   string
	config Config
	client BedrockClient
}

var _ engine.Provider = (*Provider)(nil)

// New creates a Bedrock provider. When no client is injected the default
// AWS credential chain is loaded for the configured region.
func New(ctx context.Context, config Config) (*Provider, error) {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Region == "" {
		config.Region = DefaultRegion
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	if family := modelFamily(config.Model); family != "anthropic" {
		return nil, fmt.Errorf("bedrock: unsupported model family %q in %q", family, config.Model)
	}

	client := config.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		name:   config.Name,
		config: config,
		client: client,
	}, nil
}

// Name implements engine.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Type implements engine.Provider.
func (p *Provider) Type() engine.ProviderType {
	return engine.ProviderTypeBedrock
}

// anthropicRequest is the Anthropic-on-Bedrock request body.
type anthropicRequest struct {
	AnthropicVersion string         `json:"anthropic_version"`
	MaxTokens        int            `json:"max_tokens"`
	Messages         []inputMessage `json:"messages"`
	System           string         `json:"system,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	StopSequences    []string       `json:"stop_sequences,omitempty"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the Anthropic-on-Bedrock response body.
type anthropicResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usageBlock     `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Generate implements engine.Provider.
func (p *Provider) Generate(ctx context.Context, req engine.GenerationRequest) (*engine.GenerationResult, error) {
	if p.client == nil {
		return nil, engine.NewProviderError(p.name, engine.ErrCodeUnavailable, "bedrock client not configured")
	}

	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	if !IsValidModel(model) {
		return nil, engine.NewProviderError(p.name, engine.ErrCodeModelNotFound,
			fmt.Sprintf("unsupported model %q for the anthropic body format", model))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	body := anthropicRequest{
		AnthropicVersion: anthropicBedrockVersion,
		MaxTokens:        maxTokens,
		Messages:         []inputMessage{{Role: "user", Content: req.Prompt}},
		System:           req.SystemPrompt,
		StopSequences:    req.StopSequences,
	}
	if req.Temperature >= 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	start := time.Now()
	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	latency := time.Since(start)
	if err != nil {
		return nil, p.invokeError(err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
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

	result := &engine.GenerationResult{
		Text:         text.String(),
		Model:        model,
		Latency:      latency,
		FinishReason: mapStopReason(parsed.StopReason),
	}

	if parsed.Usage.InputTokens == 0 && parsed.Usage.OutputTokens == 0 {
		// Some invocation paths omit usage; estimate at ~4 chars per token.
		in := len(req.Prompt) / 4
		outTokens := text.Len() / 4
		result.Usage = engine.TokenUsage{
			InputTokens:  in,
			OutputTokens: outTokens,
			TotalTokens:  in + outTokens,
		}
		result.Metadata = map[string]any{"usage_estimated": true}
	} else {
		result.Usage = engine.TokenUsage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}

	return result, nil
}

// HealthCheck implements engine.Provider with a one-token ping generation.
// A missing client reports unhealthy without a network call.
func (p *Provider) HealthCheck(ctx context.Context) (*engine.HealthCheckResult, error) {
	if p.client == nil {
		return &engine.HealthCheckResult{
			Status:      engine.HealthStatusUnhealthy,
			Message:     "bedrock client not configured",
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

// invokeError translates an InvokeModel failure into a typed provider
// error. The SDK surfaces service exceptions by name in the error text.
func (p *Provider) invokeError(err error) *engine.ProviderError {
	msg := err.Error()

	code := engine.ErrCodeServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = engine.ErrCodeTimeout
	case strings.Contains(msg, "ThrottlingException"):
		code = engine.ErrCodeRateLimit
	case strings.Contains(msg, "AccessDeniedException"),
		strings.Contains(msg, "UnrecognizedClientException"),
		strings.Contains(msg, "ExpiredTokenException"):
		code = engine.ErrCodeAuth
	case strings.Contains(msg, "ResourceNotFoundException"):
		code = engine.ErrCodeModelNotFound
	case strings.Contains(msg, "ValidationException"):
		code = engine.ErrCodeInvalidRequest
	case strings.Contains(msg, "ModelTimeoutException"):
		code = engine.ErrCodeTimeout
	case strings.Contains(msg, "ServiceUnavailableException"),
		strings.Contains(msg, "ModelNotReadyException"):
		code = engine.ErrCodeUnavailable
	}

	perr := engine.NewProviderError(p.name, code, fmt.Sprintf("invoke failed: %v", err))
	perr.Cause = err
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

// modelFamily extracts the vendor family from a Bedrock model ID, skipping
// a regional inference-profile prefix when present.
func modelFamily(model string) string {
	parts := strings.Split(model, ".")
	if len(parts) == 0 {
		return ""
	}
	for _, prefix := range inferenceProfilePrefixes {
		if parts[0] == prefix && len(parts) > 1 {
			return parts[1]
		}
	}
	return parts[0]
}

// GetSupportedModels returns the model IDs this adapter is known to work with.
func GetSupportedModels() []string {
	return []string{
		ModelClaude35SonnetV2,
		ModelClaude35Haiku,
		ModelClaude3Sonnet,
		ModelClaude3Haiku,
	}
}

// IsValidModel reports whether the model ID belongs to the supported family.
func IsValidModel(model string) bool {
	return modelFamily(model) == "anthropic"
}
