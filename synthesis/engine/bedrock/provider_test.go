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

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"chorus/platform/synthesis/engine"
)

// stubBedrockClient is a configurable BedrockClient implementation for
// testing. It records the last input it received.
type stubBedrockClient struct {
	response  *anthropicResponse
	err       error
	lastInput *bedrockruntime.InvokeModelInput
}

func (s *stubBedrockClient) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	body, err := json.Marshal(s.response)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func newTestProvider(t *testing.T, client BedrockClient) *Provider {
	t.Helper()
	provider, err := New(context.Background(), Config{Client: client})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return provider
}

func TestNew(t *testing.T) {
	t.Run("defaults with injected client", func(t *testing.T) {
		provider := newTestProvider(t, &stubBedrockClient{})
		if provider.Name() != DefaultName {
			t.Errorf("Name() = %q, want %q", provider.Name(), DefaultName)
		}
		if provider.Type() != engine.ProviderTypeBedrock {
			t.Errorf("Type() = %q, want %q", provider.Type(), engine.ProviderTypeBedrock)
		}
		if provider.config.Region != DefaultRegion {
			t.Errorf("Region = %q, want %q", provider.config.Region, DefaultRegion)
		}
		if provider.config.Model != DefaultModel {
			t.Errorf("Model = %q, want %q", provider.config.Model, DefaultModel)
		}
	})

	t.Run("unsupported model family", func(t *testing.T) {
		_, err := New(context.Background(), Config{
			Client: &stubBedrockClient{},
			Model:  "amazon.titan-text-express-v1",
		})
		if err == nil {
			t.Fatal("New() expected error for non-anthropic family")
		}
		if !strings.Contains(err.Error(), "unsupported model family") {
			t.Errorf("error = %q, want unsupported family message", err)
		}
	})

	t.Run("inference profile prefix accepted", func(t *testing.T) {
		_, err := New(context.Background(), Config{
			Client: &stubBedrockClient{},
			Model:  "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
	})
}

func TestProvider_Generate_Success(t *testing.T) {
	stub := &stubBedrockClient{
		response: &anthropicResponse{
			Content:    []contentBlock{{Type: "text", Text: "Paris is the capital of France."}},
			StopReason: "end_turn",
			Usage:      usageBlock{InputTokens: 12, OutputTokens: 9},
		},
	}
	provider := newTestProvider(t, stub)

	result, err := provider.Generate(context.Background(), engine.GenerationRequest{
		Prompt:      "What is the capital of France?",
		MaxTokens:   100,
		Temperature: 0.5,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if stub.lastInput == nil {
		t.Fatal("InvokeModel never called")
	}
	if got := *stub.lastInput.ModelId; got != DefaultModel {
		t.Errorf("ModelId = %q, want %q", got, DefaultModel)
	}
	if got := *stub.lastInput.ContentType; got != "application/json" {
		t.Errorf("ContentType = %q, want application/json", got)
	}

	var sent anthropicRequest
	if err := json.Unmarshal(stub.lastInput.Body, &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	if sent.AnthropicVersion != anthropicBedrockVersion {
		t.Errorf("anthropic_version = %q, want %q", sent.AnthropicVersion, anthropicBedrockVersion)
	}
	if sent.MaxTokens != 100 {
		t.Errorf("max_tokens = %d, want 100", sent.MaxTokens)
	}
	if len(sent.Messages) != 1 || sent.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want a single user message", sent.Messages)
	}
	if sent.Temperature == nil || *sent.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", sent.Temperature)
	}

	if result.Text != "Paris is the capital of France." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", result.FinishReason)
	}
	if result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 9 || result.Usage.TotalTokens != 21 {
		t.Errorf("Usage = %+v, want 12/9/21", result.Usage)
	}
	if result.Metadata != nil {
		t.Errorf("Metadata = %+v, want nil when usage is reported", result.Metadata)
	}
}

func TestProvider_Generate_EstimatesMissingUsage(t *testing.T) {
	stub := &stubBedrockClient{
		response: &anthropicResponse{
			Content:    []contentBlock{{Type: "text", Text: "a response without usage data"}},
			StopReason: "end_turn",
		},
	}
	provider := newTestProvider(t, stub)

	prompt := "What is the capital of France?"
	result, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	wantIn := len(prompt) / 4
	wantOut := len("a response without usage data") / 4
	if result.Usage.InputTokens != wantIn || result.Usage.OutputTokens != wantOut {
		t.Errorf("Usage = %+v, want estimated %d/%d", result.Usage, wantIn, wantOut)
	}
	if result.Metadata == nil || result.Metadata["usage_estimated"] != true {
		t.Errorf("Metadata = %+v, want usage_estimated flag", result.Metadata)
	}
}

func TestProvider_Generate_InvokeErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "throttled",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, ThrottlingException: Too many requests"),
			wantCode: engine.ErrCodeRateLimit,
		},
		{
			name:     "access denied",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, AccessDeniedException: not authorized"),
			wantCode: engine.ErrCodeAuth,
		},
		{
			name:     "model not found",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, ResourceNotFoundException: model not found"),
			wantCode: engine.ErrCodeModelNotFound,
		},
		{
			name:     "validation",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, ValidationException: malformed input"),
			wantCode: engine.ErrCodeInvalidRequest,
		},
		{
			name:     "model timeout",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, ModelTimeoutException: took too long"),
			wantCode: engine.ErrCodeTimeout,
		},
		{
			name:     "service unavailable",
			err:      errors.New("operation error Bedrock Runtime: InvokeModel, ServiceUnavailableException: try later"),
			wantCode: engine.ErrCodeUnavailable,
		},
		{
			name:     "context deadline",
			err:      context.DeadlineExceeded,
			wantCode: engine.ErrCodeTimeout,
		},
		{
			name:     "unclassified",
			err:      errors.New("something else entirely"),
			wantCode: engine.ErrCodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(t, &stubBedrockClient{err: tt.err})

			_, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})
			if err == nil {
				t.Fatal("Generate() expected error")
			}

			var provErr *engine.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("error type = %T, want *engine.ProviderError", err)
			}
			if provErr.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", provErr.Code, tt.wantCode)
			}
		})
	}
}

func TestProvider_Generate_NoTextContent(t *testing.T) {
	provider := newTestProvider(t, &stubBedrockClient{response: &anthropicResponse{}})

	_, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})
	if err == nil {
		t.Fatal("Generate() expected error for empty content")
	}
	if !strings.Contains(err.Error(), "no text content") {
		t.Errorf("error = %q, want no-text-content message", err)
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	t.Run("missing client skips network call", func(t *testing.T) {
		provider := &Provider{name: DefaultName}

		result, err := provider.HealthCheck(context.Background())
		if err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
		if result.Status != engine.HealthStatusUnhealthy {
			t.Errorf("Status = %q, want unhealthy", result.Status)
		}
	})

	t.Run("one token ping succeeds", func(t *testing.T) {
		stub := &stubBedrockClient{
			response: &anthropicResponse{
				Content:    []contentBlock{{Type: "text", Text: "pong"}},
				StopReason: "max_tokens",
				Usage:      usageBlock{InputTokens: 1, OutputTokens: 1},
			},
		}
		provider := newTestProvider(t, stub)

		result, err := provider.HealthCheck(context.Background())
		if err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
		if result.Status != engine.HealthStatusHealthy {
			t.Errorf("Status = %q, want healthy", result.Status)
		}

		var sent anthropicRequest
		if err := json.Unmarshal(stub.lastInput.Body, &sent); err != nil {
			t.Fatalf("unmarshal sent body: %v", err)
		}
		if sent.MaxTokens != 1 {
			t.Errorf("ping max_tokens = %d, want 1", sent.MaxTokens)
		}
	})

	t.Run("failing ping reports unhealthy", func(t *testing.T) {
		provider := newTestProvider(t, &stubBedrockClient{
			err: errors.New("ThrottlingException: slow down"),
		})

		result, err := provider.HealthCheck(context.Background())
		if err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
		if result.Status != engine.HealthStatusUnhealthy {
			t.Errorf("Status = %q, want unhealthy", result.Status)
		}
	})
}

func TestModelFamily(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"eu.anthropic.claude-3-haiku-20240307-v1:0", "anthropic"},
		{"apac.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"global.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic"},
		{"amazon.titan-text-express-v1", "amazon"},
		{"meta.llama3-70b-instruct-v1:0", "meta"},
		{"mistral.mistral-large-2402-v1:0", "mistral"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := modelFamily(tt.model); got != tt.want {
			t.Errorf("modelFamily(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestIsValidModel(t *testing.T) {
	if !IsValidModel(ModelClaude35SonnetV2) {
		t.Error("default model should be valid")
	}
	if !IsValidModel("us.anthropic.claude-3-5-haiku-20241022-v1:0") {
		t.Error("profile-prefixed anthropic model should be valid")
	}
	if IsValidModel("amazon.titan-text-express-v1") {
		t.Error("non-anthropic family should be invalid")
	}
}
