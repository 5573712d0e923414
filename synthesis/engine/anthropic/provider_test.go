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

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chorus/platform/synthesis/engine"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func newTestProvider(t *testing.T, client HTTPClient) *Provider {
	t.Helper()
	provider, err := New(Config{APIKey: "test-api-key"})
	require.NoError(t, err)
	provider.SetHTTPClient(client)
	return provider
}

func messageBody(t *testing.T, model string, blocks ...contentBlock) []byte {
	t.Helper()
	body, err := json.Marshal(messagesResponse{
		ID:         "msg_123",
		Model:      model,
		Content:    blocks,
		StopReason: "end_turn",
		Usage:      messagesUsage{InputTokens: 10, OutputTokens: 8},
	})
	require.NoError(t, err)
	return body
}

func TestNew_Defaults(t *testing.T) {
	provider, err := New(Config{APIKey: "test-api-key"})

	require.NoError(t, err)
	assert.Equal(t, DefaultName, provider.Name())
	assert.Equal(t, engine.ProviderTypeAnthropic, provider.Type())
	assert.Equal(t, DefaultBaseURL, provider.config.BaseURL)
	assert.Equal(t, DefaultAPIVersion, provider.config.APIVersion)
	assert.Equal(t, DefaultModel, provider.config.Model)
	assert.Equal(t, DefaultTimeout, provider.config.Timeout)
}

func TestNew_CustomConfig(t *testing.T) {
	provider, err := New(Config{
		APIKey:     "test-api-key",
		BaseURL:    "https://custom.anthropic.com",
		APIVersion: "2024-01-01",
		Model:      ModelClaude3Opus,
		Timeout:    60 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "https://custom.anthropic.com", provider.config.BaseURL)
	assert.Equal(t, "2024-01-01", provider.config.APIVersion)
	assert.Equal(t, ModelClaude3Opus, provider.config.Model)
	assert.Equal(t, 60*time.Second, provider.config.Timeout)
}

func TestNew_MissingAPIKey(t *testing.T) {
	provider, err := New(Config{})

	assert.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestProvider_Generate_Success(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(t, mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == DefaultBaseURL+"/v1/messages" &&
			req.Header.Get("x-api-key") == "test-api-key" &&
			req.Header.Get("anthropic-version") == DefaultAPIVersion &&
			req.Header.Get("Content-Type") == "application/json"
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body: io.NopCloser(bytes.NewReader(messageBody(t, ModelClaude35Sonnet,
			contentBlock{Type: "text", Text: "Paris is the capital of France."}))),
	}, nil)

	result, err := provider.Generate(context.Background(), engine.GenerationRequest{
		Prompt:      "What is the capital of France?",
		MaxTokens:   100,
		Temperature: 0.7,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result.Text)
	assert.Equal(t, ModelClaude35Sonnet, result.Model)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.Equal(t, 8, result.Usage.OutputTokens)
	assert.Equal(t, 18, result.Usage.TotalTokens)
	assert.Greater(t, result.Latency, time.Duration(0))

	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_ConcatenatesTextBlocks(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(t, mockClient)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body: io.NopCloser(bytes.NewReader(messageBody(t, DefaultModel,
			contentBlock{Type: "text", Text: "First part. "},
			contentBlock{Type: "tool_use", Text: "ignored"},
			contentBlock{Type: "text", Text: "Second part."}))),
	}, nil)

	result, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})

	require.NoError(t, err)
	assert.Equal(t, "First part. Second part.", result.Text)
}

func TestProvider_Generate_RequiredMaxTokensDefaulted(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(t, mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))

		var parsed messagesRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			return false
		}
		return parsed.MaxTokens == DefaultMaxTokens
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body: io.NopCloser(bytes.NewReader(messageBody(t, DefaultModel,
			contentBlock{Type: "text", Text: "ok"}))),
	}, nil)

	_, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})

	require.NoError(t, err)
	mockClient.AssertExpectations(t)
}

func TestProvider_Generate_APIErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errType    string
		wantCode   string
	}{
		{
			name:       "rate limited",
			statusCode: http.StatusTooManyRequests,
			errType:    "rate_limit_error",
			wantCode:   engine.ErrCodeRateLimit,
		},
		{
			name:       "bad key",
			statusCode: http.StatusUnauthorized,
			errType:    "authentication_error",
			wantCode:   engine.ErrCodeAuth,
		},
		{
			name:       "permission denied",
			statusCode: http.StatusForbidden,
			errType:    "permission_error",
			wantCode:   engine.ErrCodeAuth,
		},
		{
			name:       "overloaded maps to unavailable",
			statusCode: 529,
			errType:    "overloaded_error",
			wantCode:   engine.ErrCodeUnavailable,
		},
		{
			name:       "unknown model",
			statusCode: http.StatusNotFound,
			errType:    "not_found_error",
			wantCode:   engine.ErrCodeModelNotFound,
		},
		{
			name:       "malformed request",
			statusCode: http.StatusBadRequest,
			errType:    "invalid_request_error",
			wantCode:   engine.ErrCodeInvalidRequest,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			errType:    "api_error",
			wantCode:   engine.ErrCodeServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockHTTPClient)
			provider := newTestProvider(t, mockClient)

			errorResp := `{"type":"error","error":{"type":"` + tt.errType + `","message":"upstream detail"}}`
			mockClient.On("Do", mock.Anything).Return(&http.Response{
				StatusCode: tt.statusCode,
				Body:       io.NopCloser(strings.NewReader(errorResp)),
			}, nil)

			result, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})

			assert.Error(t, err)
			assert.Nil(t, result)

			var provErr *engine.ProviderError
			require.True(t, errors.As(err, &provErr))
			assert.Equal(t, tt.wantCode, provErr.Code)
			assert.Equal(t, tt.statusCode, provErr.StatusCode)
			assert.Equal(t, "upstream detail", provErr.Message)
		})
	}
}

func TestProvider_Generate_TransportError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(t, mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection reset"))

	_, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})

	var provErr *engine.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, engine.ErrCodeUnavailable, provErr.Code)
}

func TestProvider_Generate_NoTextContent(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(t, mockClient)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(messageBody(t, DefaultModel))),
	}, nil)

	result, err := provider.Generate(context.Background(), engine.GenerationRequest{Prompt: "Test"})

	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "no text content")
}

func TestProvider_HealthCheck(t *testing.T) {
	t.Run("missing API key skips network call", func(t *testing.T) {
		provider := &Provider{name: DefaultName}

		result, err := provider.HealthCheck(context.Background())

		require.NoError(t, err)
		assert.Equal(t, engine.HealthStatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "API key")
	})

	t.Run("one token ping succeeds", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		provider := newTestProvider(t, mockClient)

		mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
			body, _ := io.ReadAll(req.Body)
			req.Body = io.NopCloser(bytes.NewReader(body))

			var parsed messagesRequest
			if err := json.Unmarshal(body, &parsed); err != nil {
				return false
			}
			return parsed.MaxTokens == 1 && len(parsed.Messages) == 1
		})).Return(&http.Response{
			StatusCode: http.StatusOK,
			Body: io.NopCloser(bytes.NewReader(messageBody(t, DefaultModel,
				contentBlock{Type: "text", Text: "pong"}))),
		}, nil)

		result, err := provider.HealthCheck(context.Background())

		require.NoError(t, err)
		assert.Equal(t, engine.HealthStatusHealthy, result.Status)

		mockClient.AssertExpectations(t)
	})

	t.Run("overloaded ping reports unhealthy", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		provider := newTestProvider(t, mockClient)

		mockClient.On("Do", mock.Anything).Return(&http.Response{
			StatusCode: 529,
			Body:       io.NopCloser(strings.NewReader(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)),
		}, nil)

		result, err := provider.HealthCheck(context.Background())

		require.NoError(t, err)
		assert.Equal(t, engine.HealthStatusUnhealthy, result.Status)
		assert.Contains(t, result.Message, "Overloaded")
	})
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "stop", mapStopReason("stop_sequence"))
	assert.Equal(t, "max_tokens", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_use", mapStopReason("tool_use"))
}

func TestIsValidModel(t *testing.T) {
	assert.True(t, IsValidModel(ModelClaude35Sonnet))
	assert.True(t, IsValidModel("claude-4-experimental"))
	assert.False(t, IsValidModel("gpt-4o"))
	assert.False(t, IsValidModel(""))
}
