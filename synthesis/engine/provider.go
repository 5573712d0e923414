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
)

// Provider is the generation capability consumed by the engine.
// One instance exists per vendor backend. Implementations must be safe
// for concurrent use.
//
// The engine depends only on this interface, never on vendor-specific
// request or response types. Vendor adapters live in the openai,
// anthropic, gemini, and bedrock subpackages.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and telemetry.
	// Example: "anthropic-primary", "openai-backup"
	Name() string

	// Type returns the provider type (e.g., "openai", "anthropic").
	// This identifies the underlying implementation.
	Type() ProviderType

	// Generate produces a completion for the given request.
	// The context carries the per-call timeout; implementations must
	// honor cancellation. Failures should be returned as *ProviderError
	// so the dispatcher can classify and record them.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)

	// HealthCheck verifies the provider is operational, typically with a
	// minimal one-token generation. It should complete within a short
	// timeout (e.g., 10s) and never mutate provider state beyond its own
	// connectivity bookkeeping.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// Note: Compile-time interface compliance checks live with each adapter
// (var _ Provider = (*openai.Provider)(nil) and so on) and with the stub
// implementations in the package tests.
