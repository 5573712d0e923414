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

package usage

// Provider pricing as of August 2025, in USD per 1K tokens.

// ModelPricing contains the per-1K-token rates for a specific model
type ModelPricing struct {
	InputPer1K  float64 // USD per 1K input tokens
	OutputPer1K float64 // USD per 1K output tokens
}

// modelPricing maps model identifiers to pricing. Bedrock models are keyed
// by their full Bedrock model ID, so the table stays unambiguous across
// vendors even when the same underlying model is reachable two ways.
var modelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// Anthropic
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-sonnet-20240229":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},

	// Google Gemini
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	"gemini-1.0-pro":   {InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// AWS Bedrock (Anthropic model family)
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"anthropic.claude-3-sonnet-20240229-v1:0":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},

	// Default fallback pricing (conservative estimate)
	"default": {InputPer1K: 0.005, OutputPer1K: 0.015},
}

// GetModelPricing returns the rates for a model, falling back to the default
// rates when the model is not in the table.
func GetModelPricing(model string) ModelPricing {
	pricing, ok := modelPricing[model]
	if !ok {
		return modelPricing["default"]
	}
	return pricing
}

// CalculateCostUSD computes the USD cost of one generation call from its
// token counts.
func CalculateCostUSD(model string, tokensIn, tokensOut int) float64 {
	pricing := GetModelPricing(model)
	inputCost := float64(tokensIn) / 1000.0 * pricing.InputPer1K
	outputCost := float64(tokensOut) / 1000.0 * pricing.OutputPer1K
	return inputCost + outputCost
}
