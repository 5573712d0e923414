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
	"fmt"
)

// DefaultConvergenceThreshold is the mean pairwise agreement at or above
// which outputs are considered converged when the caller does not set one.
const DefaultConvergenceThreshold = 0.8

// Scorer is the pluggable similarity capability consumed by the evaluator.
// The contract is stable regardless of implementation (lexical overlap,
// embedding cosine, ...): two texts in, a score in [0, 1] out, where 1
// means identical meaning and 0 means no agreement.
//
// Implementations must be safe for concurrent use and deterministic for
// identical inputs.
type Scorer interface {
	Score(a, b string) float64
}

// Evaluator scores inter-provider agreement across the successful results
// accumulated so far and decides whether they have converged.
//
// Evaluation is purely a function of the successful results: failed and
// timed-out calls are excluded from scoring but stay in the session
// history for diagnostics.
type Evaluator struct {
	scorer Scorer
}

// NewEvaluator creates an evaluator. A nil scorer selects the lexical
// token-overlap default.
func NewEvaluator(scorer Scorer) *Evaluator {
	if scorer == nil {
		scorer = NewLexicalScorer()
	}
	return &Evaluator{scorer: scorer}
}

// Evaluate computes the agreement decision for all results so far.
//
//   - Zero successful results: not converged, "no successful output".
//   - Exactly one successful result: converged, since there is nothing to
//     compare against. This is the common single-provider case.
//   - Two or more: the mean pairwise similarity between all successful
//     outputs, converged when it meets the threshold.
//
// A threshold outside (0, 1] selects DefaultConvergenceThreshold.
func (e *Evaluator) Evaluate(results []RoundResult, threshold float64) ConvergenceScore {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConvergenceThreshold
	}

	var texts []string
	for _, r := range results {
		if r.Succeeded() {
			texts = append(texts, r.Text)
		}
	}

	switch len(texts) {
	case 0:
		return ConvergenceScore{
			PairwiseAgreement: 0,
			Converged:         false,
			Reason:            "no successful output",
			Samples:           0,
		}
	case 1:
		return ConvergenceScore{
			PairwiseAgreement: 1,
			Converged:         true,
			Reason:            "single successful output",
			Samples:           1,
		}
	}

	var total float64
	pairs := 0
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			total += clamp01(e.scorer.Score(texts[i], texts[j]))
			pairs++
		}
	}

	agreement := total / float64(pairs)
	converged := agreement >= threshold

	comparison := "<"
	if converged {
		comparison = ">="
	}

	return ConvergenceScore{
		PairwiseAgreement: agreement,
		Converged:         converged,
		Reason:            fmt.Sprintf("agreement %.2f %s threshold %.2f", agreement, comparison, threshold),
		Samples:           len(texts),
	}
}

// clamp01 bounds scorer output to [0, 1] so a misbehaving scorer cannot
// skew the mean outside the contract range.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
