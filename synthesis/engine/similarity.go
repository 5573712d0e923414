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
	"strings"
	"unicode"
)

// LexicalScorer scores similarity as the Jaccard index of the two texts'
// case-insensitive token sets: |intersection| / |union|. Word order is
// ignored, so near-paraphrases of the same answer score high while
// disagreeing answers score low.
//
// It is the default Scorer. Deployments that need semantic matching plug
// in an embedding-based Scorer instead.
type LexicalScorer struct{}

// Compile-time interface compliance check.
var _ Scorer = (*LexicalScorer)(nil)

// NewLexicalScorer creates the default lexical scorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

// Score returns the token-set Jaccard similarity of a and b in [0, 1].
// Two empty texts are identical (1); an empty text never matches a
// non-empty one (0).
func (s *LexicalScorer) Score(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// tokenSet splits text into a set of lowercase alphanumeric tokens.
func tokenSet(text string) map[string]bool {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	set := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		set[token] = true
	}
	return set
}
