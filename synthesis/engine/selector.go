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
	"sort"
)

// Selector turns request preferences and a registry health snapshot into
// an ordered candidate list for a round. Selection is deterministic given
// identical inputs and never mutates health state.
//
// Ordering rules:
//
//  1. Explicit provider with fallback disallowed: the candidate list is
//     exactly that provider, regardless of health. The caller has opted
//     out of degradation; a failure is terminal for the session, not
//     silently substituted.
//  2. Explicit provider with fallback allowed: the explicit provider
//     first, then every other healthy provider by ascending rolling
//     latency, ties broken by registration order.
//  3. No explicit provider: all healthy providers by ascending rolling
//     latency, ties by registration order. If none are healthy, the full
//     provider set in the same order; attempting a degraded provider
//     beats failing immediately.
type Selector struct{}

// NewSelector creates a candidate selector.
func NewSelector() *Selector {
	return &Selector{}
}

// SelectCandidates computes the ordered candidate list for one round.
func (s *Selector) SelectCandidates(prefs Preferences, snapshot map[string]ProviderHealth) []string {
	if prefs.ExplicitProvider != "" && !prefs.AllowFallback {
		return []string{prefs.ExplicitProvider}
	}

	healthy := orderedNames(snapshot, true)

	if prefs.ExplicitProvider != "" {
		candidates := make([]string, 0, len(healthy)+1)
		candidates = append(candidates, prefs.ExplicitProvider)
		for _, name := range healthy {
			if name != prefs.ExplicitProvider {
				candidates = append(candidates, name)
			}
		}
		return candidates
	}

	if len(healthy) > 0 {
		return healthy
	}

	return orderedNames(snapshot, false)
}

// orderedNames returns provider names sorted by ascending rolling latency,
// ties broken by registration order. With healthyOnly set, unhealthy
// providers are excluded.
func orderedNames(snapshot map[string]ProviderHealth, healthyOnly bool) []string {
	records := make([]ProviderHealth, 0, len(snapshot))
	for _, h := range snapshot {
		if healthyOnly && !h.Healthy {
			continue
		}
		records = append(records, h)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].RollingLatency != records[j].RollingLatency {
			return records[i].RollingLatency < records[j].RollingLatency
		}
		return records[i].registrationIndex < records[j].registrationIndex
	})

	names := make([]string, len(records))
	for i, h := range records {
		names[i] = h.Name
	}
	return names
}
