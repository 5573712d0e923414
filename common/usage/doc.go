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

/*
Package usage records synthesis activity to PostgreSQL for cost accounting
and analytics.

# Overview

Two tables are written, one row per provider call and one row per terminal
session:

  - generation_calls: outcome, latency, token usage and cost of a single
    provider call within a session
  - synthesis_sessions: the terminal summary of a session, including the
    provider fallback chain and aggregate cost

# Usage Recording

Create a recorder with a database connection:

	recorder := usage.NewRecorder(db)

Record a provider call:

	recorder.RecordCall(ctx, usage.CallRecord{
	    SessionID: "0f8fad5b",
	    Provider:  "openai",
	    Model:     "gpt-4o",
	    Status:    "success",
	    LatencyMs: 840,
	    TokensIn:  150,
	    TokensOut: 200,
	})

Recording never returns an error: insert failures are logged and dropped so
telemetry cannot interfere with serving the session. A recorder built from a
nil *sql.DB is a no-op, which is the degraded posture when the service starts
without a database.

# Cost Calculation

Call costs are derived from a per-model pricing table of per-1K-token USD
rates:

	cost := usage.CalculateCostUSD("gpt-4o", tokensIn, tokensOut)

Models missing from the table are charged at the default rate. Session rows
carry the sum of their per-call costs, supplied by the caller.

# Thread Safety

Recorder is safe for concurrent use. Recording methods are designed to be
called fire-and-forget from short-lived goroutines.
*/
package usage
