// Copyright 2025 Chorus
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package engine implements multi-provider generation orchestration with
convergence detection.

# Overview

The engine fans a single prompt out across independent AI-generation
providers, tolerates individual provider failure without failing the
request, and optionally runs multiple rounds of generation until provider
outputs agree closely enough to be treated as one answer.

The package is transport- and storage-free: it depends only on the
Provider capability interface, a pluggable similarity Scorer, and an
optional TelemetrySink. Vendor adapters live in subpackages (openai,
anthropic, gemini, bedrock); persistence and HTTP wiring live in the
synthesis service package.

# Components

  - Registry: registered providers plus rolling health state per provider.
    RecordOutcome is the single mutation path for health; Snapshot returns
    immutable copies for selectors.
  - Selector: turns request preferences and a health snapshot into a
    deterministic ordered candidate list.
  - Dispatcher: runs one round of bounded concurrent calls with a per-call
    timeout and one RoundResult per candidate; never retries.
  - Evaluator: scores pairwise agreement between successful outputs and
    decides converged / continue / exhausted.
  - Coordinator: drives the round-by-round session state machine and
    produces the final SessionResult or SessionError.

# Usage

	registry := engine.NewRegistry()
	if err := registry.Register(openaiProvider); err != nil {
		log.Fatal(err)
	}
	if err := registry.Register(anthropicProvider); err != nil {
		log.Fatal(err)
	}

	coord := engine.NewCoordinator(registry,
		engine.WithCallTimeout(30*time.Second),
		engine.WithTelemetry(sink),
	)

	result, err := coord.Synthesize(ctx, "What is the capital of France?", engine.Preferences{
		AllowFallback:        true,
		MaxRounds:            3,
		ConvergenceThreshold: 0.8,
	})

# Error Handling

Per-call failures are recovered locally by falling back to the next
candidate; only total exhaustion surfaces as an error:

	result, err := coord.Synthesize(ctx, prompt, prefs)
	if err != nil {
		var sessErr *engine.SessionError
		if errors.As(err, &sessErr) {
			// Every candidate failed across every round; sessErr.Attempted
			// lists each provider with its last error.
		}
	}

# Thread Safety

The Registry serializes health updates internally and is safe for
concurrent use. A Coordinator may serve concurrent Synthesize calls;
session state is per-call and never shared.
*/
package engine
