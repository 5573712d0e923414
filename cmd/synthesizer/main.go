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

// Package main is the entry point for the Chorus Synthesizer service.
//
// The Synthesizer is a multi-provider generation service that:
// - Fans a prompt out to registered AI providers (OpenAI, Anthropic, Gemini, Bedrock)
// - Scores candidate outputs and converges on a consensus answer
// - Falls back across providers when calls fail or time out
// - Meters token usage and cost per client
//
// Usage:
//
//	./synthesizer
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8090)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis URL for the live session mirror (optional)
//	OPENAI_API_KEY - OpenAI API key (optional)
//	ANTHROPIC_API_KEY - Anthropic API key (optional)
//	GEMINI_API_KEY - Google Gemini API key (optional)
//	BEDROCK_REGION - AWS Bedrock region (optional)
//	PROVIDER_MANIFEST - Path to a provider manifest YAML (optional)
//
// For more information, see https://docs.chorus.dev
package main

import (
	"chorus/platform/synthesis"
)

func main() {
	synthesis.Run()
}
