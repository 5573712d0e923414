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
Package logger provides structured JSON logging for Chorus services.

# Overview

The logger outputs one JSON object per line to stdout, making logs directly
consumable by CloudWatch, Loki, ELK or any other aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (synthesizer, etc.)
  - Instance ID and container name
  - Client ID (the caller the request was served for)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("synthesizer")

Log messages with client and request context:

	log.Info("client-123", "req-456", "Synthesis session started", map[string]interface{}{
	    "providers": 3,
	    "max_rounds": 2,
	})

Log errors with status codes:

	log.ErrorWithCode("client-123", "req-456", "Session failed", 502, err, map[string]interface{}{
	    "attempted": 2,
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("client-123", "req-456", "Session completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-08-15T10:30:00.123456789Z","level":"INFO",
	 "component":"synthesizer","instance_id":"i-abc123","container":"synth-xyz",
	 "client_id":"client-123","request_id":"req-456",
	 "message":"Session completed","fields":{"duration_ms":840}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
