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

// Package mirror publishes terminal session summaries to Redis so operators
// can inspect recent synthesis activity without touching PostgreSQL.
//
// Publication is fire-and-forget: Redis outages increment a failure counter
// and are otherwise invisible to the request path. Summaries expire after a
// TTL (24h by default) and the newest 100 session IDs are kept in a list for
// dashboards.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	sessionKeyPrefix  = "chorus:session:"
	recentSessionsKey = "chorus:sessions:recent"
	recentSessionsMax = 100

	// DefaultSessionTTL is how long a published summary stays readable.
	DefaultSessionTTL = 24 * time.Hour

	connectTimeout = 5 * time.Second
)

// ErrSessionNotFound is returned by GetSession when the session was never
// published or its TTL has expired.
var ErrSessionNotFound = errors.New("session not found in mirror")

// SessionSummary is the JSON document stored per session.
type SessionSummary struct {
	SessionID          string    `json:"session_id"`
	ClientID           string    `json:"client_id,omitempty"`
	Text               string    `json:"text,omitempty"`
	Provider           string    `json:"provider,omitempty"`
	Model              string    `json:"model,omitempty"`
	Outcome            string    `json:"outcome"`
	Converged          bool      `json:"converged"`
	Agreement          float64   `json:"agreement"`
	RoundsExecuted     int       `json:"rounds_executed"`
	ProvidersAttempted []string  `json:"providers_attempted,omitempty"`
	TotalLatencyMs     int64     `json:"total_latency_ms"`
	TokensIn           int       `json:"tokens_in"`
	TokensOut          int       `json:"tokens_out"`
	CreatedAt          time.Time `json:"created_at"`
}

// Stats reports how many publications succeeded and failed since startup.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Mirror is a live session mirror backed by Redis. A nil Mirror (or one
// without a client) is a no-op, the degraded posture when the service starts
// without Redis.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration

	published uint64
	failed    uint64
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithSessionTTL overrides the summary expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Mirror) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// New connects to Redis at redisURL (redis://host:port[/db]) and verifies
// the connection with a ping.
func New(redisURL string, opts ...Option) (*Mirror, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m := &Mirror{client: client, ttl: DefaultSessionTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PublishSession stores the summary under chorus:session:{id} and pushes the
// session ID onto the recent list. Failures are counted and logged, never
// returned.
func (m *Mirror) PublishSession(ctx context.Context, summary SessionSummary) {
	if m == nil || m.client == nil {
		return
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		atomic.AddUint64(&m.failed, 1)
		log.Printf("[MIRROR] Failed to encode session %s: %v", summary.SessionID, err)
		return
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, sessionKeyPrefix+summary.SessionID, payload, m.ttl)
	pipe.LPush(ctx, recentSessionsKey, summary.SessionID)
	pipe.LTrim(ctx, recentSessionsKey, 0, recentSessionsMax-1)

	if _, err := pipe.Exec(ctx); err != nil {
		atomic.AddUint64(&m.failed, 1)
		log.Printf("[MIRROR] Failed to publish session %s: %v", summary.SessionID, err)
		return
	}

	atomic.AddUint64(&m.published, 1)
}

// GetSession returns the published summary for sessionID, or
// ErrSessionNotFound when it was never published or has expired.
func (m *Mirror) GetSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	if m == nil || m.client == nil {
		return nil, ErrSessionNotFound
	}

	val, err := m.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	var summary SessionSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}

	return &summary, nil
}

// Stats returns the publication counters.
func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Published: atomic.LoadUint64(&m.published),
		Failed:    atomic.LoadUint64(&m.failed),
	}
}

// Ping verifies the Redis connection is still alive.
func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil || m.client == nil {
		return errors.New("mirror is not connected")
	}
	return m.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (m *Mirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
