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

// Package preferences persists per-client synthesis defaults in PostgreSQL.
//
// The service merges stored preferences under request fields: a field set in
// the request wins, an unset field falls back to the stored preference, and
// a field unset in both falls back to the engine default. Nil struct fields
// mark "unset" so that valid zero values (temperature 0, fallback disabled)
// survive the merge.
package preferences

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClientPreferences holds the persisted synthesis defaults for one client.
// Nil fields are unset.
type ClientPreferences struct {
	ClientID             string
	DefaultProvider      *string
	DefaultModel         *string
	Temperature          *float64
	AllowFallback        *bool
	MaxRounds            *int
	ConvergenceThreshold *float64
	UpdatedAt            time.Time
}

// Store reads and writes per-client preference rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a preference store backed by db. Passing nil yields a
// store whose lookups always miss, the degraded posture when the service
// starts without a database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the stored preferences for clientID, or (nil, nil) when the
// client has none.
func (s *Store) Get(ctx context.Context, clientID string) (*ClientPreferences, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	query := `
		SELECT client_id, default_provider, default_model, temperature,
		       allow_fallback, max_rounds, convergence_threshold, updated_at
		FROM client_preferences
		WHERE client_id = $1
	`

	var prefs ClientPreferences
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&prefs.ClientID, &prefs.DefaultProvider, &prefs.DefaultModel,
		&prefs.Temperature, &prefs.AllowFallback, &prefs.MaxRounds,
		&prefs.ConvergenceThreshold, &prefs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences for client %s: %w", clientID, err)
	}

	return &prefs, nil
}

// Upsert inserts or replaces the preference row for prefs.ClientID.
func (s *Store) Upsert(ctx context.Context, prefs *ClientPreferences) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("preference store has no database connection")
	}
	if prefs == nil || prefs.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	query := `
		INSERT INTO client_preferences (
			client_id, default_provider, default_model, temperature,
			allow_fallback, max_rounds, convergence_threshold, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (client_id) DO UPDATE SET
			default_provider = EXCLUDED.default_provider,
			default_model = EXCLUDED.default_model,
			temperature = EXCLUDED.temperature,
			allow_fallback = EXCLUDED.allow_fallback,
			max_rounds = EXCLUDED.max_rounds,
			convergence_threshold = EXCLUDED.convergence_threshold,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		prefs.ClientID, prefs.DefaultProvider, prefs.DefaultModel,
		prefs.Temperature, prefs.AllowFallback, prefs.MaxRounds,
		prefs.ConvergenceThreshold,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences for client %s: %w", prefs.ClientID, err)
	}

	return nil
}
