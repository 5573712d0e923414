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

// Chorus Synthesizer - Multi-provider generation service
//
// Wires the synthesis engine to its runtime dependencies: provider
// adapters built from environment keys or a YAML manifest, PostgreSQL
// usage metering and client preferences, the Redis session mirror, and
// the HTTP API.

package synthesis

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"chorus/platform/common/mirror"
	"chorus/platform/common/preferences"
	"chorus/platform/common/secrets"
	"chorus/platform/common/usage"
	"chorus/platform/shared/logger"
	"chorus/platform/synthesis/engine"
	"chorus/platform/synthesis/engine/anthropic"
	"chorus/platform/synthesis/engine/bedrock"
	"chorus/platform/synthesis/engine/gemini"
	"chorus/platform/synthesis/engine/openai"
)

// Run starts the synthesizer service and blocks serving HTTP.
func Run() {
	log.Println("Starting Chorus Synthesizer...")

	cfg := LoadConfig()
	ctx := context.Background()

	var manifest *ProviderManifest
	if cfg.ManifestPath != "" {
		m, err := LoadProviderManifest(cfg.ManifestPath)
		if err != nil {
			log.Fatalf("Failed to load provider manifest: %v", err)
		}
		m.ApplyDefaults(&cfg)
		manifest = m
		log.Printf("Provider manifest %s loaded (%d providers, %d enabled)",
			m.Metadata.Name, len(m.Spec.Providers), len(m.EnabledProviders()))
	}

	resolver := buildSecretsResolver(ctx, &cfg, manifest)
	applySharedSecret(ctx, &cfg, resolver)

	registry := engine.NewRegistry()
	if err := registerProviders(ctx, registry, cfg, manifest, resolver); err != nil {
		log.Fatalf("Provider registration failed: %v", err)
	}
	if registry.Count() == 0 {
		log.Fatal("No providers configured: set provider API keys or supply PROVIDER_MANIFEST")
	}
	log.Printf("Provider registry ready: %v", registry.List())

	// Usage metering and client preferences share one PostgreSQL pool.
	db := openUsageDB(cfg.DatabaseURL)
	recorder := usage.NewRecorder(db)
	prefStore := preferences.NewStore(db)

	var sessionMirror *mirror.Mirror
	if cfg.RedisURL != "" {
		m, err := mirror.New(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: session mirror unavailable: %v", err)
		} else {
			sessionMirror = m
			log.Println("Session mirror connected")
		}
	}

	metrics := NewServiceMetrics()
	svcLog := logger.New("synthesizer")
	sink := NewTelemetry(recorder, metrics, svcLog)

	coordinator := engine.NewCoordinator(registry,
		engine.WithTelemetry(sink),
		engine.WithCallTimeout(cfg.CallTimeout),
	)

	handler := NewAPIHandler(APIHandlerOptions{
		Coordinator:                 coordinator,
		Registry:                    registry,
		Preferences:                 prefStore,
		Mirror:                      sessionMirror,
		DB:                          db,
		Metrics:                     metrics,
		Logger:                      svcLog,
		DefaultMaxRounds:            cfg.MaxRounds,
		DefaultConvergenceThreshold: cfg.ConvergenceThreshold,
	})

	// Seed provider health before traffic arrives, then keep probing.
	go registry.HealthCheck(ctx)
	registry.StartPeriodicHealthCheck(ctx, cfg.HealthInterval)

	r := handler.Routes()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	log.Printf("Chorus Synthesizer listening on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, c.Handler(r)))
}

// Routes builds the service router.
func (h *APIHandler) Routes() *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	// Metrics endpoints
	r.HandleFunc("/metrics", h.handleMetrics).Methods("GET")   // JSON metrics (legacy)
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET") // Prometheus native format

	// Synthesis API
	r.HandleFunc("/api/v1/synthesize", h.handleSynthesize).Methods("POST")
	r.HandleFunc("/api/v1/providers/status", h.handleProviderStatus).Methods("GET")
	r.HandleFunc("/api/v1/providers/{name}/healthcheck", h.handleProviderHealthcheck).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{id}", h.handleGetSession).Methods("GET")

	return r
}

// buildSecretsResolver picks the key source: AWS Secrets Manager when any
// secret reference is configured, the environment otherwise.
func buildSecretsResolver(ctx context.Context, cfg *Config, manifest *ProviderManifest) secrets.Resolver {
	needsAWS := cfg.SecretsARN != ""
	if manifest != nil {
		for _, entry := range manifest.EnabledProviders() {
			if entry.APIKeySecretARN != "" {
				needsAWS = true
				break
			}
		}
	}

	if needsAWS {
		resolver, err := secrets.NewAWSResolver(ctx, secrets.AWSResolverOptions{Region: cfg.AWSRegion})
		if err != nil {
			log.Printf("WARNING: Secrets Manager unavailable, falling back to environment: %v", err)
		} else {
			return resolver
		}
	}

	return secrets.NewEnvResolver(nil)
}

// applySharedSecret backfills provider keys missing from the environment
// from the shared PROVIDER_SECRETS_ARN secret. Fields are named after the
// provider: openai_api_key, anthropic_api_key, gemini_api_key.
func applySharedSecret(ctx context.Context, cfg *Config, resolver secrets.Resolver) {
	if cfg.SecretsARN == "" {
		return
	}

	fields, err := resolver.GetSecret(ctx, cfg.SecretsARN)
	if err != nil {
		log.Printf("WARNING: failed to resolve PROVIDER_SECRETS_ARN: %v", err)
		return
	}

	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = fields["openai_api_key"]
	}
	if cfg.AnthropicKey == "" {
		cfg.AnthropicKey = fields["anthropic_api_key"]
	}
	if cfg.GeminiKey == "" {
		cfg.GeminiKey = fields["gemini_api_key"]
	}
}

// registerProviders builds and registers the generation providers, from the
// manifest when one is loaded and from environment keys otherwise.
func registerProviders(ctx context.Context, registry *engine.Registry, cfg Config, manifest *ProviderManifest, resolver secrets.Resolver) error {
	if manifest != nil {
		return registerManifestProviders(ctx, registry, cfg, manifest, resolver)
	}
	return registerEnvProviders(ctx, registry, cfg)
}

func registerEnvProviders(ctx context.Context, registry *engine.Registry, cfg Config) error {
	if cfg.OpenAIKey != "" {
		p, err := openai.New(openai.Config{APIKey: cfg.OpenAIKey, Timeout: cfg.CallTimeout})
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
		log.Println("Registered provider: openai")
	}

	if cfg.AnthropicKey != "" {
		p, err := anthropic.New(anthropic.Config{APIKey: cfg.AnthropicKey, Timeout: cfg.CallTimeout})
		if err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
		log.Println("Registered provider: anthropic")
	}

	if cfg.GeminiKey != "" {
		p, err := gemini.New(gemini.Config{APIKey: cfg.GeminiKey, Timeout: cfg.CallTimeout})
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
		log.Println("Registered provider: gemini")
	}

	if cfg.BedrockRegion != "" {
		p, err := bedrock.New(ctx, bedrock.Config{Region: cfg.BedrockRegion, Model: cfg.BedrockModel})
		if err != nil {
			return fmt.Errorf("bedrock: %w", err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
		log.Println("Registered provider: bedrock")
	}

	return nil
}

func registerManifestProviders(ctx context.Context, registry *engine.Registry, cfg Config, manifest *ProviderManifest, resolver secrets.Resolver) error {
	for _, entry := range manifest.EnabledProviders() {
		p, err := buildManifestProvider(ctx, cfg, entry, resolver)
		if err != nil {
			return fmt.Errorf("provider %s: %w", entry.Name, err)
		}
		if err := registry.Register(p); err != nil {
			return err
		}
		log.Printf("Registered provider: %s (type: %s)", entry.Name, entry.Type)
	}
	return nil
}

// buildManifestProvider constructs the adapter for one manifest entry.
func buildManifestProvider(ctx context.Context, cfg Config, entry ProviderEntry, resolver secrets.Resolver) (engine.Provider, error) {
	apiKey := ""
	if entry.Type != string(engine.ProviderTypeBedrock) {
		key, err := resolveEntryKey(ctx, entry, resolver)
		if err != nil {
			return nil, err
		}
		apiKey = key
	}

	switch entry.Type {
	case string(engine.ProviderTypeOpenAI):
		return openai.New(openai.Config{
			APIKey:  apiKey,
			Name:    entry.Name,
			BaseURL: entry.Endpoint,
			Model:   entry.Model,
			Timeout: cfg.CallTimeout,
		})
	case string(engine.ProviderTypeAnthropic):
		return anthropic.New(anthropic.Config{
			APIKey:  apiKey,
			Name:    entry.Name,
			BaseURL: entry.Endpoint,
			Model:   entry.Model,
			Timeout: cfg.CallTimeout,
		})
	case string(engine.ProviderTypeGemini):
		return gemini.New(gemini.Config{
			APIKey:  apiKey,
			Name:    entry.Name,
			BaseURL: entry.Endpoint,
			Model:   entry.Model,
			Timeout: cfg.CallTimeout,
		})
	case string(engine.ProviderTypeBedrock):
		region := entry.Region
		if region == "" {
			region = cfg.BedrockRegion
		}
		return bedrock.New(ctx, bedrock.Config{
			Name:   entry.Name,
			Region: region,
			Model:  entry.Model,
		})
	default:
		// Unreachable after manifest validation.
		return nil, fmt.Errorf("unsupported provider type %q", entry.Type)
	}
}

// resolveEntryKey resolves one entry's API key. A Secrets Manager reference
// wins over an environment variable when both are set.
func resolveEntryKey(ctx context.Context, entry ProviderEntry, resolver secrets.Resolver) (string, error) {
	if entry.APIKeySecretARN != "" {
		fields, err := resolver.GetSecret(ctx, entry.APIKeySecretARN)
		if err != nil {
			return "", err
		}
		if key, ok := secrets.APIKeyFromSecret(fields); ok {
			return key, nil
		}
		return "", fmt.Errorf("secret for %s holds no usable API key field", entry.Name)
	}

	if key := os.Getenv(entry.APIKeyEnv); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("environment variable %s is empty", entry.APIKeyEnv)
}

// openUsageDB opens the PostgreSQL pool shared by usage metering and client
// preferences. A missing or unreachable database degrades the service
// rather than stopping it.
func openUsageDB(databaseURL string) *sql.DB {
	if databaseURL == "" {
		return nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Printf("WARNING: failed to open database: %v - usage metering disabled", err)
		return nil
	}
	if err := db.Ping(); err != nil {
		log.Printf("WARNING: database unreachable: %v - usage metering disabled", err)
		db.Close()
		return nil
	}

	log.Println("Database connection established")
	return db
}
