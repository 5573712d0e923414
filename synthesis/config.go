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

package synthesis

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"chorus/platform/synthesis/engine"
)

// Service configuration defaults.
const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = "8090"

	// DefaultAPIMaxRounds is the round budget applied to API requests that
	// set none. The engine itself defaults to a single round; the service
	// is more generous because multi-round convergence is its main job.
	DefaultAPIMaxRounds = 3

	// DefaultHealthInterval is how often providers are probed.
	DefaultHealthInterval = 30 * time.Second
)

// Config carries everything the service needs to start, assembled from
// environment variables. Load order follows the 12-factor hierarchy:
// explicit env vars first, assembled values second, defaults last.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL is the PostgreSQL connection string for the usage and
	// preferences stores. Empty disables both (degraded mode).
	DatabaseURL string

	// RedisURL is the session mirror connection string. Empty disables
	// the mirror (degraded mode).
	RedisURL string

	// Provider API keys from the environment. Any may be empty; keys can
	// also arrive via PROVIDER_SECRETS_ARN or a manifest.
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string

	// Bedrock needs a region rather than a key; the AWS credential chain
	// supplies authentication.
	BedrockRegion string
	BedrockModel  string

	// CallTimeout bounds each generation call.
	CallTimeout time.Duration

	// MaxRounds is the default round budget for API callers.
	MaxRounds int

	// ConvergenceThreshold is the default agreement threshold.
	ConvergenceThreshold float64

	// HealthInterval is the periodic probe cadence.
	HealthInterval time.Duration

	// ManifestPath points to an optional YAML provider manifest. When set
	// the manifest replaces env-configured providers entirely.
	ManifestPath string

	// SecretsARN names an optional Secrets Manager secret whose JSON
	// fields supply provider API keys absent from the environment.
	SecretsARN string

	// AWSRegion is the region for the secrets resolver.
	AWSRegion string
}

// LoadConfig assembles the service configuration from the environment and
// logs what is enabled, with key material masked.
func LoadConfig() Config {
	cfg := Config{
		Port:                 getEnv("PORT", DefaultPort),
		DatabaseURL:          loadDatabaseURL(),
		RedisURL:             os.Getenv("REDIS_URL"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:         os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:            os.Getenv("GEMINI_API_KEY"),
		BedrockRegion:        os.Getenv("BEDROCK_REGION"),
		BedrockModel:         os.Getenv("BEDROCK_MODEL"),
		CallTimeout:          time.Duration(getEnvInt("SYNTH_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxRounds:            getEnvInt("SYNTH_MAX_ROUNDS", DefaultAPIMaxRounds),
		ConvergenceThreshold: getEnvFloat("SYNTH_CONVERGENCE_THRESHOLD", engine.DefaultConvergenceThreshold),
		HealthInterval:       time.Duration(getEnvInt("SYNTH_HEALTH_INTERVAL_SECONDS", 30)) * time.Second,
		ManifestPath:         os.Getenv("PROVIDER_MANIFEST"),
		SecretsARN:           os.Getenv("PROVIDER_SECRETS_ARN"),
		AWSRegion:            os.Getenv("AWS_REGION"),
	}

	log.Printf("[CONFIG] Provider configuration:")
	if cfg.OpenAIKey != "" {
		log.Printf("  - OpenAI: enabled (key: %s)", maskKey(cfg.OpenAIKey))
	}
	if cfg.AnthropicKey != "" {
		log.Printf("  - Anthropic: enabled (key: %s)", maskKey(cfg.AnthropicKey))
	}
	if cfg.GeminiKey != "" {
		log.Printf("  - Gemini: enabled (key: %s)", maskKey(cfg.GeminiKey))
	}
	if cfg.BedrockRegion != "" {
		log.Printf("  - Bedrock: enabled (region: %s, model: %s)", cfg.BedrockRegion, cfg.BedrockModel)
	}
	if cfg.ManifestPath != "" {
		log.Printf("  - Manifest: %s (replaces env-configured providers)", cfg.ManifestPath)
	}
	if cfg.SecretsARN != "" {
		log.Printf("  - Secrets Manager key source: %s", cfg.SecretsARN)
	}
	if cfg.DatabaseURL != "" {
		// Never log the URL itself, it carries credentials.
		log.Printf("[CONFIG] Database configured (URL length: %d chars)", len(cfg.DatabaseURL))
	} else {
		log.Println("[CONFIG] WARNING: no database configured - usage telemetry and client preferences disabled")
	}
	if cfg.RedisURL == "" {
		log.Println("[CONFIG] WARNING: REDIS_URL not set - live session mirror disabled")
	}

	return cfg
}

// loadDatabaseURL resolves the PostgreSQL connection string. Separate
// DATABASE_* variables take precedence and are assembled into URI form with
// the password URL-encoded; the legacy DATABASE_URL is the fallback.
func loadDatabaseURL() string {
	host := os.Getenv("DATABASE_HOST")
	password := os.Getenv("DATABASE_PASSWORD")

	if host == "" || password == "" {
		return os.Getenv("DATABASE_URL")
	}

	port := getEnv("DATABASE_PORT", "5432")
	name := getEnv("DATABASE_NAME", "chorus")
	user := getEnv("DATABASE_USER", "chorus_app")
	sslMode := getEnv("DATABASE_SSLMODE", "require")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, name, sslMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("[CONFIG] Ignoring non-integer %s=%q", key, value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("[CONFIG] Ignoring non-numeric %s=%q", key, value)
	}
	return defaultValue
}

// maskKey renders key material safe for startup logs.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// ProviderManifest is the optional YAML provider configuration file,
// following the Kubernetes-style apiVersion/kind pattern. When present it
// is the sole source of provider configuration.
type ProviderManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       ManifestSpec     `yaml:"spec"`
}

// ManifestMetadata identifies and describes the manifest.
type ManifestMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ManifestSpec holds session defaults and the provider list.
type ManifestSpec struct {
	Defaults  ManifestDefaults `yaml:"defaults"`
	Providers []ProviderEntry  `yaml:"providers"`
}

// ManifestDefaults overrides the corresponding environment-derived values
// when non-zero.
type ManifestDefaults struct {
	CallTimeoutSeconds   int     `yaml:"call_timeout_seconds"`
	MaxRounds            int     `yaml:"max_rounds"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
}

// ProviderEntry configures one generation backend.
type ProviderEntry struct {
	// Name is the unique registry name. Required, lowercase alphanumeric
	// with hyphens and underscores.
	Name string `yaml:"name"`

	// Type selects the adapter: openai, anthropic, gemini or bedrock.
	Type string `yaml:"type"`

	// Model overrides the adapter's default model.
	Model string `yaml:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// APIKeySecretARN references a Secrets Manager secret holding the key.
	// Takes precedence over APIKeyEnv when both are set.
	APIKeySecretARN string `yaml:"api_key_secret_arn,omitempty"`

	// Endpoint overrides the adapter's base URL (self-hosted gateways,
	// regional endpoints). Not used by bedrock.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Region is the AWS region for bedrock entries.
	Region string `yaml:"region,omitempty"`

	// Enabled gates registration; disabled entries are validated but
	// skipped at startup.
	Enabled bool `yaml:"enabled"`
}

// Manifest schema constants.
const (
	// ManifestAPIVersion is the only accepted apiVersion.
	ManifestAPIVersion = "chorus/v1"

	// ManifestKind is the only accepted kind.
	ManifestKind = "ProviderManifest"
)

// validProviderTypes lists the adapter types the bootstrap can build.
var validProviderTypes = map[string]bool{
	string(engine.ProviderTypeOpenAI):    true,
	string(engine.ProviderTypeAnthropic): true,
	string(engine.ProviderTypeGemini):    true,
	string(engine.ProviderTypeBedrock):   true,
}

// LoadProviderManifest loads and parses a provider manifest file.
func LoadProviderManifest(path string) (*ProviderManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseProviderManifest(data)
}

// ParseProviderManifest parses YAML data into a validated ProviderManifest.
func ParseProviderManifest(data []byte) (*ProviderManifest, error) {
	var manifest ProviderManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ValidateProviderManifest(&manifest); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &manifest, nil
}

// ValidateProviderManifest validates a manifest for correctness.
func ValidateProviderManifest(manifest *ProviderManifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}

	if manifest.APIVersion != ManifestAPIVersion {
		return fmt.Errorf("invalid apiVersion: expected %q, got %q", ManifestAPIVersion, manifest.APIVersion)
	}
	if manifest.Kind != ManifestKind {
		return fmt.Errorf("invalid kind: expected %q, got %q", ManifestKind, manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("metadata validation failed: name is required")
	}
	if !isValidIdentifier(manifest.Metadata.Name) {
		return fmt.Errorf("metadata validation failed: name %q must be lowercase alphanumeric with hyphens", manifest.Metadata.Name)
	}

	if err := validateManifestDefaults(&manifest.Spec.Defaults); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if len(manifest.Spec.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}

	names := make(map[string]bool)
	for i, entry := range manifest.Spec.Providers {
		if err := validateProviderEntry(&entry); err != nil {
			return fmt.Errorf("provider %d (%s) invalid: %w", i, entry.Name, err)
		}
		if names[entry.Name] {
			return fmt.Errorf("duplicate provider name: %s", entry.Name)
		}
		names[entry.Name] = true
	}

	return nil
}

func validateManifestDefaults(defaults *ManifestDefaults) error {
	if defaults.CallTimeoutSeconds < 0 {
		return fmt.Errorf("call_timeout_seconds cannot be negative")
	}
	if defaults.MaxRounds < 0 || defaults.MaxRounds > engine.MaxRoundsLimit {
		return fmt.Errorf("max_rounds must be between 0 and %d", engine.MaxRoundsLimit)
	}
	if defaults.ConvergenceThreshold < 0 || defaults.ConvergenceThreshold > 1 {
		return fmt.Errorf("convergence_threshold must be between 0 and 1")
	}
	return nil
}

func validateProviderEntry(entry *ProviderEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !isValidIdentifier(entry.Name) {
		return fmt.Errorf("name %q must be lowercase alphanumeric with hyphens and underscores", entry.Name)
	}
	if entry.Type == "" {
		return fmt.Errorf("type is required")
	}
	if !validProviderTypes[entry.Type] {
		return fmt.Errorf("invalid type %q: must be one of openai, anthropic, gemini, bedrock", entry.Type)
	}

	switch entry.Type {
	case string(engine.ProviderTypeBedrock):
		// Authenticated by the AWS credential chain, no key source needed.
	default:
		if entry.APIKeyEnv == "" && entry.APIKeySecretARN == "" {
			return fmt.Errorf("%s provider requires api_key_env or api_key_secret_arn", entry.Type)
		}
	}

	return nil
}

// isValidIdentifier checks for lowercase alphanumeric names with hyphens
// and underscores; neither may lead.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' {
			if i == 0 {
				return false
			}
			continue
		}
		return false
	}

	return true
}

// ApplyDefaults folds non-zero manifest defaults over the env-derived
// configuration.
func (m *ProviderManifest) ApplyDefaults(cfg *Config) {
	if m.Spec.Defaults.CallTimeoutSeconds > 0 {
		cfg.CallTimeout = time.Duration(m.Spec.Defaults.CallTimeoutSeconds) * time.Second
	}
	if m.Spec.Defaults.MaxRounds > 0 {
		cfg.MaxRounds = m.Spec.Defaults.MaxRounds
	}
	if m.Spec.Defaults.ConvergenceThreshold > 0 {
		cfg.ConvergenceThreshold = m.Spec.Defaults.ConvergenceThreshold
	}
}

// EnabledProviders returns the manifest entries that should be registered.
func (m *ProviderManifest) EnabledProviders() []ProviderEntry {
	enabled := make([]ProviderEntry, 0, len(m.Spec.Providers))
	for _, entry := range m.Spec.Providers {
		if entry.Enabled {
			enabled = append(enabled, entry)
		}
	}
	return enabled
}
