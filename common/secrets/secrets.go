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

// Package secrets resolves provider API keys from AWS Secrets Manager, with
// an environment-variable resolver as the development fallback.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Resolver resolves a secret reference into its credential fields.
type Resolver interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// SecretsManagerClient is the subset of the AWS Secrets Manager API the
// resolver needs. Tests substitute a stub.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// DefaultCacheTTL bounds how long a resolved secret is reused before it is
// fetched again.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSResolver resolves references through AWS Secrets Manager with a
// short-lived in-memory cache.
type AWSResolver struct {
	client SecretsManagerClient
	ttl    time.Duration
	logger *log.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

var _ Resolver = (*AWSResolver)(nil)

// AWSResolverOptions holds options for NewAWSResolver.
type AWSResolverOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger

	// Client overrides the real Secrets Manager client, for tests.
	Client SecretsManagerClient
}

// NewAWSResolver creates a resolver backed by AWS Secrets Manager using the
// default AWS credential chain.
func NewAWSResolver(ctx context.Context, opts AWSResolverOptions) (*AWSResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	client := opts.Client
	if client == nil {
		cfgOpts := []func(*awsconfig.LoadOptions) error{}
		if opts.Region != "" {
			cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = secretsmanager.NewFromConfig(cfg)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &AWSResolver{
		client: client,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}, nil
}

// GetSecret fetches ref from Secrets Manager, reusing a cached value while
// it is fresh. Secret strings holding JSON objects are returned as their
// fields; plain strings are returned under the "value" key.
func (r *AWSResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	r.mu.RLock()
	entry, ok := r.cache[ref]
	r.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	r.logger.Printf("Fetching secret %s", maskRef(ref))

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		// Plain API-key secrets are not JSON objects
		fields = map[string]string{"value": *out.SecretString}
	}

	r.mu.Lock()
	r.cache[ref] = &cacheEntry{value: fields, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return fields, nil
}

// Invalidate drops ref from the cache so the next GetSecret refetches it.
func (r *AWSResolver) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
	r.logger.Printf("Invalidated cached secret %s", maskRef(ref))
}

// envFields are the credential fields EnvResolver probes under a prefix.
var envFields = []string{"API_KEY", "VALUE", "USERNAME", "PASSWORD", "TOKEN"}

// EnvResolver resolves references from environment variables, the
// development fallback when no Secrets Manager is configured. The reference
// is used as a variable prefix: ref "OPENAI" probes OPENAI_API_KEY,
// OPENAI_VALUE and so on.
type EnvResolver struct {
	logger *log.Logger
}

var _ Resolver = (*EnvResolver)(nil)

// NewEnvResolver creates a resolver that reads from the environment.
func NewEnvResolver(logger *log.Logger) *EnvResolver {
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}
	return &EnvResolver{logger: logger}
}

// GetSecret probes the conventional credential fields under the ref prefix.
func (r *EnvResolver) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, field := range envFields {
		if value := os.Getenv(ref + "_" + field); value != "" {
			fields[strings.ToLower(field)] = value
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no credentials in environment for prefix %s", ref)
	}

	r.logger.Printf("Loaded %d credential fields from environment for %s", len(fields), ref)
	return fields, nil
}

// StaticResolver serves secrets from memory. Tests and single-process
// deployments wire explicit keys through the same resolution path with it.
type StaticResolver struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

var _ Resolver = (*StaticResolver)(nil)

// NewStaticResolver creates an empty in-memory resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{secrets: make(map[string]map[string]string)}
}

// Set stores the fields for ref.
func (r *StaticResolver) Set(ref string, fields map[string]string) {
	r.mu.Lock()
	r.secrets[ref] = fields
	r.mu.Unlock()
}

// GetSecret returns the stored fields for ref.
func (r *StaticResolver) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if fields, ok := r.secrets[ref]; ok {
		return fields, nil
	}
	return nil, fmt.Errorf("secret %s not found", maskRef(ref))
}

// APIKeyFromSecret extracts an API key from resolved secret fields, trying
// the conventional field names before falling back to a single-field secret.
func APIKeyFromSecret(fields map[string]string) (string, bool) {
	for _, key := range []string{"api_key", "value", "token"} {
		if v, ok := fields[key]; ok && v != "" {
			return v, true
		}
	}
	if len(fields) == 1 {
		for _, v := range fields {
			if v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// maskRef masks a secret reference for logging (shows only the last 8
// characters)
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}
