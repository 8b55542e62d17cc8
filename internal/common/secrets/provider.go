// Package secrets resolves the CI/CD secrets that hold runtime API tokens.
//
// A Provider reads raw secret values from a backend (environment, an encrypted
// local file, AWS Secrets Manager, Vault or GCP Secret Manager). A Resolver
// sits in front of it, maps CI/CD secret ids to provider keys, extracts the
// token and caches the answer.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Common errors
var (
	ErrSecretNotFound  = errors.New("secret not found")
	ErrInvalidKey      = errors.New("invalid encryption key")
	ErrProviderError   = errors.New("provider error")
	ErrInvalidSecretID = errors.New("invalid secret id")
	ErrReadOnly        = errors.New("provider is read-only")
)

// Provider reads secrets from a backend
type Provider interface {
	// Get returns the raw value stored under key
	Get(ctx context.Context, key string) (string, error)

	// Name returns the provider name for logging
	Name() string
}

// Writer is a Provider that can also store secrets
type Writer interface {
	Provider
	Put(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// ProviderType represents the type of secret provider
type ProviderType string

const (
	ProviderTypeEnv       ProviderType = "env"
	ProviderTypeEncrypted ProviderType = "encrypted"
	ProviderTypeAWSSM     ProviderType = "aws-sm"
	ProviderTypeVault     ProviderType = "vault"
	ProviderTypeGCPSM     ProviderType = "gcp-sm"
)

// Config holds configuration for the secrets provider
type Config struct {
	Provider ProviderType `toml:"provider"`

	// CacheTTL bounds how long resolved tokens are reused (0 disables caching)
	CacheTTL time.Duration `toml:"-"`

	// Env provider
	EnvPrefix string `toml:"env_prefix"`

	// Encrypted provider
	EncryptionKey string `toml:"encryption_key"`
	DataDir       string `toml:"data_dir"`

	// AWS Secrets Manager
	AWSRegion    string `toml:"aws_region"`
	AWSPrefix    string `toml:"aws_prefix"`
	AWSEndpoint  string `toml:"aws_endpoint"` // LocalStack
	AWSAccessKey string `toml:"aws_access_key"`
	AWSSecretKey string `toml:"aws_secret_key"`

	// HashiCorp Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultToken     string `toml:"vault_token"`
	VaultMount     string `toml:"vault_mount"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP Secret Manager
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Provider:   ProviderTypeEnv,
		CacheTTL:   5 * time.Minute,
		EnvPrefix:  "HSEMU_SECRET_",
		DataDir:    "./data/secrets",
		AWSPrefix:  "/hsemu/",
		VaultMount: "secret",
		VaultPath:  "hsemu",
		GCPPrefix:  "hsemu-",
	}
}

// LoadConfigFromEnv loads configuration from HSEMU_SECRETS_* variables,
// falling back to the conventional AWS, Vault and GCP variables
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if p := os.Getenv("HSEMU_SECRETS_PROVIDER"); p != "" {
		cfg.Provider = ProviderType(strings.ToLower(p))
	}
	if v := os.Getenv("HSEMU_SECRETS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}
	if p := os.Getenv("HSEMU_SECRETS_ENV_PREFIX"); p != "" {
		cfg.EnvPrefix = p
	}

	cfg.EncryptionKey = os.Getenv("HSEMU_SECRETS_ENCRYPTION_KEY")
	if d := os.Getenv("HSEMU_SECRETS_DATA_DIR"); d != "" {
		cfg.DataDir = d
	}

	cfg.AWSRegion = firstEnv("HSEMU_SECRETS_AWS_REGION", "AWS_REGION")
	if p := os.Getenv("HSEMU_SECRETS_AWS_PREFIX"); p != "" {
		cfg.AWSPrefix = p
	}
	cfg.AWSEndpoint = os.Getenv("HSEMU_SECRETS_AWS_ENDPOINT")

	cfg.VaultAddr = firstEnv("HSEMU_SECRETS_VAULT_ADDR", "VAULT_ADDR")
	cfg.VaultToken = firstEnv("HSEMU_SECRETS_VAULT_TOKEN", "VAULT_TOKEN")
	if m := os.Getenv("HSEMU_SECRETS_VAULT_MOUNT"); m != "" {
		cfg.VaultMount = m
	}
	if p := os.Getenv("HSEMU_SECRETS_VAULT_PATH"); p != "" {
		cfg.VaultPath = p
	}
	cfg.VaultNamespace = firstEnv("HSEMU_SECRETS_VAULT_NAMESPACE", "VAULT_NAMESPACE")

	cfg.GCPProject = firstEnv("HSEMU_SECRETS_GCP_PROJECT", "GOOGLE_CLOUD_PROJECT")
	if p := os.Getenv("HSEMU_SECRETS_GCP_PREFIX"); p != "" {
		cfg.GCPPrefix = p
	}

	return cfg
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// NewProvider creates the provider selected by cfg
func NewProvider(ctx context.Context, cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = LoadConfigFromEnv()
	}

	switch cfg.Provider {
	case ProviderTypeEnv, "":
		return NewEnvProvider(cfg.EnvPrefix), nil
	case ProviderTypeEncrypted:
		return NewEncryptedProvider(cfg.EncryptionKey, cfg.DataDir)
	case ProviderTypeAWSSM:
		return NewAWSProvider(ctx, cfg)
	case ProviderTypeVault:
		return NewVaultProvider(cfg)
	case ProviderTypeGCPSM:
		return NewGCPProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
}

// EnvProvider reads secrets from environment variables.
// The key "cicd/abc-1" with prefix HSEMU_SECRET_ is read from HSEMU_SECRET_CICD_ABC_1.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment variable provider
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "HSEMU_SECRET_"
	}
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

var envKeyReplacer = strings.NewReplacer("-", "_", "/", "_", ".", "_")

// EnvKey returns the variable name that holds key
func (p *EnvProvider) EnvKey(key string) string {
	return p.prefix + strings.ToUpper(envKeyReplacer.Replace(key))
}

// Get reads the secret from the environment
func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	value, ok := p.lookup(p.EnvKey(key))
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Name returns the provider name
func (p *EnvProvider) Name() string {
	return string(ProviderTypeEnv)
}
