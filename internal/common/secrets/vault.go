package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads CI/CD secrets from a Vault KV v2 mount.
// The key "cicd/abc" is read from {mount}/data/{path}/cicd/abc, field "value".
type VaultProvider struct {
	kv   *vault.KVv2
	path string
}

// NewVaultProvider creates a Vault provider
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.VaultAddr
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}
	return &VaultProvider{
		kv:   client.KVv2(mount),
		path: vaultPath(cfg.VaultPath, mount),
	}, nil
}

// vaultPath strips a "{mount}/data/" prefix that KVv2 adds on its own
func vaultPath(path, mount string) string {
	path = strings.Trim(path, "/")
	path = strings.TrimPrefix(path, mount+"/data/")
	path = strings.TrimPrefix(path, mount+"/")
	return path
}

func (p *VaultProvider) secretPath(key string) string {
	if p.path == "" {
		return key
	}
	return p.path + "/" + key
}

// Get returns the "value" field of the latest version
func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.kv.Get(ctx, p.secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: vault get %s: %v", ErrProviderError, key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data["value"].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Put writes a new version with the "value" field
func (p *VaultProvider) Put(ctx context.Context, key, value string) error {
	if _, err := p.kv.Put(ctx, p.secretPath(key), map[string]interface{}{"value": value}); err != nil {
		return fmt.Errorf("%w: vault put %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Remove deletes all versions and metadata
func (p *VaultProvider) Remove(ctx context.Context, key string) error {
	if err := p.kv.DeleteMetadata(ctx, p.secretPath(key)); err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return ErrSecretNotFound
		}
		return fmt.Errorf("%w: vault delete %s: %v", ErrProviderError, key, err)
	}
	return nil
}

// Name returns the provider name
func (p *VaultProvider) Name() string {
	return string(ProviderTypeVault)
}
