package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	encryptedFileName = "cicd-secrets.enc"
	envelopeVersion   = 1
)

// envelope is the on-disk format: an AES-256-GCM sealed JSON map
type envelope struct {
	Version int    `json:"v"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// EncryptedProvider keeps CI/CD secrets in a single encrypted file. It is
// meant for local development and single-node installs.
type EncryptedProvider struct {
	aead cipher.AEAD
	path string

	mu      sync.RWMutex
	secrets map[string]string
}

// NewEncryptedProvider opens (or prepares) the secrets file in dataDir.
// encryptionKey is a base64 encoded 32 byte key, see GenerateKey.
func NewEncryptedProvider(encryptionKey, dataDir string) (*EncryptedProvider, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", ErrInvalidKey)
	}
	key, err := base64.StdEncoding.DecodeString(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes, got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	p := &EncryptedProvider{
		aead:    aead,
		path:    filepath.Join(dataDir, encryptedFileName),
		secrets: make(map[string]string),
	}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the stored value
func (p *EncryptedProvider) Get(_ context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	value, ok := p.secrets[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// Put stores value and rewrites the file
func (p *EncryptedProvider) Put(_ context.Context, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, had := p.secrets[key]
	p.secrets[key] = value
	if err := p.save(); err != nil {
		if had {
			p.secrets[key] = prev
		} else {
			delete(p.secrets, key)
		}
		return err
	}
	return nil
}

// Remove deletes key and rewrites the file
func (p *EncryptedProvider) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.secrets[key]
	if !ok {
		return ErrSecretNotFound
	}
	delete(p.secrets, key)
	if err := p.save(); err != nil {
		p.secrets[key] = prev
		return err
	}
	return nil
}

// Name returns the provider name
func (p *EncryptedProvider) Name() string {
	return string(ProviderTypeEncrypted)
}

func (p *EncryptedProvider) load() error {
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse secrets file: %w", err)
	}
	if env.Version != envelopeVersion {
		return fmt.Errorf("unsupported secrets file version %d", env.Version)
	}
	if len(env.Nonce) != p.aead.NonceSize() {
		return fmt.Errorf("%w: bad nonce in secrets file", ErrInvalidKey)
	}

	plain, err := p.aead.Open(nil, env.Nonce, env.Data, []byte(encryptedFileName))
	if err != nil {
		return fmt.Errorf("%w: cannot decrypt secrets file", ErrInvalidKey)
	}
	return json.Unmarshal(plain, &p.secrets)
}

func (p *EncryptedProvider) save() error {
	plain, err := json.Marshal(p.secrets)
	if err != nil {
		return err
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{
		Version: envelopeVersion,
		Nonce:   nonce,
		Data:    p.aead.Seal(nil, nonce, plain, []byte(encryptedFileName)),
	})
	if err != nil {
		return err
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}

// GenerateKey returns a new base64 encoded 256-bit key
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
