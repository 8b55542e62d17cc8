package secrets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

type countingProvider struct {
	values map[string]string
	calls  int
	err    error
}

func (p *countingProvider) Get(_ context.Context, key string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	v, ok := p.values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (p *countingProvider) Name() string { return "counting" }

func TestEnvProvider(t *testing.T) {
	t.Setenv("HSEMU_SECRET_CICD_ABC_1", "tok-abc")

	p := NewEnvProvider("")
	if got := p.EnvKey("cicd/abc-1"); got != "HSEMU_SECRET_CICD_ABC_1" {
		t.Errorf("Expected HSEMU_SECRET_CICD_ABC_1, got %s", got)
	}

	v, err := p.Get(context.Background(), "cicd/abc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "tok-abc" {
		t.Errorf("Expected tok-abc, got %s", v)
	}

	if _, err := p.Get(context.Background(), "cicd/missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
}

func TestEncryptedProviderPersists(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	p, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("NewEncryptedProvider failed: %v", err)
	}
	ctx := context.Background()
	if err := p.Put(ctx, "cicd/one", "tok-1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := p.Put(ctx, "cicd/two", "tok-2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := p.Remove(ctx, "cicd/two"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	reopened, err := NewEncryptedProvider(key, dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if v, _ := reopened.Get(ctx, "cicd/one"); v != "tok-1" {
		t.Errorf("Expected tok-1 after reopen, got %q", v)
	}
	if _, err := reopened.Get(ctx, "cicd/two"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected removed secret to stay removed, got %v", err)
	}

	raw, _ := os.ReadFile(filepath.Join(dir, encryptedFileName))
	if len(raw) == 0 {
		t.Fatal("Expected secrets file to be written")
	}
	if bytes.Contains(raw, []byte("tok-1")) {
		t.Error("Secrets file contains plaintext token")
	}
}

func TestEncryptedProviderWrongKey(t *testing.T) {
	dir := t.TempDir()
	key, _ := GenerateKey()
	p, _ := NewEncryptedProvider(key, dir)
	p.Put(context.Background(), "cicd/one", "tok-1")

	other, _ := GenerateKey()
	if _, err := NewEncryptedProvider(other, dir); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for the wrong key, got %v", err)
	}
}

func TestEncryptedProviderRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptedProvider("", t.TempDir()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for empty key, got %v", err)
	}
	if _, err := NewEncryptedProvider("c2hvcnQ=", t.TempDir()); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for short key, got %v", err)
	}
}

func TestResolverCachesTokens(t *testing.T) {
	p := &countingProvider{values: map[string]string{"cicd/sec-1": "tok"}}
	r := NewResolver(p, time.Minute)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := r.Resolve(context.Background(), "sec-1")
		if err != nil || tok != "tok" {
			t.Fatalf("Resolve = %q, %v", tok, err)
		}
	}
	if p.calls != 1 {
		t.Errorf("Expected 1 provider call, got %d", p.calls)
	}

	now = now.Add(2 * time.Minute)
	r.Resolve(context.Background(), "sec-1")
	if p.calls != 2 {
		t.Errorf("Expected expired entry to be refetched, got %d calls", p.calls)
	}

	r.Invalidate("sec-1")
	r.Resolve(context.Background(), "sec-1")
	if p.calls != 3 {
		t.Errorf("Expected invalidated entry to be refetched, got %d calls", p.calls)
	}
}

func TestResolverRejectsInvalidIDs(t *testing.T) {
	p := &countingProvider{}
	r := NewResolver(p, 0)

	for _, id := range []string{"", "../etc/passwd", "a/b", "has space"} {
		if _, err := r.Resolve(context.Background(), id); !errors.Is(err, ErrInvalidSecretID) {
			t.Errorf("Expected ErrInvalidSecretID for %q, got %v", id, err)
		}
	}
	if p.calls != 0 {
		t.Errorf("Expected provider untouched, got %d calls", p.calls)
	}
}

func TestResolverErrors(t *testing.T) {
	r := NewResolver(&countingProvider{values: map[string]string{}}, 0)
	if _, err := r.Resolve(context.Background(), "nope"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}

	boom := errors.New("backend down")
	r = NewResolver(&countingProvider{err: boom}, 0)
	if _, err := r.Resolve(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("Expected provider error, got %v", err)
	}

	r = NewResolver(&countingProvider{values: map[string]string{"cicd/empty": `{"other":"x"}`}}, 0)
	if _, err := r.Resolve(context.Background(), "empty"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected JSON without a token to be not found, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	tests := map[string]string{
		"  plain-token \n":            "plain-token",
		`{"token":"a"}`:               "a",
		`{"api_key":"b","value":"c"}`: "b",
		`{"value":"c"}`:               "c",
		`{not json`:                   "{not json",
		`{}`:                          "",
	}
	for in, want := range tests {
		if got := ExtractToken(in); got != want {
			t.Errorf("ExtractToken(%q) = %q, expected %q", in, got, want)
		}
	}
}

type mockSecretsManager struct {
	secrets map[string]string
	created []string
}

func (m *mockSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := m.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func (m *mockSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	id := aws.ToString(in.SecretId)
	if _, ok := m.secrets[id]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("missing")}
	}
	m.secrets[id] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (m *mockSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	id := aws.ToString(in.Name)
	m.created = append(m.created, id)
	m.secrets[id] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{}, nil
}

func (m *mockSecretsManager) DeleteSecret(_ context.Context, in *secretsmanager.DeleteSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	id := aws.ToString(in.SecretId)
	if _, ok := m.secrets[id]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("missing")}
	}
	delete(m.secrets, id)
	return &secretsmanager.DeleteSecretOutput{}, nil
}

func TestAWSProvider(t *testing.T) {
	mock := &mockSecretsManager{secrets: map[string]string{}}
	p := NewAWSProviderFromClient(mock, "/hsemu")
	ctx := context.Background()

	if _, err := p.Get(ctx, "cicd/a"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}

	if err := p.Put(ctx, "cicd/a", "tok"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(mock.created) != 1 || mock.created[0] != "/hsemu/cicd/a" {
		t.Errorf("Expected secret created under prefix, got %v", mock.created)
	}
	if err := p.Put(ctx, "cicd/a", "tok-2"); err != nil {
		t.Fatalf("Second Put failed: %v", err)
	}
	if len(mock.created) != 1 {
		t.Errorf("Expected update without a second create, got %v", mock.created)
	}

	v, err := p.Get(ctx, "cicd/a")
	if err != nil || v != "tok-2" {
		t.Errorf("Expected tok-2, got %q (%v)", v, err)
	}

	if err := p.Remove(ctx, "cicd/a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := p.Remove(ctx, "cicd/a"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound on second remove, got %v", err)
	}
}

func TestVaultPath(t *testing.T) {
	tests := map[string]string{
		"secret/data/hsemu/": "hsemu",
		"secret/hsemu":       "hsemu",
		"/hsemu/ci":          "hsemu/ci",
		"":                   "",
	}
	for in, want := range tests {
		if got := vaultPath(in, "secret"); got != want {
			t.Errorf("vaultPath(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestGCPSecretID(t *testing.T) {
	p := &GCPProvider{project: "proj", prefix: "hsemu-"}
	if got := p.SecretID(KeyFor("abc_1")); got != "hsemu-cicd-abc_1" {
		t.Errorf("Expected hsemu-cicd-abc_1, got %s", got)
	}
	if got := p.resource("cicd/x"); got != "projects/proj/secrets/hsemu-cicd-x" {
		t.Errorf("Unexpected resource name %s", got)
	}
}

func TestNewProviderSelection(t *testing.T) {
	p, err := NewProvider(context.Background(), &Config{Provider: ProviderTypeEnv})
	if err != nil || p.Name() != "env" {
		t.Errorf("Expected env provider, got %v (%v)", p, err)
	}

	if _, err := NewProvider(context.Background(), &Config{Provider: "bogus"}); err == nil {
		t.Error("Expected error for unknown provider")
	}

	if _, err := NewProvider(context.Background(), &Config{Provider: ProviderTypeVault}); !errors.Is(err, ErrProviderError) {
		t.Errorf("Expected ErrProviderError without vault address, got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HSEMU_SECRETS_PROVIDER", "AWS-SM")
	t.Setenv("HSEMU_SECRETS_CACHE_TTL", "30s")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg := LoadConfigFromEnv()
	if cfg.Provider != ProviderTypeAWSSM {
		t.Errorf("Expected aws-sm, got %s", cfg.Provider)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("Expected 30s TTL, got %v", cfg.CacheTTL)
	}
	if cfg.AWSRegion != "eu-west-1" {
		t.Errorf("Expected region fallback to AWS_REGION, got %s", cfg.AWSRegion)
	}
}
