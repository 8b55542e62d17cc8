package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Realtime.Transport != TransportPhoenix {
		t.Errorf("Expected phoenix transport, got %s", cfg.Realtime.Transport)
	}
	if cfg.Realtime.MaxRetries != 5 || cfg.Realtime.BaseRetryDelay != 500*time.Millisecond || cfg.Realtime.MaxRetryDelay != 10*time.Second {
		t.Errorf("Unexpected realtime retry defaults: %+v", cfg.Realtime)
	}
	if cfg.Poller.Debounce != 1500*time.Millisecond || cfg.Poller.RateLimit != 2*time.Second {
		t.Errorf("Unexpected poller defaults: %+v", cfg.Poller)
	}
	if cfg.Poller.MaxRetries != 2 || cfg.Poller.BaseDelay != 800*time.Millisecond || cfg.Poller.Jitter != time.Second {
		t.Errorf("Unexpected poller retry defaults: %+v", cfg.Poller)
	}
	if cfg.Secrets.Provider != secrets.ProviderTypeEnv {
		t.Errorf("Expected env secrets provider, got %s", cfg.Secrets.Provider)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HSEMU_HTTP_PORT", "9999")
	t.Setenv("HSEMU_REALTIME_TRANSPORT", "NATS")
	t.Setenv("HSEMU_REALTIME_MAX_RETRIES", "8")
	t.Setenv("HSEMU_POLLER_RATE_LIMIT", "5s")
	t.Setenv("HSEMU_AUTH_API_KEY_HASHES", "hash-a, hash-b,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.HTTP.Port)
	}
	if cfg.Realtime.Transport != TransportNATS {
		t.Errorf("Expected nats transport, got %s", cfg.Realtime.Transport)
	}
	if cfg.Realtime.MaxRetries != 8 {
		t.Errorf("Expected 8 retries, got %d", cfg.Realtime.MaxRetries)
	}
	if cfg.Poller.RateLimit != 5*time.Second {
		t.Errorf("Expected 5s rate limit, got %v", cfg.Poller.RateLimit)
	}
	if len(cfg.Auth.APIKeyHashes) != 2 || cfg.Auth.APIKeyHashes[1] != "hash-b" {
		t.Errorf("Expected two trimmed hashes, got %v", cfg.Auth.APIKeyHashes)
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("HSEMU_REALTIME_TRANSPORT", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown transport")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Realtime.ExecutionTable = cfg.Realtime.LogTable
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when both tables are the same")
	}

	cfg = Defaults()
	cfg.Realtime.Transport = TransportSQS
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for sqs without a queue url")
	}

	cfg = Defaults()
	if err := cfg.ValidateGateway(); err == nil {
		t.Error("Expected gateway validation to require auth material")
	}
	cfg.DevMode = true
	if err := cfg.ValidateGateway(); err != nil {
		t.Errorf("Expected dev mode to skip auth requirement, got %v", err)
	}
}

func TestLoadWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hsemu.toml")
	content := `
dev_mode = true

[http]
port = 7000

[runtime]
base_url = "http://runtime:9090"
timeout = "5s"

[runtime.breaker]
enabled = false

[realtime]
transport = "redis"
log_table = "logs"
execution_table = "runs"
base_retry_delay = "250ms"

[realtime.redis]
addr = "redis:6379"

[poller]
debounce = "1s"

[secrets]
provider = "vault"
vault_addr = "http://vault:8200"
cache_ttl = "1m"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HSEMU_CONFIG", path)
	t.Setenv("HSEMU_HTTP_PORT", "7100")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.HTTP.Port != 7100 {
		t.Errorf("Expected env to override file port, got %d", cfg.HTTP.Port)
	}
	if cfg.Runtime.BaseURL != "http://runtime:9090" || cfg.Runtime.Timeout != 5*time.Second {
		t.Errorf("Unexpected runtime config %+v", cfg.Runtime)
	}
	if cfg.Runtime.Breaker.Enabled {
		t.Error("Expected breaker disabled by file")
	}
	if cfg.Realtime.Transport != TransportRedis || cfg.Realtime.Redis.Addr != "redis:6379" {
		t.Errorf("Unexpected realtime config %+v", cfg.Realtime)
	}
	if cfg.Realtime.LogTable != "logs" || cfg.Realtime.ExecutionTable != "runs" {
		t.Errorf("Unexpected tables %s/%s", cfg.Realtime.LogTable, cfg.Realtime.ExecutionTable)
	}
	if cfg.Realtime.BaseRetryDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms base delay, got %v", cfg.Realtime.BaseRetryDelay)
	}
	if cfg.Realtime.MaxRetries != 5 {
		t.Errorf("Expected default retries to survive, got %d", cfg.Realtime.MaxRetries)
	}
	if cfg.Poller.Debounce != time.Second {
		t.Errorf("Expected 1s debounce, got %v", cfg.Poller.Debounce)
	}
	if cfg.Secrets.Provider != secrets.ProviderTypeVault || cfg.Secrets.VaultAddr != "http://vault:8200" {
		t.Errorf("Unexpected secrets config %+v", cfg.Secrets)
	}
	if cfg.Secrets.CacheTTL != time.Minute {
		t.Errorf("Expected 1m cache TTL, got %v", cfg.Secrets.CacheTTL)
	}
	if !cfg.DevMode {
		t.Error("Expected dev mode from file")
	}
}

func TestLoadFromFileInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("[poller]\ndebounce = \"soon\"\n"), 0644)

	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestWriteExampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hsemu.toml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("Example config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Example config does not validate: %v", err)
	}
	if cfg.Realtime.Phoenix.HeartbeatInterval != 25*time.Second {
		t.Errorf("Expected 25s heartbeat, got %v", cfg.Realtime.Phoenix.HeartbeatInterval)
	}
}
