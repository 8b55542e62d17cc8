package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
)

// TOMLConfig represents the TOML configuration file structure
type TOMLConfig struct {
	HTTP     TOMLHTTPConfig     `toml:"http"`
	Runtime  TOMLRuntimeConfig  `toml:"runtime"`
	Realtime TOMLRealtimeConfig `toml:"realtime"`
	Poller   TOMLPollerConfig   `toml:"poller"`
	Auth     TOMLAuthConfig     `toml:"auth"`
	Client   TOMLClientConfig   `toml:"client"`
	Secrets  TOMLSecretsConfig  `toml:"secrets"`
	DevMode  bool               `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLRuntimeConfig represents the runtime upstream in TOML
type TOMLRuntimeConfig struct {
	BaseURL string            `toml:"base_url"`
	Timeout string            `toml:"timeout"`
	Breaker TOMLBreakerConfig `toml:"breaker"`
}

// TOMLBreakerConfig represents circuit breaker settings in TOML
type TOMLBreakerConfig struct {
	Enabled     *bool   `toml:"enabled"`
	MaxRequests uint32  `toml:"max_requests"`
	Interval    string  `toml:"interval"`
	Timeout     string  `toml:"timeout"`
	MinRequests uint32  `toml:"min_requests"`
	Ratio       float64 `toml:"ratio"`
}

// TOMLRealtimeConfig represents the realtime section in TOML
type TOMLRealtimeConfig struct {
	Transport      string `toml:"transport"`
	Schema         string `toml:"schema"`
	LogTable       string `toml:"log_table"`
	ExecutionTable string `toml:"execution_table"`
	MaxRetries     int    `toml:"max_retries"`
	BaseRetryDelay string `toml:"base_retry_delay"`
	MaxRetryDelay  string `toml:"max_retry_delay"`

	Phoenix struct {
		URL               string `toml:"url"`
		APIKey            string `toml:"api_key"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		JoinTimeout       string `toml:"join_timeout"`
	} `toml:"phoenix"`

	NATS struct {
		URL           string `toml:"url"`
		SubjectPrefix string `toml:"subject_prefix"`
		Embedded      bool   `toml:"embedded"`
		EmbeddedPort  int    `toml:"embedded_port"`
	} `toml:"nats"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
		Prefix   string `toml:"prefix"`
	} `toml:"redis"`

	Mongo struct {
		URI         string `toml:"uri"`
		Database    string `toml:"database"`
		Checkpoints string `toml:"checkpoints"`
	} `toml:"mongo"`

	SQS struct {
		QueueURL        string `toml:"queue_url"`
		Region          string `toml:"region"`
		Endpoint        string `toml:"endpoint"`
		WaitTimeSeconds int    `toml:"wait_time_seconds"`
	} `toml:"sqs"`
}

// TOMLPollerConfig represents status poller tuning in TOML
type TOMLPollerConfig struct {
	Debounce   string `toml:"debounce"`
	RateLimit  string `toml:"rate_limit"`
	MaxRetries int    `toml:"max_retries"`
	BaseDelay  string `toml:"base_delay"`
	Jitter     string `toml:"jitter"`
}

// TOMLAuthConfig represents auth configuration in TOML
type TOMLAuthConfig struct {
	Enabled      *bool    `toml:"enabled"`
	JWTSecret    string   `toml:"jwt_secret"`
	Issuer       string   `toml:"issuer"`
	APIKeyHashes []string `toml:"api_key_hashes"`
}

// TOMLClientConfig represents hsectl settings in TOML
type TOMLClientConfig struct {
	GatewayURL string `toml:"gateway_url"`
	Token      string `toml:"token"`
	APIKey     string `toml:"api_key"`
}

// TOMLSecretsConfig represents secrets provider configuration in TOML
type TOMLSecretsConfig struct {
	secrets.Config
	CacheTTL string `toml:"cache_ttl"`
}

// ConfigPaths lists the paths to search for config files
var ConfigPaths = []string{
	"hsemu.toml",
	"./config/hsemu.toml",
	"/etc/hsemu/config.toml",
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	var tc TOMLConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return mergeConfigs(Defaults(), &tc)
}

// FindConfigFile returns HSEMU_CONFIG or the first existing search path
func FindConfigFile() string {
	if p := os.Getenv("HSEMU_CONFIG"); p != "" {
		return p
	}
	for _, path := range ConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadWithFile loads the config file (when one is found) and then applies
// environment overrides
func LoadWithFile() (*Config, error) {
	path := FindConfigFile()
	if path == "" {
		return Load()
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	overlaySecretsEnv(&cfg.Secrets)
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// mergeConfigs copies every non-zero value from the file onto base
func mergeConfigs(base *Config, tc *TOMLConfig) (*Config, error) {
	result := *base
	var err error

	setInt(&result.HTTP.Port, tc.HTTP.Port)
	if len(tc.HTTP.CORSOrigins) > 0 {
		result.HTTP.CORSOrigins = tc.HTTP.CORSOrigins
	}

	// Runtime
	rt := &result.Runtime
	setString(&rt.BaseURL, tc.Runtime.BaseURL)
	if err = setDuration(&rt.Timeout, tc.Runtime.Timeout, "runtime.timeout"); err != nil {
		return nil, err
	}
	if tc.Runtime.Breaker.Enabled != nil {
		rt.Breaker.Enabled = *tc.Runtime.Breaker.Enabled
	}
	if tc.Runtime.Breaker.MaxRequests > 0 {
		rt.Breaker.MaxRequests = tc.Runtime.Breaker.MaxRequests
	}
	if tc.Runtime.Breaker.MinRequests > 0 {
		rt.Breaker.MinRequests = tc.Runtime.Breaker.MinRequests
	}
	if tc.Runtime.Breaker.Ratio > 0 {
		rt.Breaker.Ratio = tc.Runtime.Breaker.Ratio
	}
	if err = setDuration(&rt.Breaker.Interval, tc.Runtime.Breaker.Interval, "runtime.breaker.interval"); err != nil {
		return nil, err
	}
	if err = setDuration(&rt.Breaker.Timeout, tc.Runtime.Breaker.Timeout, "runtime.breaker.timeout"); err != nil {
		return nil, err
	}

	// Realtime
	rc := &result.Realtime
	tr := &tc.Realtime
	setString(&rc.Transport, tr.Transport)
	setString(&rc.Schema, tr.Schema)
	setString(&rc.LogTable, tr.LogTable)
	setString(&rc.ExecutionTable, tr.ExecutionTable)
	setInt(&rc.MaxRetries, tr.MaxRetries)
	if err = setDuration(&rc.BaseRetryDelay, tr.BaseRetryDelay, "realtime.base_retry_delay"); err != nil {
		return nil, err
	}
	if err = setDuration(&rc.MaxRetryDelay, tr.MaxRetryDelay, "realtime.max_retry_delay"); err != nil {
		return nil, err
	}

	setString(&rc.Phoenix.URL, tr.Phoenix.URL)
	setString(&rc.Phoenix.APIKey, tr.Phoenix.APIKey)
	if err = setDuration(&rc.Phoenix.HeartbeatInterval, tr.Phoenix.HeartbeatInterval, "realtime.phoenix.heartbeat_interval"); err != nil {
		return nil, err
	}
	if err = setDuration(&rc.Phoenix.JoinTimeout, tr.Phoenix.JoinTimeout, "realtime.phoenix.join_timeout"); err != nil {
		return nil, err
	}

	setString(&rc.NATS.URL, tr.NATS.URL)
	setString(&rc.NATS.SubjectPrefix, tr.NATS.SubjectPrefix)
	if tr.NATS.Embedded {
		rc.NATS.Embedded = true
	}
	setInt(&rc.NATS.EmbeddedPort, tr.NATS.EmbeddedPort)

	setString(&rc.Redis.Addr, tr.Redis.Addr)
	setString(&rc.Redis.Password, tr.Redis.Password)
	setInt(&rc.Redis.DB, tr.Redis.DB)
	setString(&rc.Redis.Prefix, tr.Redis.Prefix)

	setString(&rc.Mongo.URI, tr.Mongo.URI)
	setString(&rc.Mongo.Database, tr.Mongo.Database)
	setString(&rc.Mongo.Checkpoints, tr.Mongo.Checkpoints)

	setString(&rc.SQS.QueueURL, tr.SQS.QueueURL)
	setString(&rc.SQS.Region, tr.SQS.Region)
	setString(&rc.SQS.Endpoint, tr.SQS.Endpoint)
	setInt(&rc.SQS.WaitTimeSeconds, tr.SQS.WaitTimeSeconds)

	// Poller
	pc := &result.Poller
	if err = setDuration(&pc.Debounce, tc.Poller.Debounce, "poller.debounce"); err != nil {
		return nil, err
	}
	if err = setDuration(&pc.RateLimit, tc.Poller.RateLimit, "poller.rate_limit"); err != nil {
		return nil, err
	}
	setInt(&pc.MaxRetries, tc.Poller.MaxRetries)
	if err = setDuration(&pc.BaseDelay, tc.Poller.BaseDelay, "poller.base_delay"); err != nil {
		return nil, err
	}
	if err = setDuration(&pc.Jitter, tc.Poller.Jitter, "poller.jitter"); err != nil {
		return nil, err
	}

	// Auth
	if tc.Auth.Enabled != nil {
		result.Auth.Enabled = *tc.Auth.Enabled
	}
	setString(&result.Auth.JWTSecret, tc.Auth.JWTSecret)
	setString(&result.Auth.Issuer, tc.Auth.Issuer)
	if len(tc.Auth.APIKeyHashes) > 0 {
		result.Auth.APIKeyHashes = tc.Auth.APIKeyHashes
	}

	// Client
	setString(&result.Client.GatewayURL, tc.Client.GatewayURL)
	setString(&result.Client.Token, tc.Client.Token)
	setString(&result.Client.APIKey, tc.Client.APIKey)

	// Secrets
	if err = mergeSecrets(&result.Secrets, &tc.Secrets); err != nil {
		return nil, err
	}

	if tc.DevMode {
		result.DevMode = true
	}
	return &result, nil
}

func mergeSecrets(dst *secrets.Config, ts *TOMLSecretsConfig) error {
	src := ts.Config
	if src.Provider != "" {
		dst.Provider = src.Provider
	}
	if err := setDuration(&dst.CacheTTL, ts.CacheTTL, "secrets.cache_ttl"); err != nil {
		return err
	}
	setString(&dst.EnvPrefix, src.EnvPrefix)
	setString(&dst.EncryptionKey, src.EncryptionKey)
	setString(&dst.DataDir, src.DataDir)
	setString(&dst.AWSRegion, src.AWSRegion)
	setString(&dst.AWSPrefix, src.AWSPrefix)
	setString(&dst.AWSEndpoint, src.AWSEndpoint)
	setString(&dst.AWSAccessKey, src.AWSAccessKey)
	setString(&dst.AWSSecretKey, src.AWSSecretKey)
	setString(&dst.VaultAddr, src.VaultAddr)
	setString(&dst.VaultToken, src.VaultToken)
	setString(&dst.VaultMount, src.VaultMount)
	setString(&dst.VaultPath, src.VaultPath)
	setString(&dst.VaultNamespace, src.VaultNamespace)
	setString(&dst.GCPProject, src.GCPProject)
	setString(&dst.GCPPrefix, src.GCPPrefix)
	return nil
}

// overlaySecretsEnv lets HSEMU_SECRETS_* variables win over the file
func overlaySecretsEnv(dst *secrets.Config) {
	env := secrets.LoadConfigFromEnv()
	def := secrets.DefaultConfig()

	if env.Provider != def.Provider {
		dst.Provider = env.Provider
	}
	if env.CacheTTL != def.CacheTTL {
		dst.CacheTTL = env.CacheTTL
	}
	if env.EnvPrefix != def.EnvPrefix {
		dst.EnvPrefix = env.EnvPrefix
	}
	if env.DataDir != def.DataDir {
		dst.DataDir = env.DataDir
	}
	if env.AWSPrefix != def.AWSPrefix {
		dst.AWSPrefix = env.AWSPrefix
	}
	if env.VaultMount != def.VaultMount {
		dst.VaultMount = env.VaultMount
	}
	if env.VaultPath != def.VaultPath {
		dst.VaultPath = env.VaultPath
	}
	if env.GCPPrefix != def.GCPPrefix {
		dst.GCPPrefix = env.GCPPrefix
	}
	setString(&dst.EncryptionKey, env.EncryptionKey)
	setString(&dst.AWSRegion, env.AWSRegion)
	setString(&dst.AWSEndpoint, env.AWSEndpoint)
	setString(&dst.VaultAddr, env.VaultAddr)
	setString(&dst.VaultToken, env.VaultToken)
	setString(&dst.VaultNamespace, env.VaultNamespace)
	setString(&dst.GCPProject, env.GCPProject)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*dst = d
	return nil
}

// WriteExampleConfig writes an example configuration file
func WriteExampleConfig(path string) error {
	example := `# hsemu gateway / hsectl configuration
# HSEMU_* environment variables override these settings

dev_mode = false

[http]
port = 8080
cors_origins = ["http://localhost:3000"]

[runtime]
base_url = "http://localhost:9090"
timeout = "30s"

[runtime.breaker]
enabled = true
max_requests = 5
interval = "60s"
timeout = "10s"
min_requests = 10
ratio = 0.5

[realtime]
transport = "phoenix"  # phoenix, nats, redis, mongo or sqs
schema = "public"
log_table = "execution_logs"
execution_table = "executions"
max_retries = 5
base_retry_delay = "500ms"
max_retry_delay = "10s"

[realtime.phoenix]
url = "ws://localhost:4000/realtime/v1/websocket"
api_key = ""
heartbeat_interval = "25s"
join_timeout = "10s"

[realtime.nats]
url = "nats://localhost:4222"
subject_prefix = "hsemu.changes"
embedded = false
embedded_port = 4222

[realtime.redis]
addr = "localhost:6379"
password = ""
db = 0
prefix = "hsemu:changes:"

[realtime.mongo]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "hsemu"
checkpoints = "mongo"  # memory, redis or mongo

[realtime.sqs]
queue_url = ""
region = "us-east-1"
endpoint = ""
wait_time_seconds = 20

[poller]
debounce = "1500ms"
rate_limit = "2s"
max_retries = 2
base_delay = "800ms"
jitter = "1s"

[auth]
enabled = true
jwt_secret = ""
issuer = "hsemu"
api_key_hashes = []  # bcrypt hashes of accepted X-API-Key values

[client]
gateway_url = "http://localhost:8080"
token = ""
api_key = ""

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault or gcp-sm
cache_ttl = "5m"
env_prefix = "HSEMU_SECRET_"

# Encrypted provider
encryption_key = ""
data_dir = "./data/secrets"

# AWS Secrets Manager
aws_region = ""
aws_prefix = "/hsemu/"
aws_endpoint = ""

# HashiCorp Vault
vault_addr = ""
vault_mount = "secret"
vault_path = "hsemu"
vault_namespace = ""

# GCP Secret Manager
gcp_project = ""
gcp_prefix = "hsemu-"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0644)
}
