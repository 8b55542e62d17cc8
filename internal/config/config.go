package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/breaker"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
)

// Transport types for the realtime section
const (
	TransportPhoenix = "phoenix"
	TransportNATS    = "nats"
	TransportRedis   = "redis"
	TransportMongo   = "mongo"
	TransportSQS     = "sqs"
)

// Config holds all configuration for the gateway and the CLI
type Config struct {
	HTTP     HTTPConfig
	Runtime  RuntimeConfig
	Realtime RealtimeConfig
	Poller   PollerConfig
	Auth     AuthConfig
	Client   ClientConfig
	Secrets  secrets.Config
	DevMode  bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// RuntimeConfig describes the upstream execution runtime
type RuntimeConfig struct {
	BaseURL string
	Timeout time.Duration
	Breaker breaker.Config
}

// RealtimeConfig selects and tunes the change-event transport
type RealtimeConfig struct {
	Transport      string
	Schema         string
	LogTable       string
	ExecutionTable string

	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	Phoenix PhoenixConfig
	NATS    NATSConfig
	Redis   RedisConfig
	Mongo   MongoConfig
	SQS     SQSConfig
}

// PhoenixConfig holds realtime websocket settings
type PhoenixConfig struct {
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
}

// NATSConfig holds NATS settings. Embedded starts an in-process server.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Embedded      bool
	EmbeddedPort  int
}

// RedisConfig holds Redis pub/sub settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// MongoConfig holds change stream settings
type MongoConfig struct {
	URI      string
	Database string

	// Checkpoints is where resume tokens are kept: memory, redis or mongo
	Checkpoints string
}

// SQSConfig holds SQS feed settings
type SQSConfig struct {
	QueueURL        string
	Region          string
	Endpoint        string
	WaitTimeSeconds int
}

// PollerConfig tunes the workflow status poller
type PollerConfig struct {
	Debounce   time.Duration
	RateLimit  time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	Jitter     time.Duration
}

// AuthConfig holds gateway authentication settings
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	Issuer    string

	// APIKeyHashes are bcrypt hashes of accepted X-API-Key values
	APIKeyHashes []string
}

// ClientConfig is used by hsectl to reach a gateway
type ClientConfig struct {
	GatewayURL string
	Token      string
	APIKey     string
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Runtime: RuntimeConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 30 * time.Second,
			Breaker: breaker.DefaultConfig(),
		},
		Realtime: RealtimeConfig{
			Transport:      TransportPhoenix,
			Schema:         "public",
			LogTable:       "execution_logs",
			ExecutionTable: "executions",
			MaxRetries:     5,
			BaseRetryDelay: 500 * time.Millisecond,
			MaxRetryDelay:  10 * time.Second,
			Phoenix: PhoenixConfig{
				URL:               "ws://localhost:4000/realtime/v1/websocket",
				HeartbeatInterval: 25 * time.Second,
				JoinTimeout:       10 * time.Second,
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "hsemu.changes",
				EmbeddedPort:  4222,
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "hsemu:changes:",
			},
			Mongo: MongoConfig{
				URI:         "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true",
				Database:    "hsemu",
				Checkpoints: "mongo",
			},
			SQS: SQSConfig{
				Region:          "us-east-1",
				WaitTimeSeconds: 20,
			},
		},
		Poller: PollerConfig{
			Debounce:   1500 * time.Millisecond,
			RateLimit:  2000 * time.Millisecond,
			MaxRetries: 2,
			BaseDelay:  800 * time.Millisecond,
			Jitter:     time.Second,
		},
		Auth: AuthConfig{
			Enabled: true,
			Issuer:  "hsemu",
		},
		Client: ClientConfig{
			GatewayURL: "http://localhost:8080",
		},
		Secrets: *secrets.DefaultConfig(),
	}
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := Defaults()
	cfg.Secrets = *secrets.LoadConfigFromEnv()
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

// applyEnv overrides cfg with every HSEMU_* variable that is set. The current
// value of each field is the default, so file values survive unset variables.
func applyEnv(cfg *Config) {
	cfg.HTTP.Port = getEnvInt("HSEMU_HTTP_PORT", cfg.HTTP.Port)
	cfg.HTTP.CORSOrigins = getEnvSlice("HSEMU_CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	rt := &cfg.Runtime
	rt.BaseURL = getEnv("HSEMU_RUNTIME_URL", rt.BaseURL)
	rt.Timeout = getEnvDuration("HSEMU_RUNTIME_TIMEOUT", rt.Timeout)
	rt.Breaker.Enabled = getEnvBool("HSEMU_RUNTIME_BREAKER_ENABLED", rt.Breaker.Enabled)
	rt.Breaker.MaxRequests = uint32(getEnvInt("HSEMU_RUNTIME_BREAKER_MAX_REQUESTS", int(rt.Breaker.MaxRequests)))
	rt.Breaker.Interval = getEnvDuration("HSEMU_RUNTIME_BREAKER_INTERVAL", rt.Breaker.Interval)
	rt.Breaker.Timeout = getEnvDuration("HSEMU_RUNTIME_BREAKER_TIMEOUT", rt.Breaker.Timeout)
	rt.Breaker.MinRequests = uint32(getEnvInt("HSEMU_RUNTIME_BREAKER_MIN_REQUESTS", int(rt.Breaker.MinRequests)))

	rc := &cfg.Realtime
	rc.Transport = strings.ToLower(getEnv("HSEMU_REALTIME_TRANSPORT", rc.Transport))
	rc.Schema = getEnv("HSEMU_REALTIME_SCHEMA", rc.Schema)
	rc.LogTable = getEnv("HSEMU_REALTIME_LOG_TABLE", rc.LogTable)
	rc.ExecutionTable = getEnv("HSEMU_REALTIME_EXECUTION_TABLE", rc.ExecutionTable)
	rc.MaxRetries = getEnvInt("HSEMU_REALTIME_MAX_RETRIES", rc.MaxRetries)
	rc.BaseRetryDelay = getEnvDuration("HSEMU_REALTIME_BASE_RETRY_DELAY", rc.BaseRetryDelay)
	rc.MaxRetryDelay = getEnvDuration("HSEMU_REALTIME_MAX_RETRY_DELAY", rc.MaxRetryDelay)

	rc.Phoenix.URL = getEnv("HSEMU_REALTIME_URL", rc.Phoenix.URL)
	rc.Phoenix.APIKey = getEnv("HSEMU_REALTIME_API_KEY", rc.Phoenix.APIKey)
	rc.Phoenix.HeartbeatInterval = getEnvDuration("HSEMU_REALTIME_HEARTBEAT", rc.Phoenix.HeartbeatInterval)
	rc.Phoenix.JoinTimeout = getEnvDuration("HSEMU_REALTIME_JOIN_TIMEOUT", rc.Phoenix.JoinTimeout)

	rc.NATS.URL = getEnv("HSEMU_NATS_URL", rc.NATS.URL)
	rc.NATS.SubjectPrefix = getEnv("HSEMU_NATS_SUBJECT_PREFIX", rc.NATS.SubjectPrefix)
	rc.NATS.Embedded = getEnvBool("HSEMU_NATS_EMBEDDED", rc.NATS.Embedded)
	rc.NATS.EmbeddedPort = getEnvInt("HSEMU_NATS_EMBEDDED_PORT", rc.NATS.EmbeddedPort)

	rc.Redis.Addr = getEnv("HSEMU_REDIS_ADDR", rc.Redis.Addr)
	rc.Redis.Password = getEnv("HSEMU_REDIS_PASSWORD", rc.Redis.Password)
	rc.Redis.DB = getEnvInt("HSEMU_REDIS_DB", rc.Redis.DB)
	rc.Redis.Prefix = getEnv("HSEMU_REDIS_PREFIX", rc.Redis.Prefix)

	rc.Mongo.URI = getEnv("HSEMU_MONGODB_URI", rc.Mongo.URI)
	rc.Mongo.Database = getEnv("HSEMU_MONGODB_DATABASE", rc.Mongo.Database)
	rc.Mongo.Checkpoints = strings.ToLower(getEnv("HSEMU_MONGODB_CHECKPOINTS", rc.Mongo.Checkpoints))

	rc.SQS.QueueURL = getEnv("HSEMU_SQS_QUEUE_URL", rc.SQS.QueueURL)
	rc.SQS.Region = getEnv("HSEMU_SQS_REGION", getEnv("AWS_REGION", rc.SQS.Region))
	rc.SQS.Endpoint = getEnv("HSEMU_SQS_ENDPOINT", rc.SQS.Endpoint)
	rc.SQS.WaitTimeSeconds = getEnvInt("HSEMU_SQS_WAIT_TIME_SECONDS", rc.SQS.WaitTimeSeconds)

	pc := &cfg.Poller
	pc.Debounce = getEnvDuration("HSEMU_POLLER_DEBOUNCE", pc.Debounce)
	pc.RateLimit = getEnvDuration("HSEMU_POLLER_RATE_LIMIT", pc.RateLimit)
	pc.MaxRetries = getEnvInt("HSEMU_POLLER_MAX_RETRIES", pc.MaxRetries)
	pc.BaseDelay = getEnvDuration("HSEMU_POLLER_BASE_DELAY", pc.BaseDelay)
	pc.Jitter = getEnvDuration("HSEMU_POLLER_JITTER", pc.Jitter)

	cfg.Auth.Enabled = getEnvBool("HSEMU_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnv("HSEMU_AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getEnv("HSEMU_AUTH_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.APIKeyHashes = getEnvSlice("HSEMU_AUTH_API_KEY_HASHES", cfg.Auth.APIKeyHashes)

	cfg.Client.GatewayURL = getEnv("HSEMU_GATEWAY_URL", cfg.Client.GatewayURL)
	cfg.Client.Token = getEnv("HSEMU_TOKEN", cfg.Client.Token)
	cfg.Client.APIKey = getEnv("HSEMU_API_KEY", cfg.Client.APIKey)

	cfg.DevMode = getEnvBool("HSEMU_DEV", cfg.DevMode)
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Realtime.Transport {
	case TransportPhoenix, TransportNATS, TransportRedis, TransportMongo, TransportSQS:
	default:
		return fmt.Errorf("unknown realtime transport %q", c.Realtime.Transport)
	}
	if c.Realtime.LogTable == "" || c.Realtime.ExecutionTable == "" {
		return errors.New("realtime log and execution tables are required")
	}
	if c.Realtime.LogTable == c.Realtime.ExecutionTable {
		return errors.New("realtime log and execution tables must differ")
	}
	if c.Realtime.Transport == TransportSQS && c.Realtime.SQS.QueueURL == "" {
		return errors.New("sqs transport requires a queue url")
	}
	switch c.Realtime.Mongo.Checkpoints {
	case "memory", "redis", "mongo":
	default:
		return fmt.Errorf("unknown checkpoint store %q", c.Realtime.Mongo.Checkpoints)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	return nil
}

// ValidateGateway adds the checks that only apply to the server
func (c *Config) ValidateGateway() error {
	if c.Runtime.BaseURL == "" {
		return errors.New("runtime base url is required")
	}
	if c.Auth.Enabled && !c.DevMode && c.Auth.JWTSecret == "" && len(c.Auth.APIKeyHashes) == 0 {
		return errors.New("auth is enabled but neither a JWT secret nor API key hashes are configured")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	return defaultValue
}
