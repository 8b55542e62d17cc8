// Package bootstrap wires the configured realtime transport, secrets provider
// and status client together for the gateway and hsectl binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/backoff"
	hsmongo "github.com/morganzwest/hsemulator-ui-sub001/internal/common/mongo"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/secrets"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/config"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/mongostream"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/mongostream/checkpoint"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/natsbus"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/phoenix"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/redisbus"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/sqsfeed"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/status"
)

// resumeTokenTTL bounds how long redis-held change stream checkpoints live
const resumeTokenTTL = 7 * 24 * time.Hour

// Options selects which components Initialize builds
type Options struct {
	// Transport builds the configured realtime transport
	Transport bool

	// Secrets builds the CI/CD secret resolver
	Secrets bool

	// StatusClient builds a workflow status client pointed at the gateway
	StatusClient bool
}

// App holds the initialized components. Fields for components that were not
// requested are nil.
type App struct {
	Config *config.Config

	Transport realtime.Transport

	// TransportPing probes the transport backend; nil when the transport
	// cannot be pinged (phoenix connects per subscription)
	TransportPing func(ctx context.Context) error

	Secrets *secrets.Resolver
	Status  *status.Client

	cleanups []func()
}

func (a *App) onCleanup(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// Close releases everything in reverse creation order
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

// Initialize builds the requested components. On error everything created so
// far is released before returning.
func Initialize(ctx context.Context, cfg *config.Config, opts Options) (*App, func(), error) {
	app := &App{Config: cfg}

	if opts.Secrets {
		if err := app.initSecrets(ctx); err != nil {
			app.Close()
			return nil, nil, err
		}
	}

	if opts.Transport {
		if err := app.initTransport(ctx); err != nil {
			app.Close()
			return nil, nil, err
		}
	}

	if opts.StatusClient {
		client, err := NewStatusClient(cfg)
		if err != nil {
			app.Close()
			return nil, nil, err
		}
		app.Status = client
	}

	return app, app.Close, nil
}

func (a *App) initSecrets(ctx context.Context) error {
	provider, err := secrets.NewProvider(ctx, &a.Config.Secrets)
	if err != nil {
		return fmt.Errorf("failed to create secrets provider: %w", err)
	}
	if closer, ok := provider.(interface{ Close() error }); ok {
		a.onCleanup(func() {
			if err := closer.Close(); err != nil {
				slog.Error("Error closing secrets provider", "error", err)
			}
		})
	}
	a.Secrets = secrets.NewResolver(provider, a.Config.Secrets.CacheTTL)
	slog.Info("Secrets provider initialized", "provider", provider.Name())
	return nil
}

func (a *App) initTransport(ctx context.Context) error {
	rc := a.Config.Realtime

	switch rc.Transport {
	case config.TransportPhoenix:
		t, err := phoenix.New(phoenix.Config{
			URL:               rc.Phoenix.URL,
			APIKey:            rc.Phoenix.APIKey,
			HeartbeatInterval: rc.Phoenix.HeartbeatInterval,
			JoinTimeout:       rc.Phoenix.JoinTimeout,
		})
		if err != nil {
			return err
		}
		a.Transport = t

	case config.TransportNATS:
		url := rc.NATS.URL
		if rc.NATS.Embedded {
			embedded, err := natsbus.StartEmbedded(&natsbus.EmbeddedConfig{
				Host: "127.0.0.1",
				Port: rc.NATS.EmbeddedPort,
			})
			if err != nil {
				return err
			}
			a.onCleanup(embedded.Shutdown)
			url = embedded.ClientURL()
		}
		t, err := natsbus.Connect(natsbus.Config{URL: url, SubjectPrefix: rc.NATS.SubjectPrefix})
		if err != nil {
			return err
		}
		a.onCleanup(t.Close)
		a.Transport = t
		a.TransportPing = func(context.Context) error { return t.Flush() }

	case config.TransportRedis:
		t, err := redisbus.Connect(redisbus.Config{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
			Prefix:   rc.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		a.onCleanup(func() { t.Close() })
		a.Transport = t
		a.TransportPing = t.Ping

	case config.TransportMongo:
		if err := a.initMongo(ctx); err != nil {
			return err
		}

	case config.TransportSQS:
		t, err := sqsfeed.Connect(ctx, sqsfeed.Config{
			QueueURL:        rc.SQS.QueueURL,
			Region:          rc.SQS.Region,
			Endpoint:        rc.SQS.Endpoint,
			WaitTimeSeconds: int32(rc.SQS.WaitTimeSeconds),
		})
		if err != nil {
			return err
		}
		a.onCleanup(t.Close)
		a.Transport = t
		a.TransportPing = t.HealthCheck

	default:
		return fmt.Errorf("unknown realtime transport: %s", rc.Transport)
	}

	slog.Info("Realtime transport initialized", "transport", rc.Transport)
	return nil
}

func (a *App) initMongo(ctx context.Context) error {
	rc := a.Config.Realtime

	client, err := hsmongo.Connect(ctx, rc.Mongo.URI, rc.Mongo.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	a.onCleanup(func() {
		if err := client.Disconnect(context.Background()); err != nil {
			slog.Error("Error disconnecting from MongoDB", "error", err)
		}
	})

	hsmongo.NewIndexInitializer(client, rc.LogTable, rc.ExecutionTable).Initialize(ctx)

	var store checkpoint.Store
	switch rc.Mongo.Checkpoints {
	case "memory":
		store = checkpoint.NewMemoryStore()
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		a.onCleanup(func() { rdb.Close() })
		store = checkpoint.NewRedisStore(rdb, rc.Redis.Prefix+"resume:", resumeTokenTTL)
	default:
		store = checkpoint.NewMongoStore(client.Database())
	}

	t, err := mongostream.New(client.Raw(), mongostream.Config{
		Database:    rc.Mongo.Database,
		Checkpoints: store,
	})
	if err != nil {
		return err
	}
	a.Transport = t
	a.TransportPing = client.Ping
	return nil
}

// NewStatusClient creates a status client for the gateway in cfg.Client,
// retrying with the poller policy
func NewStatusClient(cfg *config.Config) (*status.Client, error) {
	policy := backoff.Policy{
		MaxRetries: cfg.Poller.MaxRetries,
		BaseDelay:  cfg.Poller.BaseDelay,
		Jitter:     cfg.Poller.Jitter,
	}
	return status.NewClient(status.ClientConfig{
		BaseURL: cfg.Client.GatewayURL,
		Token:   cfg.Client.Token,
		APIKey:  cfg.Client.APIKey,
		Timeout: cfg.Runtime.Timeout,
		Retry:   &policy,
	})
}

// PollerConfig converts the poller section into status.PollerConfig
func PollerConfig(cfg *config.Config, onChange func(status.Snapshot)) status.PollerConfig {
	return status.PollerConfig{
		Debounce:  cfg.Poller.Debounce,
		RateLimit: cfg.Poller.RateLimit,
		OnChange:  onChange,
	}
}

// ChannelOptions fills the table and retry settings of realtime.Options from
// config. Callbacks and the filter are left to the caller.
func ChannelOptions(cfg *config.Config) realtime.Options {
	rc := cfg.Realtime
	return realtime.Options{
		Schema:         rc.Schema,
		LogTable:       rc.LogTable,
		ExecutionTable: rc.ExecutionTable,
		MaxRetries:     rc.MaxRetries,
		BaseRetryDelay: rc.BaseRetryDelay,
		MaxRetryDelay:  rc.MaxRetryDelay,
	}
}
