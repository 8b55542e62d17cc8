package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/config"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/natsbus"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/phoenix"
)

func TestInitializePhoenix(t *testing.T) {
	cfg := config.Defaults()

	app, cleanup, err := Initialize(context.Background(), cfg, Options{Transport: true})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer cleanup()

	if _, ok := app.Transport.(*phoenix.Transport); !ok {
		t.Errorf("Expected phoenix transport, got %T", app.Transport)
	}
	if app.TransportPing != nil {
		t.Error("Expected no ping for phoenix")
	}
	if app.Secrets != nil || app.Status != nil {
		t.Error("Expected unrequested components to stay nil")
	}
}

func TestInitializeEmbeddedNATS(t *testing.T) {
	cfg := config.Defaults()
	cfg.Realtime.Transport = config.TransportNATS
	cfg.Realtime.NATS.Embedded = true
	cfg.Realtime.NATS.EmbeddedPort = -1

	app, cleanup, err := Initialize(context.Background(), cfg, Options{Transport: true})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer cleanup()

	if _, ok := app.Transport.(*natsbus.Transport); !ok {
		t.Errorf("Expected nats transport, got %T", app.Transport)
	}
	if app.TransportPing == nil {
		t.Fatal("Expected a ping for nats")
	}
	if err := app.TransportPing(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}
}

func TestInitializeUnknownTransport(t *testing.T) {
	cfg := config.Defaults()
	cfg.Realtime.Transport = "carrier-pigeon"

	if _, _, err := Initialize(context.Background(), cfg, Options{Transport: true}); err == nil {
		t.Error("Expected error for unknown transport")
	}
}

func TestInitializeRedisUnreachable(t *testing.T) {
	cfg := config.Defaults()
	cfg.Realtime.Transport = config.TransportRedis
	cfg.Realtime.Redis.Addr = "127.0.0.1:1"

	if _, _, err := Initialize(context.Background(), cfg, Options{Transport: true}); err == nil {
		t.Error("Expected error for unreachable redis")
	}
}

func TestInitializeSecretsAndStatus(t *testing.T) {
	t.Setenv("HSEMU_SECRET_CICD_PROD", `{"token":"pat-123"}`)
	cfg := config.Defaults()

	app, cleanup, err := Initialize(context.Background(), cfg, Options{Secrets: true, StatusClient: true})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer cleanup()

	token, err := app.Secrets.Resolve(context.Background(), "prod")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if token != "pat-123" {
		t.Errorf("Expected pat-123, got %s", token)
	}
	if app.Status == nil {
		t.Error("Expected a status client")
	}
}

func TestStatusClientRequiresGatewayURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.Client.GatewayURL = ""
	if _, err := NewStatusClient(cfg); err == nil {
		t.Error("Expected error without a gateway URL")
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	app := &App{}
	var order []int
	app.onCleanup(func() { order = append(order, 1) })
	app.onCleanup(func() { order = append(order, 2) })
	app.onCleanup(func() { order = append(order, 3) })

	app.Close()
	app.Close()

	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("Expected [3 2 1], got %v", order)
	}
}

func TestChannelAndPollerOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Realtime.LogTable = "logs"
	cfg.Realtime.MaxRetryDelay = 3 * time.Second
	cfg.Poller.RateLimit = 4 * time.Second

	opts := ChannelOptions(cfg)
	if opts.LogTable != "logs" || opts.ExecutionTable != "executions" {
		t.Errorf("Unexpected tables %s/%s", opts.LogTable, opts.ExecutionTable)
	}
	if opts.MaxRetries != 5 || opts.MaxRetryDelay != 3*time.Second {
		t.Errorf("Unexpected retry settings %+v", opts)
	}

	pc := PollerConfig(cfg, nil)
	if pc.Debounce != 1500*time.Millisecond || pc.RateLimit != 4*time.Second {
		t.Errorf("Unexpected poller config %+v", pc)
	}
}
