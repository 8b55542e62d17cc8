// hsemu gateway
//
// Proxies workflow status checks to the execution runtime and streams
// execution logs from the configured realtime transport.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/bootstrap"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/health"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/lifecycle"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/config"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/gateway"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("HSEMU_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting hsemu gateway",
		"version", version,
		"build_time", buildTime)

	if err := run(); err != nil {
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateGateway(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DevMode {
		slog.Warn("Running in dev mode, authentication is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, cleanup, err := bootstrap.Initialize(ctx, cfg, bootstrap.Options{
		Transport: true,
		Secrets:   true,
	})
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		RuntimeURL:     cfg.Runtime.BaseURL,
		RuntimeTimeout: cfg.Runtime.Timeout,
		RuntimeBreaker: cfg.Runtime.Breaker,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		Auth: gateway.AuthConfig{
			Enabled:      cfg.Auth.Enabled && !cfg.DevMode,
			JWTSecret:    cfg.Auth.JWTSecret,
			Issuer:       cfg.Auth.Issuer,
			APIKeyHashes: cfg.Auth.APIKeyHashes,
		},
		Channel: bootstrap.ChannelOptions(cfg),
	}, app.Secrets, app.Transport, nil)

	checker := health.NewChecker(2 * time.Second)
	checker.AddReadinessCheck(health.RuntimeCheck(&http.Client{Timeout: 2 * time.Second}, cfg.Runtime.BaseURL+"/health"))
	checker.AddReadinessCheck(health.BreakerCheck("RuntimeBreaker", gw.StatusProxy().Breaker()))
	if app.TransportPing != nil {
		checker.AddReadinessCheck(health.PingCheck("RealtimeTransport", app.TransportPing))
	}
	checker.AddLivenessCheck(health.StreamsCheck(gw.ActiveStreams))
	gw.SetHealth(checker)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(gw.CloseStreams)

	manager := lifecycle.NewManager(30 * time.Second)
	manager.OnShutdown("event-streams", lifecycle.PhaseStreams, func(context.Context) error {
		gw.CloseStreams()
		return nil
	})
	manager.OnShutdown("transport", lifecycle.PhaseTransport, func(context.Context) error {
		cleanup()
		return nil
	})

	if err := lifecycle.NewHTTPService("gateway", server).Start(manager); err != nil {
		cleanup()
		return err
	}
	slog.Info("Gateway listening",
		"port", cfg.HTTP.Port,
		"runtime", cfg.Runtime.BaseURL,
		"transport", cfg.Realtime.Transport)

	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	slog.Info("Gateway stopped")
	return nil
}
