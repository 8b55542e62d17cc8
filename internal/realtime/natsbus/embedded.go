package natsbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server for dev mode and tests
type EmbeddedServer struct {
	server *server.Server
}

// EmbeddedConfig holds configuration for the embedded server
type EmbeddedConfig struct {
	// Host is the bind address (default: 127.0.0.1)
	Host string

	// Port is the server port; -1 picks a random free port
	Port int
}

// DefaultEmbeddedConfig returns default embedded server configuration
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		Host: "127.0.0.1",
		Port: 4222,
	}
}

// StartEmbedded starts an embedded NATS server and waits until it accepts clients
func StartEmbedded(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start within timeout")
	}

	slog.Info("Embedded NATS server started", "url", ns.ClientURL())

	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the URL clients should connect to
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit
func (e *EmbeddedServer) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	slog.Info("Embedded NATS server stopped")
}
