package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
)

// HTTPService runs an http.Server and registers its shutdown with a Manager
type HTTPService struct {
	name   string
	server *http.Server
}

// NewHTTPService wraps server
func NewHTTPService(name string, server *http.Server) *HTTPService {
	return &HTTPService{name: name, server: server}
}

// Start binds the listener synchronously, so address errors surface here,
// then serves in the background. Serve errors other than a clean shutdown
// trigger m.
func (s *HTTPService) Start(m *Manager) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	slog.Info("HTTP server listening", "service", s.name, "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "service", s.name, "error", err)
			m.Trigger()
		}
	}()

	m.Register(Hook{
		Name:     s.name,
		Phase:    PhaseHTTP,
		Shutdown: s.server.Shutdown,
	})
	return nil
}

// Stop shuts the server down directly
func (s *HTTPService) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
