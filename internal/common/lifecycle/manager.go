// Package lifecycle orchestrates graceful shutdown of the gateway: stop
// accepting HTTP traffic, close open event streams, then release transports.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Phase orders shutdown hooks. Lower phases run first.
type Phase int

const (
	// PhaseHTTP stops accepting requests and drains in-flight handlers
	PhaseHTTP Phase = iota
	// PhaseStreams tears down realtime channels behind open event streams
	PhaseStreams
	// PhaseTransport closes transport connections and embedded servers
	PhaseTransport
	// PhaseFinal flushes anything left (secrets clients, logs)
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseHTTP:
		return "http"
	case PhaseStreams:
		return "streams"
	case PhaseTransport:
		return "transport"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Hook is one shutdown step
type Hook struct {
	Name     string
	Phase    Phase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager runs registered hooks phase by phase; hooks within a phase run in
// parallel
type Manager struct {
	mu      sync.Mutex
	hooks   []Hook
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// NewManager creates a manager with an overall shutdown budget
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a hook. A zero Timeout defaults to 10s.
func (m *Manager) Register(hook Hook) {
	if hook.Timeout <= 0 {
		hook.Timeout = 10 * time.Second
	}
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// OnShutdown registers fn in phase with the default timeout
func (m *Manager) OnShutdown(name string, phase Phase, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: phase, Shutdown: fn})
}

// Trigger starts shutdown without a signal. Safe to call more than once.
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.done) })
}

// Wait blocks until SIGINT/SIGTERM, Trigger or ctx is done
func (m *Manager) Wait(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case <-m.done:
		slog.Info("Shutdown triggered")
	case <-ctx.Done():
		slog.Info("Shutdown on context cancellation")
	}
}

// Execute runs every phase in order. It returns context.DeadlineExceeded when
// the overall budget ran out, and the joined hook errors otherwise.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, h := range hooks {
		byPhase[h.Phase] = append(byPhase[h.Phase], h)
	}

	slog.Info("Starting graceful shutdown", "hooks", len(hooks), "timeout", m.timeout)

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, phase := range []Phase{PhaseHTTP, PhaseStreams, PhaseTransport, PhaseFinal} {
		if len(byPhase[phase]) == 0 {
			continue
		}
		slog.Debug("Shutdown phase", "phase", phase.String(), "hooks", len(byPhase[phase]))

		var wg sync.WaitGroup
		for _, h := range byPhase[phase] {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				if err := runHook(ctx, h); err != nil {
					errMu.Lock()
					errs = append(errs, err)
					errMu.Unlock()
				}
			}(h)
		}
		wg.Wait()

		if ctx.Err() != nil {
			slog.Warn("Shutdown budget exhausted", "phase", phase.String())
			return ctx.Err()
		}
	}

	slog.Info("Graceful shutdown completed")
	return errors.Join(errs...)
}

func runHook(parent context.Context, h Hook) error {
	ctx, cancel := context.WithTimeout(parent, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Shutdown(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Shutdown hook failed", "hook", h.Name, "error", err)
		}
		return err
	case <-ctx.Done():
		slog.Warn("Shutdown hook timed out", "hook", h.Name)
		return nil
	}
}

// Run waits for a shutdown trigger and executes the hooks
func (m *Manager) Run(ctx context.Context) error {
	m.Wait(ctx)
	return m.Execute()
}
