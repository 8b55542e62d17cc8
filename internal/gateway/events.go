package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// keepAliveInterval is how often an SSE comment is written to idle streams
const keepAliveInterval = 15 * time.Second

// streamEvent is one SSE frame
type streamEvent struct {
	name string
	data interface{}
}

// EventStreams serves execution change events as server-sent events
type EventStreams struct {
	transport realtime.Transport
	base      realtime.Options

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	nextID  uint64
	closed  bool
}

// NewEventStreams creates the SSE handler. base carries schema, tables and
// retry tuning; filters and callbacks are set per stream.
func NewEventStreams(transport realtime.Transport, base realtime.Options) *EventStreams {
	return &EventStreams{
		transport: transport,
		base:      base,
		cancels:   make(map[uint64]context.CancelFunc),
	}
}

// Active returns the number of open streams
func (s *EventStreams) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// CloseAll ends every open stream and refuses new ones. It is registered with
// http.Server.RegisterOnShutdown since Shutdown does not cancel long-lived
// handlers.
func (s *EventStreams) CloseAll() {
	s.mu.Lock()
	s.closed = true
	cancels := s.cancels
	s.cancels = make(map[uint64]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (s *EventStreams) track(cancel context.CancelFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	s.nextID++
	s.cancels[s.nextID] = cancel
	metrics.GatewayEventStreams.Set(float64(len(s.cancels)))
	return s.nextID, true
}

func (s *EventStreams) untrack(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
	metrics.GatewayEventStreams.Set(float64(len(s.cancels)))
}

// HandleEvents handles GET /api/executions/{executionId}/events
func (s *EventStreams) HandleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionId")
	if executionID == "" {
		WriteError(w, http.StatusBadRequest, "executionId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, ok := s.track(cancel)
	if !ok {
		WriteError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	defer s.untrack(id)

	// Buffered so transport callbacks never block on a slow client; overflow
	// is dropped and counted.
	events := make(chan streamEvent, 256)
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
			metrics.RealtimeEventsDropped.WithLabelValues("slow_consumer").Inc()
		}
	}

	opts := s.base
	opts.ChannelName = ""
	opts.LogFilter = realtime.EqFilter("execution_id", executionID)
	opts.ExecutionFilter = realtime.EqFilter("id", executionID)
	opts.OnLog = func(ev realtime.ChangeEvent) {
		push(streamEvent{name: "log", data: ev})
	}
	opts.OnExecutionUpdate = func(ev realtime.ChangeEvent) {
		push(streamEvent{name: "execution", data: ev})
	}
	opts.OnStateChange = func(state realtime.ChannelState) {
		push(streamEvent{name: "state", data: map[string]string{"state": string(state)}})
	}
	opts.OnGiveUp = func(retries int) {
		push(streamEvent{name: "error", data: ErrorResponse{Error: fmt.Sprintf("realtime gave up after %d retries", retries)}})
		cancel()
	}

	unsubscribe, err := realtime.Subscribe(s.transport, opts)
	if err != nil {
		slog.Error("Failed to open realtime channel", "error", err, "executionId", executionID)
		WriteError(w, http.StatusInternalServerError, "Failed to open realtime channel")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	slog.Debug("Event stream opened", "executionId", executionID)
	defer slog.Debug("Event stream closed", "executionId", executionID)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(w, events)
			flusher.Flush()
			return
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// drain writes events queued before the stream ended (a give-up error frame)
func (s *EventStreams) drain(w http.ResponseWriter, events <-chan streamEvent) {
	for {
		select {
		case ev := <-events:
			if writeEvent(w, ev) != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}
