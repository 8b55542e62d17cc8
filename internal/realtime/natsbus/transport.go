// Package natsbus implements a realtime transport over core NATS subjects.
//
// Change events are published as JSON ChangeEvents on
// "<prefix>.<schema>.<table>". Row filters are applied client-side.
package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"log/slog"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty
const DefaultSubjectPrefix = "hsemu.changes"

// Config holds NATS transport configuration
type Config struct {
	// URL is the NATS server URL
	URL string

	// SubjectPrefix is prepended to "<schema>.<table>"
	SubjectPrefix string

	// SubscribeTimeout bounds the flush that confirms a subscription (default 5s)
	SubscribeTimeout time.Duration

	// BufferSize is the per-subscription pending message buffer (default 256)
	BufferSize int
}

// Transport delivers change events published on NATS subjects
type Transport struct {
	conn   *nats.Conn
	cfg    Config
	owned  bool
	mu     sync.Mutex
	active map[*subscription]struct{}
}

// Connect dials NATS and wires connection-level handlers into the subscriptions
func Connect(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	t := newTransport(cfg)

	conn, err := nats.Connect(cfg.URL,
		nats.Name("hsemu-realtime"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrDisconnected
			}
			slog.Warn("NATS disconnected", "error", err)
			t.broadcast(realtime.StatusChannelError, err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.broadcast(realtime.StatusClosed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			t.subscriptionError(sub, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = conn
	t.owned = true
	return t, nil
}

// New wraps an existing connection. Connection-level disconnects are not
// observed; only subscription errors are reported.
func New(conn *nats.Conn, cfg Config) *Transport {
	t := newTransport(cfg)
	t.conn = conn
	return t
}

func newTransport(cfg Config) *Transport {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Transport{cfg: cfg, active: make(map[*subscription]struct{})}
}

// Name identifies the transport in logs and metrics
func (t *Transport) Name() string {
	return "nats"
}

// Subject returns the subject events for schema.table are published on
func (t *Transport) Subject(schema, table string) string {
	if schema == "" {
		schema = "public"
	}
	return t.cfg.SubjectPrefix + "." + schema + "." + table
}

// Publish sends a change event to its table subject
func (t *Transport) Publish(ev realtime.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := t.conn.Publish(t.Subject(ev.Schema, ev.Table), data); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Flush waits for the server to process everything published so far
func (t *Transport) Flush() error {
	return t.conn.FlushTimeout(t.cfg.SubscribeTimeout)
}

// Subscribe subscribes to every binding's table subject. All subjects feed one
// buffered channel so events are delivered in arrival order.
func (t *Transport) Subscribe(name string, bindings []realtime.Binding, h realtime.TransportHandlers) (realtime.Subscription, error) {
	if len(bindings) == 0 {
		return nil, errors.New("natsbus: at least one binding is required")
	}

	s := &subscription{
		t:        t,
		name:     name,
		bindings: bindings,
		h:        h,
		msgs:     make(chan *nats.Msg, t.cfg.BufferSize),
		done:     make(chan struct{}),
	}

	subjects := make(map[string]struct{})
	for _, b := range bindings {
		subjects[t.Subject(b.Schema, b.Table)] = struct{}{}
	}
	for subject := range subjects {
		ns, err := t.conn.ChanSubscribe(subject, s.msgs)
		if err != nil {
			s.drain()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, ns)
	}

	t.mu.Lock()
	t.active[s] = struct{}{}
	t.mu.Unlock()

	go s.dispatch()
	go s.confirm()

	return s, nil
}

// Close closes the connection when the transport dialled it
func (t *Transport) Close() {
	if t.owned && t.conn != nil {
		t.conn.Close()
	}
}

func (t *Transport) broadcast(status realtime.TransportStatus, err error) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.active))
	for s := range t.active {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.report(status, err)
	}
}

func (t *Transport) subscriptionError(ns *nats.Subscription, err error) {
	t.mu.Lock()
	var target *subscription
	for s := range t.active {
		for _, candidate := range s.subs {
			if candidate == ns {
				target = s
			}
		}
	}
	t.mu.Unlock()

	if target != nil {
		target.report(realtime.StatusChannelError, err)
		return
	}
	slog.Warn("NATS async error", "error", err)
}

type subscription struct {
	t        *Transport
	name     string
	bindings []realtime.Binding
	h        realtime.TransportHandlers
	subs     []*nats.Subscription
	msgs     chan *nats.Msg
	done     chan struct{}

	mu       sync.Mutex
	released bool
	reported bool
}

// confirm round-trips to the server so SUBSCRIBED means the interest is registered
func (s *subscription) confirm() {
	if err := s.t.conn.FlushTimeout(s.t.cfg.SubscribeTimeout); err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			s.report(realtime.StatusTimedOut, err)
			return
		}
		s.report(realtime.StatusChannelError, err)
		return
	}

	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if !released && s.h.OnStatus != nil {
		s.h.OnStatus(realtime.StatusSubscribed, nil)
	}
}

func (s *subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.msgs:
			ev, err := realtime.DecodeChangeEvent(msg.Data)
			if err != nil {
				slog.Debug("Ignoring malformed change event", "subject", msg.Subject, "error", err)
				continue
			}
			if !realtime.MatchAny(s.bindings, ev) {
				continue
			}
			s.mu.Lock()
			released := s.released
			s.mu.Unlock()
			if released {
				return
			}
			s.h.OnEvent(ev)
		}
	}
}

// report delivers the first failure signal; later ones are dropped
func (s *subscription) report(status realtime.TransportStatus, err error) {
	s.mu.Lock()
	if s.released || s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	s.mu.Unlock()

	if s.h.OnStatus != nil {
		s.h.OnStatus(status, err)
	}
}

func (s *subscription) drain() {
	for _, ns := range s.subs {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			slog.Debug("NATS unsubscribe failed", "subject", ns.Subject, "error", err)
		}
	}
}

// Unsubscribe removes the NATS interest and stops dispatch
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.t.mu.Lock()
	delete(s.t.active, s)
	s.t.mu.Unlock()

	s.drain()
	close(s.done)
	return nil
}
