// Package phoenix implements a realtime transport that speaks the Phoenix channel
// protocol used by the hosted Postgres realtime service (postgres_changes).
//
// Each subscription owns its own websocket. The join reply maps to SUBSCRIBED,
// phx_error and failed joins to CHANNEL_ERROR, phx_close to CLOSED and an
// unanswered join to TIMED_OUT. A missed heartbeat or a read error is reported as
// CHANNEL_ERROR; reconnecting is left to realtime.Channel.
package phoenix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

var (
	ErrHeartbeatTimeout = errors.New("phoenix: heartbeat timeout")
	ErrJoinTimeout      = errors.New("phoenix: join timed out")
)

// Config configures the websocket transport
type Config struct {
	// URL is the realtime websocket endpoint, e.g.
	// wss://project.example.co/realtime/v1/websocket
	URL string

	// APIKey is sent as the apikey query parameter
	APIKey string

	// AccessToken is sent with each join (row level security)
	AccessToken string

	// HeartbeatInterval is how often a heartbeat is pushed (default 25s)
	HeartbeatInterval time.Duration

	// JoinTimeout bounds the wait for the join reply (default 10s)
	JoinTimeout time.Duration

	// WriteTimeout bounds each frame write (default 10s)
	WriteTimeout time.Duration

	// EventsPerSecond throttles outbound pushes across all subscriptions (default 10)
	EventsPerSecond float64

	// Dialer overrides websocket.DefaultDialer
	Dialer *websocket.Dialer
}

// DefaultConfig returns defaults matching the hosted realtime client
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		JoinTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		EventsPerSecond:   10,
	}
}

// Transport opens Phoenix channel subscriptions
type Transport struct {
	cfg     Config
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	refs    atomic.Uint64
}

// New validates cfg and creates a transport
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("phoenix: URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("phoenix: invalid URL: %w", err)
	}

	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = def.EventsPerSecond
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	burst := int(cfg.EventsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Transport{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst),
		dialer:  dialer,
	}, nil
}

// Name identifies the transport in logs and metrics
func (t *Transport) Name() string {
	return "phoenix"
}

// Subscribe starts a subscription in the background and returns immediately
func (t *Transport) Subscribe(name string, bindings []realtime.Binding, h realtime.TransportHandlers) (realtime.Subscription, error) {
	if len(bindings) == 0 {
		return nil, errors.New("phoenix: at least one binding is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		t:        t,
		topic:    topicPrefix + name,
		bindings: bindings,
		h:        h,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (t *Transport) nextRef() string {
	return strconv.FormatUint(t.refs.Add(1), 10)
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type subscription struct {
	t        *Transport
	topic    string
	bindings []realtime.Binding
	h        realtime.TransportHandlers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	joinRef          string
	joined           atomic.Bool
	pendingHeartbeat atomic.Value // string ref of the unanswered heartbeat

	failOnce  sync.Once
	unsubOnce sync.Once
}

func (s *subscription) run() {
	defer close(s.done)

	endpoint, err := s.t.endpoint()
	if err != nil {
		s.fail(realtime.StatusChannelError, err)
		return
	}

	header := http.Header{}
	if s.t.cfg.APIKey != "" {
		header.Set("apikey", s.t.cfg.APIKey)
	}

	dialCtx, dialCancel := context.WithTimeout(s.ctx, s.t.cfg.JoinTimeout)
	conn, _, err := s.t.dialer.DialContext(dialCtx, endpoint, header)
	dialCancel()
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && s.ctx.Err() == nil {
			s.fail(realtime.StatusTimedOut, err)
		} else {
			s.fail(realtime.StatusChannelError, err)
		}
		return
	}

	s.connMu.Lock()
	if s.ctx.Err() != nil {
		s.connMu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	// Unblock ReadMessage once the subscription is released
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	s.joinRef = s.t.nextRef()
	joinRef := s.joinRef
	if err := s.push(outbound{
		Topic:   s.topic,
		Event:   eventJoin,
		Payload: newJoinPayload(s.bindings, s.t.cfg.AccessToken),
		Ref:     s.joinRef,
		JoinRef: &joinRef,
	}); err != nil {
		s.fail(realtime.StatusChannelError, err)
		return
	}

	joinTimer := time.AfterFunc(s.t.cfg.JoinTimeout, func() {
		if !s.joined.Load() {
			s.fail(realtime.StatusTimedOut, ErrJoinTimeout)
			conn.Close()
		}
	})
	defer joinTimer.Stop()

	go s.heartbeatLoop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(realtime.StatusChannelError, err)
			}
			return
		}
		s.handle(data)
	}
}

func (s *subscription) handle(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Ignoring malformed realtime frame", "topic", s.topic, "error", err)
		return
	}

	if msg.Topic == heartbeatTopic {
		if msg.Event == eventReply && msg.Ref != nil {
			if pending, _ := s.pendingHeartbeat.Load().(string); pending == *msg.Ref {
				s.pendingHeartbeat.Store("")
			}
		}
		return
	}
	if msg.Topic != s.topic {
		return
	}

	switch msg.Event {
	case eventReply:
		if msg.Ref == nil || *msg.Ref != s.joinRef {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			s.fail(realtime.StatusChannelError, fmt.Errorf("malformed join reply: %w", err))
			return
		}
		if reply.Status != "ok" {
			s.fail(realtime.StatusChannelError, fmt.Errorf("join rejected: %s", reply.reason()))
			return
		}
		if s.joined.CompareAndSwap(false, true) {
			s.status(realtime.StatusSubscribed, nil)
		}

	case eventPostgresChanges:
		var payload changePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Debug("Ignoring malformed change payload", "topic", s.topic, "error", err)
			return
		}
		ev, err := payload.toChangeEvent()
		if err != nil {
			slog.Debug("Ignoring change payload", "topic", s.topic, "error", err)
			return
		}
		if s.ctx.Err() == nil {
			s.h.OnEvent(ev)
		}

	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err == nil && sys.Status == "error" {
			s.fail(realtime.StatusChannelError, fmt.Errorf("realtime system error: %s", sys.Message))
		}

	case eventError:
		s.fail(realtime.StatusChannelError, errors.New("channel error"))

	case eventClose:
		s.fail(realtime.StatusClosed, nil)
	}
}

func (s *subscription) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if pending, _ := s.pendingHeartbeat.Load().(string); pending != "" {
				s.fail(realtime.StatusChannelError, ErrHeartbeatTimeout)
				conn.Close()
				return
			}
			ref := s.t.nextRef()
			s.pendingHeartbeat.Store(ref)
			if err := s.push(outbound{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: map[string]any{}, Ref: ref}); err != nil {
				s.fail(realtime.StatusChannelError, err)
				conn.Close()
				return
			}
		}
	}
}

// push writes a frame, waiting on the shared outbound rate limiter first
func (s *subscription) push(frame outbound) error {
	if err := s.t.limiter.Wait(s.ctx); err != nil {
		return err
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("phoenix: not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.t.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (s *subscription) status(st realtime.TransportStatus, err error) {
	if s.ctx.Err() != nil || s.h.OnStatus == nil {
		return
	}
	s.h.OnStatus(st, err)
}

// fail reports the first terminal status of this subscription
func (s *subscription) fail(st realtime.TransportStatus, err error) {
	s.failOnce.Do(func() {
		s.status(st, err)
	})
}

// Unsubscribe leaves the channel and closes the socket
func (s *subscription) Unsubscribe() error {
	s.unsubOnce.Do(func() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn != nil && s.joined.Load() {
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteJSON(outbound{Topic: s.topic, Event: eventLeave, Payload: map[string]any{}, Ref: s.t.nextRef()})
			s.writeMu.Unlock()
		}
		s.cancel()
	})
	return nil
}
