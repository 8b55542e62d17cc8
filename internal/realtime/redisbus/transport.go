// Package redisbus implements a realtime transport over Redis pub/sub.
//
// Change events are published as JSON on "<prefix><schema>:<table>".
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// DefaultPrefix is the channel prefix used when Config.Prefix is empty
const DefaultPrefix = "hsemu:changes:"

// Config holds Redis transport configuration
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (optional)
	Password string

	// DB is the Redis database number
	DB int

	// Prefix is the pub/sub channel prefix (default: "hsemu:changes:")
	Prefix string

	// SubscribeTimeout bounds the wait for the subscribe confirmation (default 5s)
	SubscribeTimeout time.Duration
}

// Transport delivers change events published on Redis channels
type Transport struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	owned   bool
}

// Connect creates a client and verifies the connection
func Connect(cfg Config) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t := NewFromClient(client, cfg.Prefix, cfg.SubscribeTimeout)
	t.owned = true
	return t, nil
}

// NewFromClient creates a transport from an existing client
func NewFromClient(client *redis.Client, prefix string, subscribeTimeout time.Duration) *Transport {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if subscribeTimeout <= 0 {
		subscribeTimeout = 5 * time.Second
	}
	return &Transport{client: client, prefix: prefix, timeout: subscribeTimeout}
}

// Name identifies the transport in logs and metrics
func (t *Transport) Name() string {
	return "redis"
}

// ChannelFor returns the pub/sub channel for schema.table
func (t *Transport) ChannelFor(schema, table string) string {
	if schema == "" {
		schema = "public"
	}
	return t.prefix + schema + ":" + table
}

// Publish sends a change event to its table channel
func (t *Transport) Publish(ctx context.Context, ev realtime.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := t.client.Publish(ctx, t.ChannelFor(ev.Schema, ev.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client when the transport created it
func (t *Transport) Close() error {
	if t.owned {
		return t.client.Close()
	}
	return nil
}

// Subscribe opens one PubSub connection covering every binding's channel
func (t *Transport) Subscribe(name string, bindings []realtime.Binding, h realtime.TransportHandlers) (realtime.Subscription, error) {
	if len(bindings) == 0 {
		return nil, errors.New("redisbus: at least one binding is required")
	}

	seen := make(map[string]struct{})
	channels := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ch := t.ChannelFor(b.Schema, b.Table)
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		t:        t,
		name:     name,
		bindings: bindings,
		h:        h,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.pubsub = t.client.Subscribe(ctx, channels...)

	go s.run(len(channels))
	return s, nil
}

type subscription struct {
	t        *Transport
	name     string
	bindings []realtime.Binding
	h        realtime.TransportHandlers
	pubsub   *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run(expected int) {
	defer close(s.done)

	// Wait for a confirmation per channel before reporting SUBSCRIBED
	confirmed := 0
	deadline := time.Now().Add(s.t.timeout)
	for confirmed < expected {
		msg, err := s.pubsub.ReceiveTimeout(s.ctx, time.Until(deadline))
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.status(realtime.StatusTimedOut, err)
				return
			}
			s.status(realtime.StatusChannelError, err)
			return
		}
		if _, ok := msg.(*redis.Subscription); ok {
			confirmed++
		}
	}
	s.status(realtime.StatusSubscribed, nil)

	for {
		msg, err := s.pubsub.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.status(realtime.StatusChannelError, err)
			}
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			ev, err := realtime.DecodeChangeEvent([]byte(m.Payload))
			if err != nil {
				slog.Debug("Ignoring malformed change event", "channel", m.Channel, "error", err)
				continue
			}
			if !realtime.MatchAny(s.bindings, ev) || s.ctx.Err() != nil {
				continue
			}
			s.h.OnEvent(ev)
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && s.ctx.Err() == nil {
				s.status(realtime.StatusClosed, nil)
				return
			}
		}
	}
}

func (s *subscription) status(st realtime.TransportStatus, err error) {
	if s.ctx.Err() != nil || s.h.OnStatus == nil {
		return
	}
	s.h.OnStatus(st, err)
}

// Unsubscribe closes the PubSub connection
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
