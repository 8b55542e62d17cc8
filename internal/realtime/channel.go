package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/backoff"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
)

var (
	ErrMissingTransport = errors.New("realtime: transport is required")
	ErrMissingTable     = errors.New("realtime: log and execution tables are required")
	ErrMissingCallback  = errors.New("realtime: onLog and onExecutionUpdate callbacks are required")
)

// ChannelState is the lifecycle state of a Channel
type ChannelState string

const (
	StateConnecting   ChannelState = "connecting"
	StateSubscribed   ChannelState = "subscribed"
	StateErroring     ChannelState = "erroring"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// Options configures a Channel
type Options struct {
	// Schema that both tables live in (default "public")
	Schema string

	// LogTable is watched for all event types
	LogTable string

	// ExecutionTable is watched for update events only
	ExecutionTable string

	// LogFilter and ExecutionFilter optionally narrow each binding ("column=eq.value")
	LogFilter       string
	ExecutionFilter string

	// ChannelName must be unique per live channel; generated when empty
	ChannelName string

	OnLog             func(ChangeEvent)
	OnExecutionUpdate func(ChangeEvent)

	// Reconnect tuning (defaults: 5 retries, 500ms base, 10s cap)
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// OnGiveUp is called once when the retry budget is exhausted. When nil the
	// channel goes quiet after logging a warning.
	OnGiveUp func(retries int)

	// OnStateChange reports every state transition
	OnStateChange func(ChannelState)
}

func (o *Options) applyDefaults() {
	if o.Schema == "" {
		o.Schema = "public"
	}
	if o.ChannelName == "" {
		o.ChannelName = "execution-" + uuid.NewString()
	}
	def := backoff.ChannelPolicy()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = def.BaseDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = def.MaxDelay
	}
}

func (o *Options) validate() error {
	if o.LogTable == "" || o.ExecutionTable == "" {
		return ErrMissingTable
	}
	if o.LogTable == o.ExecutionTable {
		return fmt.Errorf("%w: log and execution tables must differ", ErrMissingTable)
	}
	if o.OnLog == nil || o.OnExecutionUpdate == nil {
		return ErrMissingCallback
	}
	return nil
}

// Bindings returns the two bindings a channel with these options subscribes to
func (o Options) Bindings() []Binding {
	return []Binding{
		{Schema: o.Schema, Table: o.LogTable, Event: EventAll, Filter: o.LogFilter},
		{Schema: o.Schema, Table: o.ExecutionTable, Event: EventUpdate, Filter: o.ExecutionFilter},
	}
}

type stopper interface {
	Stop() bool
}

// Channel is one logical, self-healing subscription to the log and execution
// change streams.
type Channel struct {
	transport     Transport
	transportName string
	opts          Options
	policy        backoff.Policy
	bindings      []Binding

	mu           sync.Mutex
	state        ChannelState
	retryCount   int
	generation   uint64
	sub          Subscription
	timer        stopper
	started      bool
	closedByUser bool
	gaveUp       bool

	// closed mirrors closedByUser for the event fast path
	closed atomic.Bool

	// dispatchMu is held while OnLog/OnExecutionUpdate run. Close takes it, so
	// no callback is still running once Close returns.
	dispatchMu sync.Mutex

	afterFunc func(d time.Duration, f func()) stopper
}

// NewChannel validates opts and creates a channel. Call Start to connect.
func NewChannel(transport Transport, opts Options) (*Channel, error) {
	if transport == nil {
		return nil, ErrMissingTransport
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &Channel{
		transport:     transport,
		transportName: transportName(transport),
		opts:          opts,
		policy: backoff.Policy{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.BaseRetryDelay,
			MaxDelay:   opts.MaxRetryDelay,
		},
		bindings: opts.Bindings(),
		state:    StateConnecting,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// Subscribe creates and starts a channel, returning a function that permanently
// tears it down. The returned function may be called any number of times.
func Subscribe(transport Transport, opts Options) (func(), error) {
	ch, err := NewChannel(transport, opts)
	if err != nil {
		return nil, err
	}
	ch.Start()
	return ch.Close, nil
}

// Name returns the channel name
func (c *Channel) Name() string {
	return c.opts.ChannelName
}

// State returns the current lifecycle state
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of reconnects since the last successful subscribe
func (c *Channel) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// GaveUp reports whether the channel stopped after exhausting its retry budget
func (c *Channel) GaveUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaveUp
}

// Start opens the first transport subscription. Subsequent calls are no-ops.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	slog.Debug("Starting realtime channel",
		"channel", c.opts.ChannelName,
		"transport", c.transportName,
		"logTable", c.opts.LogTable,
		"executionTable", c.opts.ExecutionTable)

	c.connect()
}

// Close tears the channel down: pending reconnects are cancelled, the live
// subscription is released and every later transport callback is ignored.
// Close waits for an in-flight OnLog or OnExecutionUpdate call to return, so it
// must not be called from inside one.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.closedByUser = true
	c.closed.Store(true)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sub := c.sub
	c.sub = nil
	c.generation++
	changed := c.setStateLocked(StateClosed)
	c.mu.Unlock()

	c.release(sub)

	c.dispatchMu.Lock()
	// wait out a callback that passed the closed check before Close
	c.dispatchMu.Unlock()

	c.notify(changed, StateClosed)

	slog.Debug("Realtime channel closed", "channel", c.opts.ChannelName)
}

// connect opens a new transport subscription for the next generation
func (c *Channel) connect() {
	c.mu.Lock()
	if c.closedByUser || c.gaveUp {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.generation++
	gen := c.generation
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.notify(changed, StateConnecting)

	sub, err := c.transport.Subscribe(c.opts.ChannelName, c.bindings, TransportHandlers{
		OnEvent: func(ev ChangeEvent) {
			c.handleEvent(gen, ev)
		},
		OnStatus: func(status TransportStatus, err error) {
			c.handleStatus(gen, status, err)
		},
	})
	if err != nil {
		c.handleStatus(gen, StatusChannelError, err)
		return
	}

	c.mu.Lock()
	if c.closedByUser || gen != c.generation {
		// torn down or superseded while Subscribe was running
		c.mu.Unlock()
		c.release(sub)
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

// handleStatus applies a transport status signal from subscription generation gen
func (c *Channel) handleStatus(gen uint64, status TransportStatus, err error) {
	metrics.RealtimeTransportStatus.WithLabelValues(c.transportName, string(status)).Inc()

	c.mu.Lock()
	if c.closedByUser || c.gaveUp || gen != c.generation {
		c.mu.Unlock()
		return
	}

	switch status {
	case StatusSubscribed:
		c.retryCount = 0
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		changed := c.setStateLocked(StateSubscribed)
		c.mu.Unlock()

		c.notify(changed, StateSubscribed)
		slog.Info("Realtime channel subscribed",
			"channel", c.opts.ChannelName,
			"transport", c.transportName)

	case StatusChannelError, StatusClosed, StatusTimedOut:
		c.setStateLocked(StateErroring)

		// Every further signal from this attempt is stale
		c.generation++
		sub := c.sub
		c.sub = nil

		if c.retryCount >= c.opts.MaxRetries {
			c.gaveUp = true
			c.setStateLocked(StateClosed)
			retries := c.retryCount
			c.mu.Unlock()

			c.release(sub)
			c.notify(true, StateClosed)
			c.giveUp(retries, status, err)
			return
		}

		delay := c.policy.Delay(c.retryCount)
		c.retryCount++
		attempt := c.retryCount
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		c.release(sub)
		c.notify(true, StateReconnecting)

		slog.Warn("Realtime channel lost, reconnecting",
			"channel", c.opts.ChannelName,
			"transport", c.transportName,
			"status", status,
			"error", err,
			"attempt", attempt,
			"maxRetries", c.opts.MaxRetries,
			"backoff", delay)
		metrics.RealtimeReconnects.WithLabelValues(c.transportName).Inc()

		c.mu.Lock()
		if c.closedByUser {
			c.mu.Unlock()
			return
		}
		c.timer = c.afterFunc(delay, c.connect)
		c.mu.Unlock()

	default:
		c.mu.Unlock()
		slog.Debug("Ignoring unknown transport status",
			"channel", c.opts.ChannelName,
			"status", status)
	}
}

func (c *Channel) giveUp(retries int, status TransportStatus, err error) {
	slog.Warn("Realtime channel gave up after max retries",
		"channel", c.opts.ChannelName,
		"transport", c.transportName,
		"retries", retries,
		"lastStatus", status,
		"error", err)
	metrics.RealtimeGiveUps.WithLabelValues(c.transportName).Inc()

	if c.opts.OnGiveUp != nil {
		c.opts.OnGiveUp(retries)
	}
}

// handleEvent forwards ev to the callback for its source table
func (c *Channel) handleEvent(gen uint64, ev ChangeEvent) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if c.closed.Load() {
		metrics.RealtimeEventsDropped.WithLabelValues("closed").Inc()
		return
	}

	c.mu.Lock()
	stale := gen != c.generation || c.gaveUp
	c.mu.Unlock()
	if stale {
		metrics.RealtimeEventsDropped.WithLabelValues("stale").Inc()
		return
	}

	switch ev.Table {
	case c.opts.LogTable:
		metrics.RealtimeEventsDispatched.WithLabelValues(ev.Table, string(ev.EventType)).Inc()
		c.opts.OnLog(ev)
	case c.opts.ExecutionTable:
		metrics.RealtimeEventsDispatched.WithLabelValues(ev.Table, string(ev.EventType)).Inc()
		c.opts.OnExecutionUpdate(ev)
	default:
		metrics.RealtimeEventsDropped.WithLabelValues("unknown_table").Inc()
		slog.Debug("Dropping event for unwatched table",
			"channel", c.opts.ChannelName,
			"table", ev.Table)
	}
}

// setStateLocked records a transition and keeps the active-channel gauge in step.
// It reports whether the state actually changed.
func (c *Channel) setStateLocked(s ChannelState) bool {
	if c.state == s {
		return false
	}
	if c.state == StateSubscribed {
		metrics.RealtimeActiveChannels.WithLabelValues(c.transportName).Dec()
	}
	if s == StateSubscribed {
		metrics.RealtimeActiveChannels.WithLabelValues(c.transportName).Inc()
	}
	c.state = s
	return true
}

func (c *Channel) notify(changed bool, s ChannelState) {
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Channel) release(sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		slog.Debug("Failed to release transport subscription",
			"channel", c.opts.ChannelName,
			"error", err)
	}
}
