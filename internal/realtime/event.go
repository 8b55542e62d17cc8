// Package realtime maintains reconnecting subscriptions to row-level change streams
// for execution logs and execution records.
//
// A Channel owns exactly one live Transport subscription at a time. Transport
// implementations live in sub-packages (phoenix, natsbus, redisbus, mongostream,
// sqsfeed) and only have to report events and status signals; reconnect policy is
// handled here.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of row mutation a binding watches or an event carries
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAll matches every mutation; only valid on bindings
	EventAll EventType = "*"
)

// ParseEventType normalises an event type string ("insert", "UPDATE", "*", "all")
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return EventInsert, nil
	case "UPDATE", "REPLACE":
		return EventUpdate, nil
	case "DELETE":
		return EventDelete, nil
	case "*", "ALL", "":
		return EventAll, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// ChangeEvent describes a row-level mutation on a watched table.
// Events are immutable once delivered.
type ChangeEvent struct {
	EventType       EventType      `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	Before          map[string]any `json:"old_record,omitempty"`
	After           map[string]any `json:"record,omitempty"`
}

// Row returns the snapshot that best represents the row: After for inserts and
// updates, Before for deletes.
func (e ChangeEvent) Row() map[string]any {
	if e.After != nil {
		return e.After
	}
	return e.Before
}

// DecodeChangeEvent decodes a JSON encoded change event
func DecodeChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	if ev.Table == "" {
		return ChangeEvent{}, fmt.Errorf("change event has no table")
	}
	return ev, nil
}

// Binding is one (schema, table, eventType) triple a channel watches, with an
// optional row filter of the form "column=eq.value".
type Binding struct {
	Schema string
	Table  string
	Event  EventType
	Filter string
}

// Matches reports whether ev falls under this binding. Transports that cannot
// filter server-side use it to drop unrelated events.
func (b Binding) Matches(ev ChangeEvent) bool {
	if b.Schema != "" && ev.Schema != "" && b.Schema != ev.Schema {
		return false
	}
	if b.Table != ev.Table {
		return false
	}
	if b.Event != EventAll && b.Event != "" && b.Event != ev.EventType {
		return false
	}
	if b.Filter == "" {
		return true
	}
	column, value, ok := ParseFilter(b.Filter)
	if !ok {
		return false
	}
	row := ev.Row()
	if row == nil {
		return false
	}
	v, present := row[column]
	if !present || v == nil {
		return false
	}
	return fmt.Sprint(v) == value
}

// MatchAny reports whether ev matches at least one binding
func MatchAny(bindings []Binding, ev ChangeEvent) bool {
	for _, b := range bindings {
		if b.Matches(ev) {
			return true
		}
	}
	return false
}

// ParseFilter splits "column=eq.value". Only equality filters are supported.
func ParseFilter(filter string) (column, value string, ok bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found || column == "" {
		return "", "", false
	}
	value, found = strings.CutPrefix(rest, "eq.")
	if !found {
		return "", "", false
	}
	return column, value, true
}

// EqFilter builds an equality filter
func EqFilter(column, value string) string {
	return column + "=eq." + value
}

// TransportStatus is a lifecycle signal reported by a transport subscription
type TransportStatus string

const (
	StatusSubscribed   TransportStatus = "SUBSCRIBED"
	StatusChannelError TransportStatus = "CHANNEL_ERROR"
	StatusClosed       TransportStatus = "CLOSED"
	StatusTimedOut     TransportStatus = "TIMED_OUT"
)

// TransportHandlers receive everything a subscription produces. Implementations
// must call OnEvent sequentially in delivery order for a given subscription.
type TransportHandlers struct {
	OnEvent  func(ChangeEvent)
	OnStatus func(status TransportStatus, err error)
}

// Subscription is one live transport-level subscription
type Subscription interface {
	// Unsubscribe releases the subscription. It must be safe to call more than once.
	Unsubscribe() error
}

// Transport opens subscriptions against a change-event service.
//
// Subscribe should not block on network round trips: the outcome is reported
// through OnStatus (SUBSCRIBED on success, CHANNEL_ERROR/TIMED_OUT on failure).
// A returned error is treated like CHANNEL_ERROR.
type Transport interface {
	Subscribe(name string, bindings []Binding, h TransportHandlers) (Subscription, error)
}

// SubscriptionFunc adapts a function to the Subscription interface
type SubscriptionFunc func() error

// Unsubscribe calls f
func (f SubscriptionFunc) Unsubscribe() error { return f() }

func transportName(t Transport) string {
	if n, ok := t.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "custom"
}
