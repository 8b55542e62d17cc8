package phoenix

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// Phoenix channel events used by the realtime service
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventSystem          = "system"
	eventPostgresChanges = "postgres_changes"

	heartbeatTopic = "phoenix"
	topicPrefix    = "realtime:"
)

// message is the Phoenix v1 JSON frame
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// outbound is the frame shape we write; payload is marshalled as-is
type outbound struct {
	Topic   string  `json:"topic"`
	Event   string  `json:"event"`
	Payload any     `json:"payload"`
	Ref     string  `json:"ref"`
	JoinRef *string `json:"join_ref,omitempty"`
}

type postgresChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]bool        `json:"broadcast"`
	Presence        map[string]string      `json:"presence"`
	PostgresChanges []postgresChangeFilter `json:"postgres_changes"`
	Private         bool                   `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func newJoinPayload(bindings []realtime.Binding, accessToken string) joinPayload {
	filters := make([]postgresChangeFilter, 0, len(bindings))
	for _, b := range bindings {
		filters = append(filters, postgresChangeFilter{
			Event:  string(b.Event),
			Schema: b.Schema,
			Table:  b.Table,
			Filter: b.Filter,
		})
	}
	return joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]bool{"ack": false, "self": false},
			Presence:        map[string]string{"key": ""},
			PostgresChanges: filters,
		},
		AccessToken: accessToken,
	}
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// reason extracts a human readable reason from an error reply
func (r replyPayload) reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &body) == nil && body.Reason != "" {
		return body.Reason
	}
	return string(r.Response)
}

type systemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
}

type changePayload struct {
	Data struct {
		Schema          string         `json:"schema"`
		Table           string         `json:"table"`
		CommitTimestamp string         `json:"commit_timestamp"`
		Type            string         `json:"type"`
		Record          map[string]any `json:"record"`
		OldRecord       map[string]any `json:"old_record"`
	} `json:"data"`
}

// toChangeEvent converts a postgres_changes payload into a ChangeEvent
func (p changePayload) toChangeEvent() (realtime.ChangeEvent, error) {
	et, err := realtime.ParseEventType(p.Data.Type)
	if err != nil {
		return realtime.ChangeEvent{}, err
	}
	if et == realtime.EventAll {
		return realtime.ChangeEvent{}, fmt.Errorf("change without type")
	}

	ev := realtime.ChangeEvent{
		EventType: et,
		Schema:    p.Data.Schema,
		Table:     p.Data.Table,
		After:     p.Data.Record,
		Before:    p.Data.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
		ev.CommitTimestamp = ts
	}
	// Deletes carry an empty record
	if et == realtime.EventDelete && len(ev.After) == 0 {
		ev.After = nil
	}
	return ev, nil
}
