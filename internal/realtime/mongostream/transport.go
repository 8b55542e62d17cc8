// Package mongostream implements a realtime transport on MongoDB change streams.
//
// Each binding table maps to a collection in the configured database. One
// database-level change stream per subscription covers every bound collection,
// so events arrive in oplog order. Resume tokens are checkpointed per channel
// name so a reconnect continues after the last delivered event.
package mongostream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime/mongostream/checkpoint"
)

// Config holds change stream configuration
type Config struct {
	// Database is the database whose collections back the bound tables
	Database string

	// Checkpoints stores resume tokens; nil disables resuming
	Checkpoints checkpoint.Store

	// PollInterval bounds each TryNext wait (default 200ms)
	PollInterval time.Duration
}

// Transport opens change streams on a MongoDB database
type Transport struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
}

// New creates a transport on an existing client
func New(client *mongo.Client, cfg Config) (*Transport, error) {
	if cfg.Database == "" {
		return nil, errors.New("mongostream: database is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Transport{client: client, db: client.Database(cfg.Database), cfg: cfg}, nil
}

// Name identifies the transport in logs and metrics
func (t *Transport) Name() string {
	return "mongo"
}

// Subscribe opens the change stream in the background
func (t *Transport) Subscribe(name string, bindings []realtime.Binding, h realtime.TransportHandlers) (realtime.Subscription, error) {
	if len(bindings) == 0 {
		return nil, errors.New("mongostream: at least one binding is required")
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
	go s.run()
	return s, nil
}

// Pipeline builds the $match stage selecting bound collections and operations
func Pipeline(bindings []realtime.Binding) mongo.Pipeline {
	seen := make(map[string]struct{})
	collections := make([]string, 0, len(bindings))
	ops := make(map[string]struct{})

	for _, b := range bindings {
		if _, ok := seen[b.Table]; !ok {
			seen[b.Table] = struct{}{}
			collections = append(collections, b.Table)
		}
		for _, op := range operationTypes(b.Event) {
			ops[op] = struct{}{}
		}
	}

	opList := make([]string, 0, len(ops))
	for _, op := range []string{"insert", "update", "replace", "delete"} {
		if _, ok := ops[op]; ok {
			opList = append(opList, op)
		}
	}

	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"ns.coll":       bson.M{"$in": collections},
			"operationType": bson.M{"$in": opList},
		}}},
	}
}

func operationTypes(et realtime.EventType) []string {
	switch et {
	case realtime.EventInsert:
		return []string{"insert"}
	case realtime.EventUpdate:
		return []string{"update", "replace"}
	case realtime.EventDelete:
		return []string{"delete"}
	default:
		return []string{"insert", "update", "replace", "delete"}
	}
}

// changeDocument is the subset of a change stream event we consume
type changeDocument struct {
	OperationType string `bson:"operationType"`
	Namespace     struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	WallTime                 time.Time `bson:"wallTime"`
	DocumentKey              bson.M    `bson:"documentKey"`
	FullDocument             bson.M    `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M    `bson:"fullDocumentBeforeChange"`
}

// ToChangeEvent maps a decoded change document to a ChangeEvent. The database
// name is reported as the schema.
func (d changeDocument) ToChangeEvent(schema string) (realtime.ChangeEvent, error) {
	et, err := realtime.ParseEventType(d.OperationType)
	if err != nil {
		return realtime.ChangeEvent{}, err
	}
	if et == realtime.EventAll {
		return realtime.ChangeEvent{}, fmt.Errorf("unsupported operation %q", d.OperationType)
	}

	ev := realtime.ChangeEvent{
		EventType:       et,
		Schema:          schema,
		Table:           d.Namespace.Coll,
		CommitTimestamp: d.WallTime,
		After:           normalise(d.FullDocument),
		Before:          normalise(d.FullDocumentBeforeChange),
	}
	if et == realtime.EventDelete {
		ev.After = nil
		if ev.Before == nil {
			ev.Before = normalise(d.DocumentKey)
		}
	}
	return ev, nil
}

// normalise exposes _id as id so "id=eq.x" filters work against documents
func normalise(doc bson.M) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	if id, ok := doc["_id"]; ok {
		if _, exists := out["id"]; !exists {
			out["id"] = id
		}
	}
	return out
}

type subscription struct {
	t        *Transport
	name     string
	bindings []realtime.Binding
	h        realtime.TransportHandlers

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run() {
	defer close(s.done)

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	if store := s.t.cfg.Checkpoints; store != nil {
		token, err := store.Load(s.ctx, s.name)
		if err != nil {
			slog.Warn("Failed to load resume token, starting from current position", "channel", s.name, "error", err)
		} else if token != nil {
			opts.SetResumeAfter(token)
			slog.Debug("Resuming change stream", "channel", s.name)
		}
	}

	stream, err := s.t.db.Watch(s.ctx, Pipeline(s.bindings), opts)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		if isStaleResumeTokenError(err) {
			s.clearCheckpoint()
		}
		s.status(realtime.StatusChannelError, fmt.Errorf("failed to open change stream: %w", err))
		return
	}
	defer stream.Close(context.Background())

	s.status(realtime.StatusSubscribed, nil)

	for {
		tryCtx, cancel := context.WithTimeout(s.ctx, s.t.cfg.PollInterval)
		hasNext := stream.TryNext(tryCtx)
		cancel()

		if s.ctx.Err() != nil {
			return
		}
		if err := stream.Err(); err != nil {
			if isStaleResumeTokenError(err) {
				slog.Error("Resume token expired, clearing checkpoint. Events may be missed.", "channel", s.name)
				s.clearCheckpoint()
			}
			s.status(realtime.StatusChannelError, err)
			return
		}
		if !hasNext {
			continue
		}

		var doc changeDocument
		if err := stream.Decode(&doc); err != nil {
			slog.Error("Failed to decode change event", "channel", s.name, "error", err)
			continue
		}

		if doc.OperationType == "invalidate" || doc.OperationType == "drop" || doc.OperationType == "dropDatabase" {
			s.clearCheckpoint()
			s.status(realtime.StatusClosed, fmt.Errorf("change stream %s", doc.OperationType))
			return
		}

		ev, err := doc.ToChangeEvent(s.t.cfg.Database)
		if err != nil {
			slog.Debug("Ignoring change event", "channel", s.name, "error", err)
		} else if realtime.MatchAny(s.bindings, ev) {
			s.h.OnEvent(ev)
		}

		s.saveCheckpoint(stream.ResumeToken())
	}
}

func (s *subscription) saveCheckpoint(token bson.Raw) {
	store := s.t.cfg.Checkpoints
	if store == nil || token == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Save(ctx, s.name, token); err != nil {
		slog.Warn("Failed to save resume token", "channel", s.name, "error", err)
	}
}

func (s *subscription) clearCheckpoint() {
	store := s.t.cfg.Checkpoints
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Delete(ctx, s.name); err != nil {
		slog.Warn("Failed to clear resume token", "channel", s.name, "error", err)
	}
}

func (s *subscription) status(st realtime.TransportStatus, err error) {
	if s.ctx.Err() != nil || s.h.OnStatus == nil {
		return
	}
	s.h.OnStatus(st, err)
}

// Unsubscribe stops the stream. It may be called from a status callback, so it
// does not wait for the reader to exit.
func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

// isStaleResumeTokenError reports whether the server no longer has history for the token
func isStaleResumeTokenError(err error) bool {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(286) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "ChangeStreamHistoryLost") || strings.Contains(msg, "resume token")
}
