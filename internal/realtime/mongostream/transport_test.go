package mongostream

import (
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

func TestPipeline(t *testing.T) {
	bindings := []realtime.Binding{
		{Table: "execution_logs", Event: realtime.EventInsert},
		{Table: "executions", Event: realtime.EventUpdate},
	}

	pipeline := Pipeline(bindings)
	if len(pipeline) != 1 {
		t.Fatalf("Expected a single $match stage, got %d", len(pipeline))
	}

	match := pipeline[0][0].Value.(bson.M)
	colls := match["ns.coll"].(bson.M)["$in"].([]string)
	if len(colls) != 2 || colls[0] != "execution_logs" || colls[1] != "executions" {
		t.Errorf("Unexpected collections: %v", colls)
	}

	ops := match["operationType"].(bson.M)["$in"].([]string)
	expected := []string{"insert", "update", "replace"}
	if len(ops) != len(expected) {
		t.Fatalf("Expected ops %v, got %v", expected, ops)
	}
	for i := range expected {
		if ops[i] != expected[i] {
			t.Errorf("Expected op %s at %d, got %s", expected[i], i, ops[i])
		}
	}
}

func TestPipelineAllEvents(t *testing.T) {
	pipeline := Pipeline([]realtime.Binding{{Table: "execution_logs", Event: realtime.EventAll}})
	ops := pipeline[0][0].Value.(bson.M)["operationType"].(bson.M)["$in"].([]string)
	if len(ops) != 4 {
		t.Errorf("Expected all 4 operation types, got %v", ops)
	}
}

func TestToChangeEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var doc changeDocument
	doc.OperationType = "replace"
	doc.Namespace.Coll = "executions"
	doc.WallTime = now
	doc.FullDocument = bson.M{"_id": "e1", "status": "done"}

	ev, err := doc.ToChangeEvent("hsemu")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.EventType != realtime.EventUpdate {
		t.Errorf("Expected replace to map to UPDATE, got %s", ev.EventType)
	}
	if ev.Schema != "hsemu" || ev.Table != "executions" {
		t.Errorf("Unexpected schema/table: %s/%s", ev.Schema, ev.Table)
	}
	if ev.After["id"] != "e1" {
		t.Errorf("Expected _id exposed as id, got %v", ev.After["id"])
	}
	if !ev.CommitTimestamp.Equal(now) {
		t.Errorf("Expected commit timestamp %v, got %v", now, ev.CommitTimestamp)
	}

	binding := realtime.Binding{Schema: "hsemu", Table: "executions", Event: realtime.EventUpdate, Filter: "id=eq.e1"}
	if !binding.Matches(ev) {
		t.Error("Expected binding to match converted event")
	}
}

func TestToChangeEventDeleteUsesDocumentKey(t *testing.T) {
	var doc changeDocument
	doc.OperationType = "delete"
	doc.Namespace.Coll = "execution_logs"
	doc.DocumentKey = bson.M{"_id": "log-1"}

	ev, err := doc.ToChangeEvent("hsemu")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ev.After != nil {
		t.Errorf("Expected nil After for delete, got %v", ev.After)
	}
	if ev.Row()["id"] != "log-1" {
		t.Errorf("Expected row id log-1, got %v", ev.Row()["id"])
	}
}

func TestToChangeEventRejectsUnknownOperation(t *testing.T) {
	var doc changeDocument
	doc.OperationType = "rename"
	if _, err := doc.ToChangeEvent("hsemu"); err == nil {
		t.Error("Expected error for rename operation")
	}
}

func TestIsStaleResumeTokenError(t *testing.T) {
	if !isStaleResumeTokenError(mongo.CommandError{Code: 286, Message: "history lost"}) {
		t.Error("Expected code 286 to be a stale token error")
	}
	if !isStaleResumeTokenError(errors.New("cannot resume: resume token was not found")) {
		t.Error("Expected resume token message to be a stale token error")
	}
	if isStaleResumeTokenError(errors.New("connection reset")) {
		t.Error("Expected connection reset not to be a stale token error")
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error without database")
	}
}
