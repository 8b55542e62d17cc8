package mongo

import (
	"testing"
)

func TestIndexDefinitions(t *testing.T) {
	indexes := &IndexInitializer{logTable: "logs", executionTable: "runs"}
	defs := indexes.Definitions()

	if len(defs) != 3 {
		t.Fatalf("Expected 3 indexes, got %d", len(defs))
	}
	if defs[0].Collection != "logs" || defs[0].Keys[0].Key != "execution_id" {
		t.Errorf("Expected execution_id index on logs, got %+v", defs[0])
	}
	if defs[1].Collection != "runs" {
		t.Errorf("Expected index on runs, got %s", defs[1].Collection)
	}
	ttl := defs[2]
	if ttl.Collection != ResumeTokenCollection || ttl.Options == nil || ttl.Options.ExpireAfterSeconds == nil {
		t.Fatalf("Expected TTL index on resume tokens, got %+v", ttl)
	}
	if *ttl.Options.ExpireAfterSeconds != 30*24*60*60 {
		t.Errorf("Expected 30 day TTL, got %d", *ttl.Options.ExpireAfterSeconds)
	}
}

func TestConnectRequiresURIAndDatabase(t *testing.T) {
	if _, err := Connect(t.Context(), "", "db"); err == nil {
		t.Error("Expected error without URI")
	}
	if _, err := Connect(t.Context(), "mongodb://localhost:27017", ""); err == nil {
		t.Error("Expected error without database")
	}
}
