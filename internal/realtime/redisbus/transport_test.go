package redisbus

import (
	"testing"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

func TestChannelFor(t *testing.T) {
	tr := NewFromClient(nil, "", 0)

	if got := tr.ChannelFor("", "executions"); got != "hsemu:changes:public:executions" {
		t.Errorf("Expected hsemu:changes:public:executions, got %s", got)
	}
	if got := tr.ChannelFor("audit", "execution_logs"); got != "hsemu:changes:audit:execution_logs" {
		t.Errorf("Expected hsemu:changes:audit:execution_logs, got %s", got)
	}
	if tr.timeout != 5*time.Second {
		t.Errorf("Expected default subscribe timeout 5s, got %v", tr.timeout)
	}
	if tr.Name() != "redis" {
		t.Errorf("Expected name redis, got %s", tr.Name())
	}
}

func TestSubscribeRequiresBindings(t *testing.T) {
	tr := NewFromClient(nil, "test:", time.Second)
	if _, err := tr.Subscribe("x", nil, realtime.TransportHandlers{}); err == nil {
		t.Error("Expected error for empty bindings")
	}
}
