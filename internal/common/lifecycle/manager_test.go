package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestExecuteRunsPhasesInOrder(t *testing.T) {
	m := NewManager(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	m.OnShutdown("transport", PhaseTransport, record("transport"))
	m.OnShutdown("final", PhaseFinal, record("final"))
	m.OnShutdown("http", PhaseHTTP, record("http"))
	m.OnShutdown("streams", PhaseStreams, record("streams"))

	if err := m.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := []string{"http", "streams", "transport", "final"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
}

func TestExecuteJoinsHookErrors(t *testing.T) {
	m := NewManager(time.Second)
	boom := errors.New("boom")
	m.OnShutdown("bad", PhaseTransport, func(context.Context) error { return boom })
	m.OnShutdown("good", PhaseTransport, func(context.Context) error { return nil })

	if err := m.Execute(); !errors.Is(err, boom) {
		t.Errorf("Expected hook error, got %v", err)
	}
}

func TestHookTimeoutDoesNotBlockLaterPhases(t *testing.T) {
	m := NewManager(time.Second)
	release := make(chan struct{})
	defer close(release)

	m.Register(Hook{
		Name:    "stuck",
		Phase:   PhaseHTTP,
		Timeout: 20 * time.Millisecond,
		Shutdown: func(context.Context) error {
			<-release
			return nil
		},
	})
	ran := false
	m.OnShutdown("after", PhaseFinal, func(context.Context) error {
		ran = true
		return nil
	})

	if err := m.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !ran {
		t.Error("Expected later phase to run after a timed out hook")
	}
}

func TestTriggerReleasesWait(t *testing.T) {
	m := NewManager(time.Second)
	done := make(chan struct{})
	go func() {
		m.Wait(context.Background())
		close(done)
	}()

	m.Trigger()
	m.Trigger()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
}

func TestHTTPServiceStartAndShutdown(t *testing.T) {
	m := NewManager(time.Second)
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	svc := NewHTTPService("test", srv)

	if err := svc.Start(m); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Execute(); err != nil {
		t.Errorf("Execute failed: %v", err)
	}
}

func TestHTTPServiceBindError(t *testing.T) {
	m := NewManager(time.Second)
	svc := NewHTTPService("test", &http.Server{Addr: "256.0.0.1:99999"})
	if err := svc.Start(m); err == nil {
		t.Error("Expected bind error")
	}
}
