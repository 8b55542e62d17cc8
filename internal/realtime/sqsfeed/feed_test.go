package sqsfeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// mockSQS serves queued receive batches, then blocks until the context ends
type mockSQS struct {
	mu         sync.Mutex
	batches    [][]types.Message
	receiveErr error
	attrErr    error
	deleted    []string
	sent       []string
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	if m.receiveErr != nil {
		err := m.receiveErr
		m.mu.Unlock()
		return nil, err
	}
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (m *mockSQS) DeleteMessageBatch(_ context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range params.Entries {
		m.deleted = append(m.deleted, aws.ToString(e.Id))
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (m *mockSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attrErr != nil {
		return nil, m.attrErr
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (m *mockSQS) push(id string, ev realtime.ChangeEvent) {
	body, _ := encode(ev)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, []types.Message{{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	}})
}

type sink struct {
	mu       sync.Mutex
	events   []realtime.ChangeEvent
	statuses []realtime.TransportStatus
	signal   chan struct{}
}

func newSink() *sink { return &sink{signal: make(chan struct{}, 64)} }

func (s *sink) handlers() realtime.TransportHandlers {
	return realtime.TransportHandlers{
		OnEvent: func(ev realtime.ChangeEvent) {
			s.mu.Lock()
			s.events = append(s.events, ev)
			s.mu.Unlock()
			s.signal <- struct{}{}
		},
		OnStatus: func(st realtime.TransportStatus, _ error) {
			s.mu.Lock()
			s.statuses = append(s.statuses, st)
			s.mu.Unlock()
			s.signal <- struct{}{}
		},
	}
}

func (s *sink) await(t *testing.T, cond func() bool) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		s.mu.Lock()
		ok := cond()
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.signal:
		case <-timeout:
			t.Fatal("Timed out waiting for condition")
		}
	}
}

var bindings = []realtime.Binding{
	{Schema: "public", Table: "execution_logs", Event: realtime.EventAll, Filter: "execution_id=eq.e1"},
	{Schema: "public", Table: "executions", Event: realtime.EventUpdate, Filter: "id=eq.e1"},
}

func TestFeedFansOutAndDeletes(t *testing.T) {
	mock := &mockSQS{}
	tr := New(mock, Config{QueueURL: "http://localhost/queue/changes"})
	defer tr.Close()

	a, b := newSink(), newSink()
	subA, _ := tr.Subscribe("a", bindings, a.handlers())
	defer subA.Unsubscribe()
	subB, _ := tr.Subscribe("b", []realtime.Binding{{Schema: "public", Table: "execution_logs", Event: realtime.EventAll}}, b.handlers())
	defer subB.Unsubscribe()

	a.await(t, func() bool { return len(a.statuses) == 1 })
	b.await(t, func() bool { return len(b.statuses) == 1 })
	if a.statuses[0] != realtime.StatusSubscribed {
		t.Fatalf("Expected SUBSCRIBED, got %s", a.statuses[0])
	}

	mock.push("m1", realtime.ChangeEvent{EventType: realtime.EventInsert, Schema: "public", Table: "execution_logs", After: map[string]any{"execution_id": "e1", "line": "x"}})
	mock.push("m2", realtime.ChangeEvent{EventType: realtime.EventInsert, Schema: "public", Table: "execution_logs", After: map[string]any{"execution_id": "e2"}})

	a.await(t, func() bool { return len(a.events) == 1 })
	b.await(t, func() bool { return len(b.events) == 2 })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mock.mu.Lock()
		n := len(mock.deleted)
		mock.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.deleted) != 2 {
		t.Errorf("Expected 2 deleted messages, got %v", mock.deleted)
	}
}

func TestReceiveErrorFailsSubscriptions(t *testing.T) {
	mock := &mockSQS{}
	tr := New(mock, Config{QueueURL: "q"})
	defer tr.Close()

	s := newSink()
	sub, _ := tr.Subscribe("a", bindings, s.handlers())
	defer sub.Unsubscribe()
	s.await(t, func() bool { return len(s.statuses) == 1 })

	mock.mu.Lock()
	mock.receiveErr = errors.New("access denied")
	mock.mu.Unlock()

	s.await(t, func() bool { return len(s.statuses) == 2 })
	if s.statuses[1] != realtime.StatusChannelError {
		t.Errorf("Expected CHANNEL_ERROR, got %s", s.statuses[1])
	}
}

func TestQueueUnavailableReportsChannelError(t *testing.T) {
	mock := &mockSQS{attrErr: errors.New("queue does not exist")}
	tr := New(mock, Config{QueueURL: "q"})

	s := newSink()
	sub, _ := tr.Subscribe("a", bindings, s.handlers())
	defer sub.Unsubscribe()

	s.await(t, func() bool { return len(s.statuses) == 1 })
	if s.statuses[0] != realtime.StatusChannelError {
		t.Errorf("Expected CHANNEL_ERROR, got %s", s.statuses[0])
	}
}

func TestUnsubscribeStopsPoller(t *testing.T) {
	mock := &mockSQS{}
	tr := New(mock, Config{QueueURL: "q"})

	s := newSink()
	sub, _ := tr.Subscribe("a", bindings, s.handlers())
	s.await(t, func() bool { return len(s.statuses) == 1 })

	sub.Unsubscribe()
	sub.Unsubscribe()

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.polling {
		t.Error("Expected poller to stop after last unsubscribe")
	}
	if len(tr.subs) != 0 {
		t.Errorf("Expected no registered subscriptions, got %d", len(tr.subs))
	}
}

func TestPublish(t *testing.T) {
	mock := &mockSQS{}
	tr := New(mock, Config{QueueURL: "q"})

	err := tr.Publish(context.Background(), realtime.ChangeEvent{EventType: realtime.EventInsert, Table: "executions"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(mock.sent) != 1 {
		t.Fatalf("Expected 1 sent message, got %d", len(mock.sent))
	}
	ev, err := realtime.DecodeChangeEvent([]byte(mock.sent[0]))
	if err != nil {
		t.Fatalf("Sent body did not decode: %v", err)
	}
	if ev.Table != "executions" {
		t.Errorf("Expected table executions, got %s", ev.Table)
	}
}
