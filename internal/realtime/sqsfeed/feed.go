// Package sqsfeed implements a realtime transport that long-polls an SQS queue
// carrying JSON change events (for example fanned out from SNS).
//
// One poller per transport serves every subscription; each received message is
// offered to all active subscriptions and then deleted. A receive failure fails
// every active subscription so their channels reconnect.
package sqsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"log/slog"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

// SQSClientAPI is the subset of the SQS client used by the feed
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS feed configuration
type Config struct {
	QueueURL string
	Region   string

	// Endpoint overrides the SQS endpoint (LocalStack)
	Endpoint string

	// AccessKeyID and SecretAccessKey set static credentials (LocalStack)
	AccessKeyID     string
	SecretAccessKey string

	// WaitTimeSeconds is the long-poll wait (default 20, the SQS maximum)
	WaitTimeSeconds int32

	// MaxNumberOfMessages per receive (default 10)
	MaxNumberOfMessages int32
}

// Transport fans SQS change events out to subscriptions
type Transport struct {
	client SQSClientAPI
	cfg    Config

	mu      sync.Mutex
	subs    map[*subscription]struct{}
	cancel  context.CancelFunc
	polling bool
}

// Connect builds an SQS client from the default AWS config chain
func Connect(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqsfeed: queue URL is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, cfg), nil
}

// New creates a transport on an existing client
func New(client SQSClientAPI, cfg Config) *Transport {
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.MaxNumberOfMessages <= 0 {
		cfg.MaxNumberOfMessages = 10
	}
	return &Transport{
		client: client,
		cfg:    cfg,
		subs:   make(map[*subscription]struct{}),
	}
}

// Name identifies the transport in logs and metrics
func (t *Transport) Name() string {
	return "sqs"
}

// HealthCheck verifies that the queue is accessible
func (t *Transport) HealthCheck(ctx context.Context) error {
	_, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(t.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	return err
}

// Publish sends a change event to the queue
func (t *Transport) Publish(ctx context.Context, ev realtime.ChangeEvent) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.cfg.QueueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to send change event: %w", err)
	}
	return nil
}

// Subscribe registers with the shared poller. SUBSCRIBED is reported once the
// queue answers a GetQueueAttributes call.
func (t *Transport) Subscribe(name string, bindings []realtime.Binding, h realtime.TransportHandlers) (realtime.Subscription, error) {
	if len(bindings) == 0 {
		return nil, errors.New("sqsfeed: at least one binding is required")
	}

	s := &subscription{t: t, name: name, bindings: bindings, h: h}
	go s.activate()
	return s, nil
}

// Close stops the poller
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.polling = false
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Transport) register(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs[s] = struct{}{}
	if t.polling {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.polling = true
	go t.poll(ctx)
}

func (t *Transport) unregister(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	var cancel context.CancelFunc
	if len(t.subs) == 0 && t.polling {
		cancel = t.cancel
		t.cancel = nil
		t.polling = false
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *Transport) snapshot() []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		out = append(out, s)
	}
	return out
}

func (t *Transport) poll(ctx context.Context) {
	slog.Info("SQS change feed polling started", "queueURL", t.cfg.QueueURL)
	defer slog.Info("SQS change feed polling stopped", "queueURL", t.cfg.QueueURL)

	for {
		out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(t.cfg.QueueURL),
			MaxNumberOfMessages: t.cfg.MaxNumberOfMessages,
			WaitTimeSeconds:     t.cfg.WaitTimeSeconds,
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("SQS receive failed", "queueURL", t.cfg.QueueURL, "error", err)
			t.failAll(err)
			return
		}

		if len(out.Messages) == 0 {
			continue
		}

		entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(out.Messages))
		for _, msg := range out.Messages {
			t.deliver(msg)
			entries = append(entries, types.DeleteMessageBatchRequestEntry{
				Id:            msg.MessageId,
				ReceiptHandle: msg.ReceiptHandle,
			})
		}
		t.deleteBatch(ctx, entries)
	}
}

func (t *Transport) deliver(msg types.Message) {
	ev, err := realtime.DecodeChangeEvent([]byte(aws.ToString(msg.Body)))
	if err != nil {
		slog.Debug("Ignoring malformed change event", "messageId", aws.ToString(msg.MessageId), "error", err)
		return
	}
	for _, s := range t.snapshot() {
		s.offer(ev)
	}
}

func (t *Transport) deleteBatch(ctx context.Context, entries []types.DeleteMessageBatchRequestEntry) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	out, err := t.client.DeleteMessageBatch(delCtx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(t.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		slog.Warn("Failed to delete change events", "count", len(entries), "error", err)
		return
	}
	for _, f := range out.Failed {
		slog.Warn("Failed to delete change event", "messageId", aws.ToString(f.Id), "code", aws.ToString(f.Code))
	}
}

// failAll fails every subscription registered on the poller that just stopped
func (t *Transport) failAll(err error) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*subscription]struct{})
	t.polling = false
	t.cancel = nil
	t.mu.Unlock()

	for _, s := range subs {
		s.status(realtime.StatusChannelError, err)
	}
}

func encode(ev realtime.ChangeEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode change event: %w", err)
	}
	return string(data), nil
}

type subscription struct {
	t        *Transport
	name     string
	bindings []realtime.Binding
	h        realtime.TransportHandlers

	mu       sync.Mutex
	active   bool
	released bool
}

func (s *subscription) activate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.t.HealthCheck(ctx)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.status(realtime.StatusTimedOut, err)
		} else {
			s.status(realtime.StatusChannelError, err)
		}
		return
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	s.t.register(s)
	s.status(realtime.StatusSubscribed, nil)
}

func (s *subscription) offer(ev realtime.ChangeEvent) {
	s.mu.Lock()
	ok := s.active && !s.released
	s.mu.Unlock()
	if ok && realtime.MatchAny(s.bindings, ev) {
		s.h.OnEvent(ev)
	}
}

func (s *subscription) status(st realtime.TransportStatus, err error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released || s.h.OnStatus == nil {
		return
	}
	s.h.OnStatus(st, err)
}

// Unsubscribe detaches from the poller
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	s.t.unregister(s)
	return nil
}
