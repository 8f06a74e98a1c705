// Package pubsub provides the Google Cloud Pub/Sub queue backend. Each lane
// maps to a topic/subscription pair; redelivery timing and retry pacing are
// governed by the subscription's ack deadline and retry policy rather than a
// local janitor.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/gramsight/sentiment-service/internal/analysis"
	"github.com/gramsight/sentiment-service/internal/logging"
	"github.com/gramsight/sentiment-service/internal/queue"
)

// Config identifies the project and the per-lane topic and subscription ids.
type Config struct {
	ProjectID string

	DefaultTopic        string
	DefaultSubscription string
	BatchTopic          string
	BatchSubscription   string

	// MaxOutstanding bounds messages held locally per subscription.
	MaxOutstanding int
	AckDeadline    time.Duration

	// MaxAttempts and DeadLetter reproduce the attempt-exhaustion behavior
	// of the in-memory backend for subscriptions without a server-side
	// dead-letter policy.
	MaxAttempts int
	DeadLetter  queue.DeadLetterFunc

	// ClientOptions are passed through to the Pub/Sub client; tests use
	// them to point at a fake server.
	ClientOptions []option.ClientOption
}

// Queue implements analysis.Queue on Pub/Sub. It authenticates with Google
// Cloud Application Default Credentials.
type Queue struct {
	client *pubsub.Client
	topics map[analysis.Lane]*pubsub.Topic
	cfg    Config

	deliveries chan analysis.Delivery
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// New connects the client, verifies the topics exist, and starts one receive
// loop per subscription.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 16
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topics := map[analysis.Lane]*pubsub.Topic{
		analysis.LaneDefault: client.Topic(cfg.DefaultTopic),
		analysis.LaneBatch:   client.Topic(cfg.BatchTopic),
	}
	for lane, topic := range topics {
		exists, err := topic.Exists(ctx)
		if err != nil {
			closeClient(client)
			return nil, fmt.Errorf("check %s topic: %w", lane, err)
		}
		if !exists {
			closeClient(client)
			return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topic.ID(), cfg.ProjectID)
		}
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:     client,
		topics:     topics,
		cfg:        cfg,
		deliveries: make(chan analysis.Delivery, cfg.MaxOutstanding),
		cancel:     cancel,
	}
	for _, subID := range []string{cfg.DefaultSubscription, cfg.BatchSubscription} {
		sub := client.Subscription(subID)
		configureSubscription(sub, cfg)
		q.wg.Add(1)
		go q.receive(recvCtx, sub)
	}
	return q, nil
}

// configureSubscription applies the queue's lease semantics to a
// subscription: MaxExtension caps client-side ack-deadline extension so a
// stuck worker releases its message on the same schedule as the in-memory
// backend.
func configureSubscription(sub *pubsub.Subscription, cfg Config) {
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	if cfg.AckDeadline > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.AckDeadline
	}
}

// Enqueue publishes the descriptor to its lane's topic and waits for the
// server acknowledgement, so callers learn about publish failures before
// answering the client.
func (q *Queue) Enqueue(ctx context.Context, d analysis.Descriptor) error {
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	lane := d.Lane
	if lane == "" {
		lane = analysis.LaneDefault
	}
	topic, ok := q.topics[lane]
	if !ok {
		return fmt.Errorf("no topic for lane %q", lane)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"job_id": d.JobID},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish descriptor: %w", err)
	}
	return nil
}

// Dequeue hands out the next received message as a delivery.
func (q *Queue) Dequeue(ctx context.Context) (analysis.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, analysis.ErrQueueClosed
		}
		return d, nil
	}
}

// Remove is unsupported on Pub/Sub; published messages cannot be withdrawn.
// Cancellation relies on the worker observing the store's cancel flag.
func (q *Queue) Remove(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// Ping verifies the default topic is still reachable.
func (q *Queue) Ping(ctx context.Context) error {
	exists, err := q.topics[analysis.LaneDefault].Exists(ctx)
	if err != nil {
		return fmt.Errorf("ping pubsub: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %q is gone", q.topics[analysis.LaneDefault].ID())
	}
	return nil
}

// Close stops the receive loops, flushes pending publishes, and closes the
// client.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cancel()
	q.wg.Wait()
	close(q.deliveries)
	for _, topic := range q.topics {
		topic.Stop()
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// receive feeds the shared delivery channel until the context ends. Sub
// restarts after transient Receive errors are left to process supervision.
func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer q.wg.Done()
	err := sub.Receive(ctx, func(mctx context.Context, msg *pubsub.Message) {
		var desc analysis.Descriptor
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			// Poison message: nothing downstream can do better.
			logging.L.Warn("dropping undecodable queue message",
				zap.String("subscription", sub.ID()), zap.Error(err))
			msg.Ack()
			return
		}
		if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > desc.Attempt {
			desc.Attempt = *msg.DeliveryAttempt
		}
		if desc.Attempt > q.cfg.MaxAttempts {
			if q.cfg.DeadLetter != nil {
				q.cfg.DeadLetter(mctx, desc)
			}
			msg.Ack()
			return
		}
		select {
		case q.deliveries <- &delivery{desc: desc, msg: msg}:
		case <-mctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		logging.L.Error("pubsub receive stopped",
			zap.String("subscription", sub.ID()), zap.Error(err))
	}
}

func closeClient(client *pubsub.Client) {
	if err := client.Close(); err != nil {
		logging.L.Warn("failed to close pubsub client", zap.Error(err))
	}
}

type delivery struct {
	desc analysis.Descriptor
	msg  *pubsub.Message
}

func (d *delivery) Descriptor() analysis.Descriptor { return d.desc }

func (d *delivery) Ack(_ context.Context) error {
	d.msg.Ack()
	return nil
}

func (d *delivery) Nack(_ context.Context) error {
	d.msg.Nack()
	return nil
}
