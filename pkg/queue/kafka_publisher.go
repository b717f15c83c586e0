package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Publish when librdkafka's local queue has no room.
// The report is dropped; attempts never wait on the broker.
var ErrQueueFull = errors.New("kafka producer queue full")

const defaultFlushTimeout = 10 * time.Second

// KafkaPublisher is a Publisher backed by a librdkafka producer. Publish waits for
// the delivery report of its own message; a background goroutine drains producer
// events and surfaces fatal errors on Errors.
type KafkaPublisher struct {
	producer *kafka.Producer
	log      *zap.SugaredLogger

	errCh      chan error
	closedCh   chan struct{}
	eventsDone chan struct{}
	once       sync.Once
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates the producer and starts its event goroutine, which
// stops when ctx is cancelled or Close is called.
func NewKafkaPublisher(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*KafkaPublisher, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	q := &KafkaPublisher{
		producer:   p,
		log:        log,
		errCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
		eventsDone: make(chan struct{}),
	}
	go q.watchEvents(ctx)
	return q, nil
}

// Publish produces msg and blocks until its delivery report arrives or ctx is done.
// A message whose Publish returned ctx.Err() may still be delivered later.
func (q *KafkaPublisher) Publish(ctx context.Context, msg Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delivery := make(chan kafka.Event, 1)
	if err := q.producer.Produce(toKafkaMessage(msg), delivery); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrQueueFull {
			return ErrQueueFull
		}
		return fmt.Errorf("produce: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		return deliveryResult(q.log, ev)
	}
}

// Close stops the event goroutine and flushes queued reports until they are
// delivered or ctx's deadline passes. Calls after the first are no-ops.
func (q *KafkaPublisher) Close(ctx context.Context) {
	q.once.Do(func() {
		defer close(q.errCh)

		close(q.closedCh)
		<-q.eventsDone

		if left := q.producer.Flush(flushBudget(ctx, defaultFlushTimeout)); left > 0 {
			q.log.Warnw("closing kafka publisher with undelivered reports", "undelivered", left)
		}
		q.producer.Close()
		q.log.Info("kafka publisher closed")
	})
}

// Errors yields at most one fatal producer error and is closed by Close.
// Once an error is received the publisher must be replaced.
func (q *KafkaPublisher) Errors() <-chan error {
	return q.errCh
}

func (q *KafkaPublisher) watchEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fail(errors.New("kafka producer events channel closed"))
				return
			}
			e, isErr := ev.(kafka.Error)
			if !isErr {
				// Delivery reports go to the channel passed to Produce.
				continue
			}
			if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
				q.fail(fmt.Errorf("kafka producer failed: %w", e))
				return
			}
			q.log.Warnw("kafka producer error", "code", e.Code(), "error", e)
		}
	}
}

func (q *KafkaPublisher) fail(err error) {
	select {
	case q.errCh <- err:
	default:
	}
}

// toKafkaMessage converts msg, ordering headers by key so equal reports encode equally.
func toKafkaMessage(msg Msg) *kafka.Message {
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return km
}

// flushBudget returns the milliseconds left before ctx's deadline, or fallback
// when ctx has none. A passed deadline still allows a zero-wait flush.
func flushBudget(ctx context.Context, fallback time.Duration) int {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	if d < 0 {
		return 0
	}
	return int(d.Milliseconds())
}

func deliveryResult(log *zap.SugaredLogger, ev kafka.Event) error {
	switch e := ev.(type) {
	case *kafka.Message:
		if err := e.TopicPartition.Error; err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		log.Debugw("report delivered",
			"partition", e.TopicPartition.Partition,
			"offset", e.TopicPartition.Offset,
		)
		return nil
	case kafka.Error:
		return fmt.Errorf("delivery failed (code %s, fatal %t): %w", e.Code(), e.IsFatal(), e)
	default:
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
}
