package evm

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"go.uber.org/zap"

	"github.com/ava-labs/keeper-network/pkg/metrics"
	"github.com/ava-labs/keeper-network/pkg/protocol"
)

var (
	ErrUnknownEvent = errors.New("unknown coordinator event")
	ErrMalformedLog = errors.New("malformed coordinator log")

	// ErrSubscriptionClosed is returned when the log subscription ends without an error.
	ErrSubscriptionClosed = errors.New("coordinator log subscription closed")
)

var (
	addNetworkID    = coordinatorABI.Events["AddNetwork"].ID
	removeNetworkID = coordinatorABI.Events["RemoveNetwork"].ID
	addJobID        = coordinatorABI.Events["AddJob"].ID
	removeJobID     = coordinatorABI.Events["RemoveJob"].ID
)

// EventTopics returns the topic-0 filter matching every coordinator event the keeper consumes.
func EventTopics() [][]common.Hash {
	return [][]common.Hash{{addNetworkID, removeNetworkID, addJobID, removeJobID}}
}

// DecodeLog maps a coordinator log to a typed protocol event.
func DecodeLog(l types.Log) (protocol.Event, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("%w: missing indexed argument for topic %s", ErrMalformedLog, l.Topics[0])
	}
	arg := l.Topics[1]

	switch l.Topics[0] {
	case addNetworkID:
		return protocol.MemberAdded{Network: arg}, nil
	case removeNetworkID:
		return protocol.MemberRemoved{Network: arg}, nil
	case addJobID:
		return protocol.JobAdded{Job: common.BytesToAddress(arg.Bytes())}, nil
	case removeJobID:
		return protocol.JobRemoved{Job: common.BytesToAddress(arg.Bytes())}, nil
	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0])
	}
}

// LogSubscriber opens a log subscription.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// EventSink receives decoded events and can rebuild its view after a gap.
type EventSink interface {
	Submit(ctx context.Context, evt protocol.Event) error
	Resync(ctx context.Context) error
}

// EventSource streams coordinator events into an EventSink.
type EventSource struct {
	log         *zap.SugaredLogger
	client      LogSubscriber
	coordinator common.Address
	sink        EventSink
	metrics     *metrics.Metrics
}

// NewEventSource creates an EventSource. m may be nil.
func NewEventSource(
	log *zap.SugaredLogger,
	client LogSubscriber,
	coordinator common.Address,
	sink EventSink,
	m *metrics.Metrics,
) (*EventSource, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if client == nil {
		return nil, errors.New("invalid client: must not be nil")
	}
	if sink == nil {
		return nil, errors.New("invalid sink: must not be nil")
	}
	return &EventSource{
		log:         log,
		client:      client,
		coordinator: coordinator,
		sink:        sink,
		metrics:     m,
	}, nil
}

// Subscribe is a BLOCKING function. It subscribes to coordinator logs, decodes them
// and submits them to the sink in arrival order.
// It returns when failed to subscribe, ctx is done or when the subscription errors.
func (s *EventSource) Subscribe(ctx context.Context, capacity int) error {
	ch := make(chan types.Log, capacity)
	sub, err := s.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{s.coordinator},
		Topics:    EventTopics(),
	}, ch)
	if err != nil {
		return fmt.Errorf("subscribe coordinator logs: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-ch:
			s.handle(ctx, l)
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = ErrSubscriptionClosed
			}
			return fmt.Errorf("subscribe coordinator logs: %w", err)
		}
	}
}

func (s *EventSource) handle(ctx context.Context, l types.Log) {
	if l.Removed {
		// Reorged out; the next resync reconciles.
		s.log.Debugw("ignoring removed coordinator log", "block", l.BlockNumber, "tx", l.TxHash)
		return
	}
	evt, err := DecodeLog(l)
	if err != nil {
		s.metrics.IncError(metrics.ErrTypeEventDecode)
		s.log.Warnw("failed to decode coordinator log", "block", l.BlockNumber, "tx", l.TxHash, "error", err)
		return
	}
	s.log.Debugw("received coordinator event", "kind", evt.Kind(), "block", l.BlockNumber)
	if err := s.sink.Submit(ctx, evt); err != nil {
		s.log.Warnw("failed to submit coordinator event", "kind", evt.Kind(), "error", err)
	}
}

// Run keeps a subscription alive until ctx is done. After a subscription failure
// it waits backoff, resyncs the sink to cover missed events and subscribes again.
func (s *EventSource) Run(ctx context.Context, capacity int, backoff time.Duration) error {
	for {
		err := s.Subscribe(ctx, capacity)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.IncError(metrics.ErrTypeSubscription)
		s.log.Warnw("coordinator event subscription ended, resubscribing", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if err := s.sink.Resync(ctx); err != nil {
			s.log.Warnw("resync after subscription failure failed", "error", err)
		}
	}
}
