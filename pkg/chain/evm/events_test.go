package evm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ava-labs/keeper-network/pkg/protocol"
)

func TestDecodeLog(t *testing.T) {
	t.Parallel()

	network := common.Hash{'N'}
	job := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	jobTopic := common.BytesToHash(job.Bytes())

	tests := []struct {
		name    string
		log     types.Log
		want    protocol.Event
		wantErr error
	}{
		{
			name: "network added",
			log:  types.Log{Topics: []common.Hash{addNetworkID, network}},
			want: protocol.MemberAdded{Network: network},
		},
		{
			name: "network removed",
			log:  types.Log{Topics: []common.Hash{removeNetworkID, network}},
			want: protocol.MemberRemoved{Network: network},
		},
		{
			name: "job added",
			log:  types.Log{Topics: []common.Hash{addJobID, jobTopic}},
			want: protocol.JobAdded{Job: job},
		},
		{
			name: "job removed",
			log:  types.Log{Topics: []common.Hash{removeJobID, jobTopic}},
			want: protocol.JobRemoved{Job: job},
		},
		{
			name:    "no topics",
			log:     types.Log{},
			wantErr: ErrMalformedLog,
		},
		{
			name:    "missing indexed argument",
			log:     types.Log{Topics: []common.Hash{addJobID}},
			wantErr: ErrMalformedLog,
		},
		{
			name:    "unknown event",
			log:     types.Log{Topics: []common.Hash{{0xff}, network}},
			wantErr: ErrUnknownEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeLog(tt.log)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

type subscriptionStub struct {
	errCh chan error
	once  sync.Once
	unsub chan struct{}
}

func newSubscriptionStub() *subscriptionStub {
	return &subscriptionStub{errCh: make(chan error, 1), unsub: make(chan struct{})}
}

func (s *subscriptionStub) Unsubscribe() { s.once.Do(func() { close(s.unsub) }) }
func (s *subscriptionStub) Err() <-chan error { return s.errCh }

type logSubscriberStub struct {
	mu    sync.Mutex
	subs  []*subscriptionStub
	chans []chan<- types.Log
	query ethereum.FilterQuery
	err   error
}

func (l *logSubscriberStub) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	sub := newSubscriptionStub()
	l.subs = append(l.subs, sub)
	l.chans = append(l.chans, ch)
	l.query = q
	return sub, nil
}

func (l *logSubscriberStub) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *logSubscriberStub) latest() (*subscriptionStub, chan<- types.Log) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[len(l.subs)-1], l.chans[len(l.chans)-1]
}

type sinkStub struct {
	mu      sync.Mutex
	events  []protocol.Event
	resyncs int
}

func (s *sinkStub) Submit(_ context.Context, evt protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *sinkStub) Resync(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs++
	return nil
}

func (s *sinkStub) snapshot() ([]protocol.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Event(nil), s.events...), s.resyncs
}

func TestNewEventSource_Validation(t *testing.T) {
	t.Parallel()

	log := zap.NewNop().Sugar()
	_, err := NewEventSource(nil, &logSubscriberStub{}, coordinatorAddr, &sinkStub{}, nil)
	require.ErrorContains(t, err, "invalid logger")
	_, err = NewEventSource(log, nil, coordinatorAddr, &sinkStub{}, nil)
	require.ErrorContains(t, err, "invalid client")
	_, err = NewEventSource(log, &logSubscriberStub{}, coordinatorAddr, nil, nil)
	require.ErrorContains(t, err, "invalid sink")
}

func TestEventSource_SubscribeDeliversInOrder(t *testing.T) {
	t.Parallel()

	client := &logSubscriberStub{}
	sink := &sinkStub{}
	core, recorded := observer.New(zap.WarnLevel)
	src, err := NewEventSource(zap.New(core).Sugar(), client, coordinatorAddr, sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Subscribe(ctx, 8) }()

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, time.Millisecond)
	sub, ch := client.latest()
	require.Equal(t, []common.Address{coordinatorAddr}, client.query.Addresses)

	job := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	jobTopic := common.BytesToHash(job.Bytes())
	ch <- types.Log{Topics: []common.Hash{addJobID, jobTopic}}
	ch <- types.Log{Topics: []common.Hash{{0xff}, jobTopic}}                      // undecodable
	ch <- types.Log{Topics: []common.Hash{addNetworkID, {'N'}}, Removed: true} // reorged
	ch <- types.Log{Topics: []common.Hash{removeJobID, jobTopic}}

	require.Eventually(t, func() bool {
		events, _ := sink.snapshot()
		return len(events) == 2
	}, time.Second, time.Millisecond)
	events, _ := sink.snapshot()
	require.Equal(t, []protocol.Event{protocol.JobAdded{Job: job}, protocol.JobRemoved{Job: job}}, events)
	require.Equal(t, 1, recorded.FilterMessage("failed to decode coordinator log").Len())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-sub.unsub:
	default:
		t.Fatal("subscription was not released")
	}
}

func TestEventSource_SubscribeError(t *testing.T) {
	t.Parallel()

	client := &logSubscriberStub{err: errors.New("not supported")}
	src, err := NewEventSource(zap.NewNop().Sugar(), client, coordinatorAddr, &sinkStub{}, nil)
	require.NoError(t, err)

	err = src.Subscribe(t.Context(), 1)
	require.ErrorContains(t, err, "not supported")
}

func TestEventSource_ClosedErrChannel(t *testing.T) {
	t.Parallel()

	client := &logSubscriberStub{}
	src, err := NewEventSource(zap.NewNop().Sugar(), client, coordinatorAddr, &sinkStub{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- src.Subscribe(t.Context(), 1) }()

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, time.Millisecond)
	sub, _ := client.latest()
	close(sub.errCh)

	err = <-done
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.NotContains(t, err.Error(), "%!w")
}

func TestEventSource_RunResubscribesAndResyncs(t *testing.T) {
	t.Parallel()

	client := &logSubscriberStub{}
	sink := &sinkStub{}
	src, err := NewEventSource(zap.NewNop().Sugar(), client, coordinatorAddr, sink, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, 4, time.Millisecond) }()

	require.Eventually(t, func() bool { return client.count() == 1 }, time.Second, time.Millisecond)
	sub, _ := client.latest()
	sub.errCh <- errors.New("connection reset")

	require.Eventually(t, func() bool { return client.count() == 2 }, time.Second, time.Millisecond)
	_, resyncs := sink.snapshot()
	require.Equal(t, 1, resyncs)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
