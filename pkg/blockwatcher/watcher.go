// Package blockwatcher turns a new-head subscription into an ordered, cancellable
// stream of blocks.
package blockwatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/libevm/core/types"
	"go.uber.org/zap"

	"github.com/ava-labs/keeper-network/pkg/chain"
)

var ErrSubscriptionClosed = errors.New("head subscription closed")

type Watcher struct {
	log      *zap.SugaredLogger
	source   chain.HeadSource
	capacity int
}

func New(log *zap.SugaredLogger, source chain.HeadSource, capacity int) (*Watcher, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if source == nil {
		return nil, errors.New("invalid head source: must not be nil")
	}
	if capacity <= 0 {
		return nil, errors.New("invalid capacity: must be greater than 0")
	}
	return &Watcher{log: log, source: source, capacity: capacity}, nil
}

// Subscription delivers blocks in arrival order until it is unsubscribed or the
// underlying transport fails.
type Subscription struct {
	blocks chan chain.Block
	errCh  chan error
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Blocks returns the delivery channel. It is never closed; select on Err as well.
func (s *Subscription) Blocks() <-chan chain.Block { return s.blocks }

// Err receives at most one transport error.
func (s *Subscription) Err() <-chan error { return s.errCh }

// Unsubscribe releases the transport subscription and waits for the delivery
// goroutine to exit. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe opens a new-head subscription. Callers must call Unsubscribe.
func (w *Watcher) Subscribe(ctx context.Context) (*Subscription, error) {
	headers := make(chan *types.Header, w.capacity)
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := w.source.SubscribeNewHead(subCtx, headers)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}

	s := &Subscription{
		blocks: make(chan chain.Block, w.capacity),
		errCh:  make(chan error, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case header := <-headers:
				if header == nil || header.Number == nil {
					continue
				}
				b := chain.BlockFromHeader(header)
				w.log.Debugw("received new block from subscription", "height", b.Number)
				select {
				case s.blocks <- b:
				case <-subCtx.Done():
					return
				}
			case err, ok := <-sub.Err():
				if !ok || err == nil {
					err = ErrSubscriptionClosed
				}
				s.errCh <- fmt.Errorf("subscribe new heads: %w", err)
				return
			}
		}
	}()

	return s, nil
}
