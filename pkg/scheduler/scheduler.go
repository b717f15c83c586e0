// Package scheduler drives the keeper's window rotation.
//
// The WindowScheduler is an explicit state machine:
//
//	Initializing -> Waiting -> InWindow -> Waiting -> ...
//
// with Halted as the terminal state when the keeper's network holds no
// whitelist position at the start of a cycle. Window parameters are read once per
// cycle; protocol changes that land inside an active window take effect when the
// next cycle computes its schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/keeper-network/pkg/blockwatcher"
	"github.com/ava-labs/keeper-network/pkg/chain"
	"github.com/ava-labs/keeper-network/pkg/metrics"
	"github.com/ava-labs/keeper-network/pkg/protocol"
	"github.com/ava-labs/keeper-network/pkg/window"
)

// ErrNotWhitelisted is returned by Run when the keeper's network has no whitelist position.
var ErrNotWhitelisted = errors.New("keeper network is not whitelisted")

type Phase int32

const (
	PhaseInitializing Phase = iota
	PhaseWaiting
	PhaseInWindow
	PhaseHalted
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseWaiting:
		return "waiting"
	case PhaseInWindow:
		return "in_window"
	case PhaseHalted:
		return "halted"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// StateReader is the protocol state as seen by the scheduler.
type StateReader interface {
	Snapshot() protocol.Snapshot
	Resync(ctx context.Context) error
}

type HeightReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type BlockSubscriber interface {
	Subscribe(ctx context.Context) (*blockwatcher.Subscription, error)
}

// Dispatcher receives the tracked jobs for every in-window block.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []protocol.Job, block chain.Block)
}

type Config struct {
	AverageBlockTime time.Duration // expected block interval
	Tolerance        time.Duration // how early block observation starts before the window opens
	RetryBackoff     time.Duration // delay before retrying a failed cycle
}

type WindowScheduler struct {
	log     *zap.SugaredLogger
	state   StateReader
	height  HeightReader
	blocks  BlockSubscriber
	runner  Dispatcher
	cfg     Config
	metrics *metrics.Metrics // nil if metrics disabled

	phase    atomic.Int32
	schedule atomic.Pointer[window.Schedule]
}

func New(
	log *zap.SugaredLogger,
	state StateReader,
	height HeightReader,
	blocks BlockSubscriber,
	runner Dispatcher,
	cfg Config,
	m *metrics.Metrics,
) (*WindowScheduler, error) {
	switch {
	case log == nil:
		return nil, errors.New("invalid logger: must not be nil")
	case state == nil:
		return nil, errors.New("invalid protocol state: must not be nil")
	case height == nil:
		return nil, errors.New("invalid height reader: must not be nil")
	case blocks == nil:
		return nil, errors.New("invalid block subscriber: must not be nil")
	case runner == nil:
		return nil, errors.New("invalid dispatcher: must not be nil")
	case cfg.AverageBlockTime <= 0:
		return nil, errors.New("invalid average block time: must be greater than 0")
	case cfg.Tolerance < 0:
		return nil, errors.New("invalid tolerance: must not be negative")
	case cfg.RetryBackoff <= 0:
		return nil, errors.New("invalid retry backoff: must be greater than 0")
	}
	return &WindowScheduler{
		log:     log,
		state:   state,
		height:  height,
		blocks:  blocks,
		runner:  runner,
		cfg:     cfg,
		metrics: m,
	}, nil
}

// Phase returns the current state machine phase.
func (s *WindowScheduler) Phase() Phase {
	return Phase(s.phase.Load())
}

// Schedule returns the window of the current cycle, if one was computed.
func (s *WindowScheduler) Schedule() (window.Schedule, bool) {
	sched := s.schedule.Load()
	if sched == nil {
		return window.Schedule{}, false
	}
	return *sched, true
}

// Healthy reports an error once the scheduler halted.
func (s *WindowScheduler) Healthy() error {
	if s.Phase() == PhaseHalted {
		return ErrNotWhitelisted
	}
	return nil
}

// Run executes window cycles until ctx is cancelled or the keeper is found not to
// be whitelisted. Failed cycles are retried after a full resync. Run returns nil on
// cancellation and ErrNotWhitelisted when halting.
func (s *WindowScheduler) Run(ctx context.Context) error {
	s.setPhase(PhaseInitializing)
	needResync := true

	for ctx.Err() == nil {
		if needResync {
			if err := s.state.Resync(ctx); err != nil {
				s.fail("resync failed", err)
				if !sleep(ctx, s.cfg.RetryBackoff) {
					break
				}
				continue
			}
			needResync = false
		}

		snap := s.state.Snapshot()
		if !snap.Whitelisted() {
			s.setPhase(PhaseHalted)
			s.log.Errorw("keeper network not whitelisted, halting scheduler",
				"whitelistSize", snap.WhitelistSize,
			)
			return ErrNotWhitelisted
		}

		s.setPhase(PhaseWaiting)
		sched, err := s.waitForWindow(ctx, snap.Params())
		if err == nil {
			s.setPhase(PhaseInWindow)
			err = s.watchWindow(ctx, sched)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.fail("window cycle failed", err)
			needResync = true
			if !sleep(ctx, s.cfg.RetryBackoff) {
				break
			}
		}
	}

	s.log.Info("window scheduler stopped")
	return nil
}

// waitForWindow computes the next window and sleeps until block observation should start.
func (s *WindowScheduler) waitForWindow(ctx context.Context, params window.Params) (window.Schedule, error) {
	current, err := s.height.BlockNumber(ctx)
	if err != nil {
		return window.Schedule{}, fmt.Errorf("read chain height: %w", err)
	}
	sched, err := window.NewSchedule(current, params)
	if err != nil {
		return window.Schedule{}, fmt.Errorf("compute schedule: %w", err)
	}
	s.schedule.Store(&sched)
	s.metrics.SetSchedule(sched.Start, sched.End)

	wait := sched.WaitDuration(current, s.cfg.AverageBlockTime, s.cfg.Tolerance)
	s.log.Infow("waiting for window",
		"current", current,
		"start", sched.Start,
		"end", sched.End,
		"wait", wait,
	)
	if !sleep(ctx, wait) {
		return window.Schedule{}, ctx.Err()
	}
	return sched, nil
}

// watchWindow dispatches tracked jobs for every block inside sched and returns once
// a block at or past the window end arrives. The block subscription never outlives the call.
func (s *WindowScheduler) watchWindow(ctx context.Context, sched window.Schedule) error {
	sub, err := s.blocks.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	entered := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			s.metrics.IncError(metrics.ErrTypeSubscription)
			return err
		case b := <-sub.Blocks():
			switch {
			case sched.Before(b.Number):
				s.log.Debugw("block before window, still watching", "height", b.Number, "start", sched.Start)
			case sched.Closed(b.Number):
				s.log.Infow("window closed", "height", b.Number, "end", sched.End)
				return nil
			default:
				if !entered {
					entered = true
					s.metrics.IncWindowsEntered()
					s.log.Infow("window opened", "height", b.Number, "start", sched.Start, "end", sched.End)
				}
				s.metrics.IncBlocksInWindow()
				jobs := s.state.Snapshot().Jobs
				s.log.Debugw("dispatching jobs", "height", b.Number, "jobs", len(jobs))
				s.runner.Dispatch(ctx, jobs, b)
			}
		}
	}
}

func (s *WindowScheduler) setPhase(p Phase) {
	s.phase.Store(int32(p))
	s.metrics.SetPhase(int(p))
}

func (s *WindowScheduler) fail(msg string, err error) {
	s.log.Errorw(msg, "phase", s.Phase().String(), "error", err)
	s.metrics.IncError(metrics.ErrTypeSchedule)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
