package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/keeper-network/pkg/chain"
	"github.com/ava-labs/keeper-network/pkg/metrics"
)

const defaultQueueCapacity = 64

// JobObserver is notified when a job stops being tracked.
type JobObserver interface {
	JobRemoved(job common.Address)
}

type request struct {
	event Event      // nil requests a full resync
	done  chan error // nil for fire-and-forget events
}

type trackedJob struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type params struct {
	windowLength  uint64
	whitelistSize uint64
	selfPosition  int64
}

// State is the process-wide protocol snapshot. See the package documentation.
type State struct {
	log         *zap.SugaredLogger
	coordinator chain.Coordinator
	network     [32]byte
	observer    JobObserver
	metrics     *metrics.Metrics // nil if metrics disabled
	capacity    int

	current  atomic.Pointer[Snapshot]
	requests chan request

	// Owned by the Run goroutine.
	jobs map[common.Address]trackedJob
}

// Option configures the State.
type Option func(*State)

// WithMetrics enables metrics collection for the state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *State) {
		s.metrics = m
	}
}

// WithJobObserver registers the observer notified on job removal.
func WithJobObserver(o JobObserver) Option {
	return func(s *State) {
		s.observer = o
	}
}

// WithQueueCapacity sets the capacity of the pending request queue.
func WithQueueCapacity(n int) Option {
	return func(s *State) {
		s.capacity = n
	}
}

// NewState creates a State for the network identified by the given whitelist tag.
// The snapshot is empty and not whitelisted until the first Resync completes.
func NewState(log *zap.SugaredLogger, coordinator chain.Coordinator, network [32]byte, opts ...Option) (*State, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if coordinator == nil {
		return nil, errors.New("invalid coordinator: must not be nil")
	}

	s := &State{
		log:         log,
		coordinator: coordinator,
		network:     network,
		capacity:    defaultQueueCapacity,
		jobs:        make(map[common.Address]trackedJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.capacity <= 0 {
		return nil, errors.New("invalid queue capacity: must be greater than 0")
	}
	s.requests = make(chan request, s.capacity)
	s.current.Store(&Snapshot{SelfPosition: NotWhitelisted})
	return s, nil
}

// Snapshot returns the latest published snapshot.
func (s *State) Snapshot() Snapshot {
	return *s.current.Load()
}

// Run is the single writer. It must be called exactly once and returns when ctx is done,
// cancelling every job token on the way out.
func (s *State) Run(ctx context.Context) error {
	defer s.releaseJobs()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			err := s.handle(ctx, req)
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

// Submit enqueues an event without waiting for it to be applied.
func (s *State) Submit(ctx context.Context, evt Event) error {
	if evt == nil {
		return errors.New("invalid event: must not be nil")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.requests <- request{event: evt}:
		return nil
	}
}

// Apply enqueues an event and waits until the writer has applied it.
func (s *State) Apply(ctx context.Context, evt Event) error {
	if evt == nil {
		return errors.New("invalid event: must not be nil")
	}
	return s.roundTrip(ctx, request{event: evt, done: make(chan error, 1)})
}

// Resync re-reads the complete protocol state from the coordinator and waits for the
// result. On error the previous snapshot stays in place.
func (s *State) Resync(ctx context.Context) error {
	return s.roundTrip(ctx, request{done: make(chan error, 1)})
}

func (s *State) roundTrip(ctx context.Context, req request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.requests <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

func (s *State) handle(ctx context.Context, req request) error {
	if req.event == nil {
		err := s.resync(ctx)
		s.metrics.RecordResync(err)
		if err != nil {
			s.log.Warnw("protocol resync failed", "error", err)
		}
		return err
	}

	err := s.apply(ctx, req.event)
	s.metrics.RecordEvent(string(req.event.Kind()), err)
	if err != nil {
		s.log.Warnw("failed to apply coordinator event", "kind", req.event.Kind(), "error", err)
	}
	return err
}

func (s *State) apply(ctx context.Context, evt Event) error {
	prev := s.Snapshot()
	p := params{
		windowLength:  prev.WindowLength,
		whitelistSize: prev.WhitelistSize,
		selfPosition:  prev.SelfPosition,
	}

	switch e := evt.(type) {
	case MemberAdded:
		s.log.Infow("network added to whitelist", "network", NetworkString(e.Network))
		next, err := s.readParams(ctx)
		if err != nil {
			return err
		}
		p = next
	case MemberRemoved:
		s.log.Infow("network removed from whitelist", "network", NetworkString(e.Network))
		next, err := s.readParams(ctx)
		if err != nil {
			return err
		}
		p = next
	case JobAdded:
		if !s.addJob(ctx, e.Job) {
			return nil
		}
		s.log.Infow("job added", "job", e.Job)
	case JobRemoved:
		if !s.removeJob(e.Job) {
			return nil
		}
		s.log.Infow("job removed", "job", e.Job)
	default:
		return fmt.Errorf("unknown event kind %q", evt.Kind())
	}

	s.publish(p, prev.Synced)
	return nil
}

func (s *State) resync(ctx context.Context) error {
	p, err := s.readParams(ctx)
	if err != nil {
		return err
	}
	addrs, err := s.readJobs(ctx)
	if err != nil {
		return err
	}

	keep := make(map[common.Address]struct{}, len(addrs))
	for _, addr := range addrs {
		keep[addr] = struct{}{}
		s.addJob(ctx, addr)
	}
	for addr := range s.jobs {
		if _, ok := keep[addr]; !ok {
			s.removeJob(addr)
		}
	}

	s.publish(p, true)
	s.log.Debugw("protocol state resynced",
		"windowLength", p.windowLength,
		"whitelistSize", p.whitelistSize,
		"selfPosition", p.selfPosition,
		"jobs", len(s.jobs),
	)
	return nil
}

func (s *State) readParams(ctx context.Context) (params, error) {
	windowLength, err := s.coordinator.TotalWindowSize(ctx)
	if err != nil {
		return params{}, fmt.Errorf("read window length: %w", err)
	}
	size, err := s.coordinator.NumNetworks(ctx)
	if err != nil {
		return params{}, fmt.Errorf("read whitelist size: %w", err)
	}
	pos, err := s.findSelf(ctx, size)
	if err != nil {
		return params{}, err
	}
	return params{windowLength: windowLength, whitelistSize: size, selfPosition: pos}, nil
}

// findSelf scans the whitelist in order and returns the first index holding this
// keeper's tag, or NotWhitelisted.
func (s *State) findSelf(ctx context.Context, size uint64) (int64, error) {
	for i := uint64(0); i < size; i++ {
		tag, err := s.coordinator.NetworkAt(ctx, i)
		if err != nil {
			return NotWhitelisted, fmt.Errorf("read network at %d: %w", i, err)
		}
		if tag == s.network {
			return int64(i), nil
		}
	}
	return NotWhitelisted, nil
}

func (s *State) readJobs(ctx context.Context) ([]common.Address, error) {
	n, err := s.coordinator.NumJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("read job count: %w", err)
	}
	addrs := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		addr, err := s.coordinator.JobAt(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("read job at %d: %w", i, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// addJob starts tracking a job. The token derives from the Run context so shutdown
// cancels it. Returns false if the job was already tracked.
func (s *State) addJob(ctx context.Context, addr common.Address) bool {
	if _, ok := s.jobs[addr]; ok {
		return false
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.jobs[addr] = trackedJob{ctx: jobCtx, cancel: cancel}
	return true
}

// removeJob stops tracking a job, cancels its token and notifies the observer.
// Returns false if the job was not tracked.
func (s *State) removeJob(addr common.Address) bool {
	tj, ok := s.jobs[addr]
	if !ok {
		return false
	}
	tj.cancel()
	delete(s.jobs, addr)
	if s.observer != nil {
		s.observer.JobRemoved(addr)
	}
	return true
}

func (s *State) releaseJobs() {
	for addr, tj := range s.jobs {
		tj.cancel()
		delete(s.jobs, addr)
	}
}

func (s *State) publish(p params, synced bool) {
	jobs := make([]Job, 0, len(s.jobs))
	for addr, tj := range s.jobs {
		jobs = append(jobs, NewJob(tj.ctx, addr))
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		return bytes.Compare(a.Address[:], b.Address[:])
	})

	s.current.Store(&Snapshot{
		WindowLength:  p.windowLength,
		WhitelistSize: p.whitelistSize,
		SelfPosition:  p.selfPosition,
		Jobs:          jobs,
		Synced:        synced,
	})
	s.metrics.UpdateProtocolMetrics(p.windowLength, p.whitelistSize, p.selfPosition, len(jobs))
}
