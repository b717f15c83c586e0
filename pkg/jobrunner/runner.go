// Package jobrunner performs work attempts for tracked jobs.
//
// For every (job, block) pair handed to it the runner checks whether the job is
// workable for this keeper's network and, if so, asks a broadcaster to call
// work(job, args) on the registry. At most one attempt per job is in flight.
package jobrunner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/keeper-network/pkg/broadcast"
	"github.com/ava-labs/keeper-network/pkg/chain"
	"github.com/ava-labs/keeper-network/pkg/metrics"
	"github.com/ava-labs/keeper-network/pkg/protocol"
	"github.com/ava-labs/keeper-network/pkg/queue"
)

// WorkMethod is the registry method invoked for workable jobs.
const WorkMethod = "work"

const (
	defaultMaxConcurrent = 16
	defaultReportTimeout = 5 * time.Second
)

// Config holds the runner settings.
type Config struct {
	Network       [32]byte       // network tag passed to workable
	Registry      common.Address // contract receiving work calls
	MaxConcurrent int64          // concurrent attempts across all jobs; 0 uses the default
	ReportTopic   string         // topic for attempt reports
	ReportTimeout time.Duration  // bound on publishing a single report; 0 uses the default
}

type Option func(*Runner)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPublisher sends attempt reports through p.
func WithPublisher(p queue.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// Runner executes work attempts. It is safe for concurrent use.
type Runner struct {
	log         *zap.SugaredLogger
	checker     chain.JobChecker
	broadcaster broadcast.Broadcaster
	publisher   queue.Publisher
	metrics     *metrics.Metrics
	cfg         Config

	// In-progress flags. Only the attempt that set a flag clears it.
	mu       sync.Mutex
	inflight map[common.Address]struct{}

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

var _ protocol.JobObserver = (*Runner)(nil)

func New(
	log *zap.SugaredLogger,
	checker chain.JobChecker,
	broadcaster broadcast.Broadcaster,
	cfg Config,
	opts ...Option,
) (*Runner, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if checker == nil {
		return nil, errors.New("invalid job checker: must not be nil")
	}
	if broadcaster == nil {
		return nil, errors.New("invalid broadcaster: must not be nil")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, errors.New("invalid max concurrent attempts: must not be negative")
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = defaultReportTimeout
	}

	r := &Runner{
		log:         log,
		checker:     checker,
		broadcaster: broadcaster,
		publisher:   queue.Noop{},
		cfg:         cfg,
		inflight:    make(map[common.Address]struct{}),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dispatch starts one attempt per job for block and returns without waiting.
// A job whose previous attempt is still running, or that finds every slot
// taken, is skipped for this block. Nothing is queued for later blocks.
func (r *Runner) Dispatch(ctx context.Context, jobs []protocol.Job, block chain.Block) {
	if ctx.Err() != nil {
		return
	}
	for _, job := range jobs {
		if !r.claim(job.Address) {
			r.metrics.RecordAttempt(metrics.OutcomeSkippedInFlight)
			continue
		}
		if !r.sem.TryAcquire(1) {
			r.release(job.Address)
			r.metrics.RecordAttempt(metrics.OutcomeSkippedBusy)
			r.log.Debugw("runner busy, skipping job for block", "job", job.Address, "block", block.Number)
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			defer r.release(job.Address)
			r.attempt(ctx, job, block)
		}()
	}
}

// Wait blocks until every dispatched attempt has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Attempt runs a single work attempt for job at block and returns its outcome.
// It returns OutcomeSkippedInFlight without any chain interaction when another
// attempt for the same job has not finished yet.
//
// ctx bounds the workable check. Broadcast retries additionally stop once the
// job's cancellation token is cancelled.
func (r *Runner) Attempt(ctx context.Context, job protocol.Job, block chain.Block) string {
	if !r.claim(job.Address) {
		r.metrics.RecordAttempt(metrics.OutcomeSkippedInFlight)
		return metrics.OutcomeSkippedInFlight
	}
	defer r.release(job.Address)
	return r.attempt(ctx, job, block)
}

// attempt runs with the job's flag already held by the caller.
func (r *Runner) attempt(ctx context.Context, job protocol.Job, block chain.Block) string {
	start := time.Now()
	r.metrics.IncAttemptsInFlight()
	defer func() {
		r.metrics.DecAttemptsInFlight()
		r.metrics.ObserveAttemptDuration(time.Since(start).Seconds())
	}()

	log := r.log.With("job", job.Address, "block", block.Number)

	workable, args, err := r.checker.Workable(ctx, job.Address, r.cfg.Network)
	if err != nil {
		log.Warnw("workable check failed", "error", err)
		r.finish(ctx, job, block, start, metrics.OutcomeCheckFailed, broadcast.Result{}, err)
		return metrics.OutcomeCheckFailed
	}
	if !workable {
		r.metrics.RecordAttempt(metrics.OutcomeNotWorkable)
		return metrics.OutcomeNotWorkable
	}

	bctx, cancel := context.WithCancel(job.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log.Infow("job workable, broadcasting")
	res, err := r.broadcaster.Broadcast(bctx, broadcast.Request{
		Target:  r.cfg.Registry,
		Method:  WorkMethod,
		Args:    []any{job.Address, args},
		Block:   block,
		Recheck: stillWorkable{checker: r.checker, job: job.Address, network: r.cfg.Network},
	})

	outcome := metrics.OutcomeNotIncluded
	switch {
	case err != nil:
		outcome = metrics.OutcomeBroadcastFailed
		log.Errorw("broadcast failed", "error", err)
	case res.Included:
		outcome = metrics.OutcomeIncluded
		log.Infow("work included", "tx", res.TxHash, "attempts", res.Attempts)
	default:
		log.Infow("work not included", "tx", res.TxHash, "attempts", res.Attempts)
	}
	r.finish(ctx, job, block, start, outcome, res, err)
	return outcome
}

// JobRemoved is called when job stops being tracked. A running attempt keeps
// its flag until it returns; its broadcast stops at the next resubmission
// round because the job's token is cancelled.
func (r *Runner) JobRemoved(addr common.Address) {
	if r.InFlight(addr) {
		r.log.Debugw("removed job has an attempt in flight", "job", addr)
	}
}

// InFlight reports whether an attempt for addr is in progress.
func (r *Runner) InFlight(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[addr]
	return ok
}

func (r *Runner) claim(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[addr]; busy {
		return false
	}
	r.inflight[addr] = struct{}{}
	return true
}

func (r *Runner) release(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, addr)
}

func (r *Runner) finish(
	ctx context.Context,
	job protocol.Job,
	block chain.Block,
	start time.Time,
	outcome string,
	res broadcast.Result,
	err error,
) {
	r.metrics.RecordAttempt(outcome)
	r.publish(ctx, newReport(r.cfg.Network, job.Address, block, start, outcome, res, err))
}

// stillWorkable re-evaluates workability between broadcast submissions.
type stillWorkable struct {
	checker chain.JobChecker
	job     common.Address
	network [32]byte
}

func (c stillWorkable) Holds(ctx context.Context) (bool, error) {
	ok, _, err := c.checker.Workable(ctx, c.job, c.network)
	return ok, err
}
