package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "keeper"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Scheduler = "scheduler"
	Jobs      = "jobs"
	Broadcast = "broadcast"
	Reports   = "reports"
)

// Attempt outcome label values.
const (
	OutcomeSkippedInFlight = "skipped_in_flight"
	OutcomeSkippedBusy     = "skipped_runner_busy"
	OutcomeNotWorkable     = "not_workable"
	OutcomeCheckFailed     = "check_failed"
	OutcomeIncluded        = "included"
	OutcomeNotIncluded     = "not_included"
	OutcomeBroadcastFailed = "broadcast_failed"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple keeper instances.
type Labels struct {
	EVMChainID    uint64 // EVM chain ID (e.g., 1 for Ethereum mainnet)
	Network       string // Whitelist tag of this keeper, hex encoded
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.EVMChainID != 0 {
		labels["evm_chain_id"] = strconv.FormatUint(l.EVMChainID, 10)
	}
	if l.Network != "" {
		labels["network"] = l.Network
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Protocol state
	windowLength  prometheus.Gauge
	whitelistSize prometheus.Gauge
	selfPosition  prometheus.Gauge
	trackedJobs   prometheus.Gauge
	eventsApplied *prometheus.CounterVec
	resyncs       *prometheus.CounterVec

	// Scheduler
	phase          prometheus.Gauge
	windowStart    prometheus.Gauge
	windowEnd      prometheus.Gauge
	windowsEntered prometheus.Counter
	blocksInWindow prometheus.Counter
	errors         *prometheus.CounterVec

	// Job attempts
	attempts         *prometheus.CounterVec
	attemptsInFlight prometheus.Gauge
	attemptDuration  prometheus.Histogram

	// Broadcast
	transactionsSent  *prometheus.CounterVec
	broadcastDuration prometheus.Histogram

	// RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge

	// Attempt reports
	reportsPublished *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., evm_chain_id), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		windowLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "window_length_blocks",
			Help:      "Length of a master window in blocks",
		}),
		whitelistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "whitelist_size",
			Help:      "Number of whitelisted networks",
		}),
		selfPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "self_position",
			Help:      "Position of this keeper in the whitelist, -1 when not whitelisted",
		}),
		trackedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "tracked",
			Help:      "Number of jobs currently tracked",
		}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_applied_total",
			Help:      "Coordinator events applied to the protocol state by kind and status",
		}, []string{"kind", "status"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resyncs_total",
			Help:      "Full protocol state resynchronizations by status",
		}, []string{"status"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "phase",
			Help:      "Current scheduler phase (0=initializing, 1=waiting, 2=in_window, 3=halted)",
		}),
		windowStart: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "window_start_block",
			Help:      "First block of the current or next master window",
		}),
		windowEnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "window_end_block",
			Help:      "First block after the current or next master window",
		}),
		windowsEntered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "windows_entered_total",
			Help:      "Total number of master windows entered",
		}),
		blocksInWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Scheduler,
			Name:      "window_blocks_total",
			Help:      "Total number of blocks observed inside a master window",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "attempts_total",
			Help:      "Work attempts by outcome",
		}, []string{"outcome"}),
		attemptsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "attempts_in_flight",
			Help:      "Number of work attempts currently in progress",
		}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Jobs,
			Name:      "attempt_duration_seconds",
			Help:      "Time from workability check to attempt completion",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		transactionsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Broadcast,
			Name:      "transactions_sent_total",
			Help:      "Signed work transactions submitted by status",
		}, []string{"status"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Broadcast,
			Name:      "duration_seconds",
			Help:      "Time to drive a work call to inclusion or exhaustion",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 15, 30, 60, 120, 300},
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			// Buckets cover typical RPC latencies: 1ms, 5ms, 10ms, 25ms, 50ms,
			// 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		reportsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Reports,
			Name:      "published_total",
			Help:      "Attempt reports published by status",
		}, []string{"status"}),
	}

	err := errors.Join(
		reg.Register(m.windowLength),
		reg.Register(m.whitelistSize),
		reg.Register(m.selfPosition),
		reg.Register(m.trackedJobs),
		reg.Register(m.eventsApplied),
		reg.Register(m.resyncs),
		reg.Register(m.phase),
		reg.Register(m.windowStart),
		reg.Register(m.windowEnd),
		reg.Register(m.windowsEntered),
		reg.Register(m.blocksInWindow),
		reg.Register(m.errors),
		reg.Register(m.attempts),
		reg.Register(m.attemptsInFlight),
		reg.Register(m.attemptDuration),
		reg.Register(m.transactionsSent),
		reg.Register(m.broadcastDuration),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.reportsPublished),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Error type constants for non-RPC errors (RPC errors are tracked via rpcCalls{status="error"}).
const (
	ErrTypeSchedule     = "schedule"
	ErrTypeSubscription = "subscription"
	ErrTypeEventDecode  = "event_decode"
	ErrTypeReport       = "report"
)

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// UpdateProtocolMetrics updates the protocol state gauges.
func (m *Metrics) UpdateProtocolMetrics(windowLength, whitelistSize uint64, selfPosition int64, jobs int) {
	if m == nil {
		return
	}
	m.windowLength.Set(float64(windowLength))
	m.whitelistSize.Set(float64(whitelistSize))
	m.selfPosition.Set(float64(selfPosition))
	m.trackedJobs.Set(float64(jobs))
}

// RecordEvent records a coordinator event applied to the protocol state.
func (m *Metrics) RecordEvent(kind string, err error) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(kind, status(err)).Inc()
}

// RecordResync records a full resynchronization outcome.
func (m *Metrics) RecordResync(err error) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(status(err)).Inc()
}

// SetPhase records the scheduler phase.
func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.phase.Set(float64(phase))
}

// SetSchedule records the boundaries of the window the scheduler is waiting for.
func (m *Metrics) SetSchedule(start, end uint64) {
	if m == nil {
		return
	}
	m.windowStart.Set(float64(start))
	m.windowEnd.Set(float64(end))
}

// IncWindowsEntered increments the windows entered counter.
func (m *Metrics) IncWindowsEntered() {
	if m == nil {
		return
	}
	m.windowsEntered.Inc()
}

// IncBlocksInWindow increments the in-window block counter.
func (m *Metrics) IncBlocksInWindow() {
	if m == nil {
		return
	}
	m.blocksInWindow.Inc()
}

// RecordAttempt records the outcome of a work attempt.
func (m *Metrics) RecordAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// IncAttemptsInFlight increments the in-flight attempts gauge.
func (m *Metrics) IncAttemptsInFlight() {
	if m == nil {
		return
	}
	m.attemptsInFlight.Inc()
}

// DecAttemptsInFlight decrements the in-flight attempts gauge.
func (m *Metrics) DecAttemptsInFlight() {
	if m == nil {
		return
	}
	m.attemptsInFlight.Dec()
}

// ObserveAttemptDuration records how long an attempt took.
func (m *Metrics) ObserveAttemptDuration(seconds float64) {
	if m == nil {
		return
	}
	m.attemptDuration.Observe(seconds)
}

// RecordTransactionSent records a signed transaction submission.
func (m *Metrics) RecordTransactionSent(err error) {
	if m == nil {
		return
	}
	m.transactionsSent.WithLabelValues(status(err)).Inc()
}

// ObserveBroadcastDuration records a broadcast duration.
func (m *Metrics) ObserveBroadcastDuration(seconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(seconds)
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, status(err)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordReportPublished records an attempt report publication.
func (m *Metrics) RecordReportPublished(err error) {
	if m == nil {
		return
	}
	m.reportsPublished.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
