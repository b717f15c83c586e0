package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLabels_toPrometheusLabels(t *testing.T) {
	tests := []struct {
		name     string
		labels   Labels
		expected prometheus.Labels
	}{
		{
			name:     "empty labels",
			labels:   Labels{},
			expected: prometheus.Labels{},
		},
		{
			name: "all labels set",
			labels: Labels{
				EVMChainID:    1,
				Network:       "0x4745",
				Environment:   "production",
				Region:        "us-east-1",
				CloudProvider: "aws",
			},
			expected: prometheus.Labels{
				"evm_chain_id":   "1",
				"network":        "0x4745",
				"environment":    "production",
				"region":         "us-east-1",
				"cloud_provider": "aws",
			},
		},
		{
			name: "zero chain ID excluded",
			labels: Labels{
				EVMChainID:  0,
				Environment: "test",
			},
			expected: prometheus.Labels{
				"environment": "test",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.labels.toPrometheusLabels())
		})
	}
}

func TestNewWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewWithLabels(reg, Labels{EVMChainID: 1, Environment: "test"})
	require.NoError(t, err)

	m.UpdateProtocolMetrics(13, 5, 2, 4)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() != "keeper_window_length_blocks" {
			continue
		}
		found = true
		require.NotEmpty(t, mf.GetMetric())
		labelMap := make(map[string]string)
		for _, label := range mf.GetMetric()[0].GetLabel() {
			labelMap[label.GetName()] = label.GetValue()
		}
		require.Equal(t, "1", labelMap["evm_chain_id"])
		require.Equal(t, "test", labelMap["environment"])
	}
	require.True(t, found)
}

func TestNew_RegistrationError(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := New(reg)
	require.NoError(t, err)

	m, err := New(reg)
	require.Nil(t, m, "expected nil metrics on duplicate registration")

	var alreadyRegistered prometheus.AlreadyRegisteredError
	require.ErrorAs(t, err, &alreadyRegistered)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.IncError(ErrTypeSchedule)
		m.UpdateProtocolMetrics(1, 1, 0, 0)
		m.RecordEvent("job_added", nil)
		m.RecordResync(nil)
		m.SetPhase(1)
		m.SetSchedule(10, 20)
		m.IncWindowsEntered()
		m.IncBlocksInWindow()
		m.RecordAttempt(OutcomeIncluded)
		m.IncAttemptsInFlight()
		m.DecAttemptsInFlight()
		m.ObserveAttemptDuration(0.1)
		m.RecordTransactionSent(nil)
		m.ObserveBroadcastDuration(1)
		m.IncRPCInFlight()
		m.DecRPCInFlight()
		m.RecordRPCCall("eth_call", nil, 0.5)
		m.RecordReportPublished(nil)
	})
}

func TestMetrics_ProtocolAndSchedule(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.UpdateProtocolMetrics(13, 5, -1, 7)
	require.Equal(t, float64(13), testutil.ToFloat64(m.windowLength))
	require.Equal(t, float64(5), testutil.ToFloat64(m.whitelistSize))
	require.Equal(t, float64(-1), testutil.ToFloat64(m.selfPosition))
	require.Equal(t, float64(7), testutil.ToFloat64(m.trackedJobs))

	m.SetPhase(2)
	m.SetSchedule(156, 169)
	require.Equal(t, float64(2), testutil.ToFloat64(m.phase))
	require.Equal(t, float64(156), testutil.ToFloat64(m.windowStart))
	require.Equal(t, float64(169), testutil.ToFloat64(m.windowEnd))
}

func TestMetrics_Attempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordAttempt(OutcomeIncluded)
	m.RecordAttempt(OutcomeIncluded)
	m.RecordAttempt(OutcomeSkippedInFlight)

	require.Equal(t, float64(2), testutil.ToFloat64(m.attempts.WithLabelValues(OutcomeIncluded)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.attempts.WithLabelValues(OutcomeSkippedInFlight)))

	m.IncAttemptsInFlight()
	m.IncAttemptsInFlight()
	m.DecAttemptsInFlight()
	require.Equal(t, float64(1), testutil.ToFloat64(m.attemptsInFlight))
}

func TestMetrics_StatusLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordRPCCall("eth_call", nil, 0.01)
	m.RecordRPCCall("eth_call", errors.New("boom"), 0.01)
	m.RecordResync(errors.New("boom"))
	m.RecordEvent("job_removed", nil)
	m.RecordTransactionSent(nil)

	require.Equal(t, float64(1), testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_call", StatusSuccess)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.rpcCalls.WithLabelValues("eth_call", StatusError)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.resyncs.WithLabelValues(StatusError)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.eventsApplied.WithLabelValues("job_removed", StatusSuccess)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.transactionsSent.WithLabelValues(StatusSuccess)))
}
