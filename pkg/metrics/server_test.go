package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type checkerStub struct {
	err error
}

func (c checkerStub) Healthy() error { return c.err }

func TestNewServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	server := NewServer(":0", reg, nil) // :0 lets OS pick available port

	require.NotNil(t, server)
	require.NotNil(t, server.httpServer)
	require.Equal(t, ":0", server.httpServer.Addr)
}

func httpGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func startServer(t *testing.T, addr string, reg *prometheus.Registry, checker HealthChecker) {
	t.Helper()
	server := NewServer(addr, reg, checker)
	errCh := server.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		<-errCh
	})
	// Give server time to start
	time.Sleep(50 * time.Millisecond)
}

func TestServer_StartAndShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	server := NewServer("127.0.0.1:19190", reg, nil)
	errCh := server.Start()
	time.Sleep(50 * time.Millisecond)

	resp, err := httpGet(t.Context(), "http://127.0.0.1:19190/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	// Normal shutdown closes the channel without an error.
	err, ok := <-errCh
	require.False(t, ok)
	require.NoError(t, err)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.UpdateProtocolMetrics(13, 5, 2, 4)
	m.IncError(ErrTypeSchedule)

	startServer(t, "127.0.0.1:19191", reg, nil)

	resp, err := httpGet(t.Context(), "http://127.0.0.1:19191/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	require.Contains(t, bodyStr, "keeper_window_length_blocks")
	require.Contains(t, bodyStr, "keeper_whitelist_size")
	require.Contains(t, bodyStr, "keeper_errors_total")
}

func TestServer_HealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		addr       string
		checker    HealthChecker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checker",
			addr:       "127.0.0.1:19192",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "healthy checker",
			addr:       "127.0.0.1:19193",
			checker:    checkerStub{},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "unhealthy checker",
			addr:       "127.0.0.1:19194",
			checker:    checkerStub{err: errors.New("scheduler halted")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "scheduler halted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startServer(t, tt.addr, prometheus.NewRegistry(), tt.checker)

			resp, err := httpGet(t.Context(), "http://"+tt.addr+"/health")
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.wantBody, string(body))
		})
	}
}
