package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	"github.com/ava-labs/libevm/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/keeper-network/pkg/metrics"
)

var (
	coordinatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	jobAddr         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type callArgs struct {
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

// ethService is an in-process stand-in for the eth namespace serving the
// coordinator and job contracts.
type ethService struct {
	windowLength uint64
	networks     [][32]byte
	jobs         []common.Address
	workable     map[common.Address][]any
	height       uint64
	fail         bool
}

func (s *ethService) BlockNumber() (hexutil.Uint64, error) {
	return hexutil.Uint64(s.height), nil
}

func (s *ethService) Call(args callArgs, _ string) (hexutil.Bytes, error) {
	if s.fail {
		return nil, errors.New("execution reverted")
	}
	data := args.payload()
	if args.To == nil || len(data) < 4 {
		return nil, errors.New("bad call")
	}

	contract := coordinatorABI
	if *args.To != coordinatorAddr {
		contract = jobABI
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	in, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	var out []any
	switch method.Name {
	case "totalWindowSize":
		out = []any{new(big.Int).SetUint64(s.windowLength)}
	case "numNetworks":
		out = []any{big.NewInt(int64(len(s.networks)))}
	case "networkAt":
		out = []any{s.networks[in[0].(*big.Int).Uint64()]}
	case "numJobs":
		out = []any{big.NewInt(int64(len(s.jobs)))}
	case "jobAt":
		out = []any{s.jobs[in[0].(*big.Int).Uint64()]}
	case "workable":
		out = s.workable[*args.To]
	}
	return packOutputs(method.Outputs, out...)
}

func packOutputs(args abi.Arguments, vals ...any) ([]byte, error) {
	return args.Pack(vals...)
}

func newTestClient(t *testing.T, svc *ethService, opts ...Option) *Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	c := NewClient(rpc.DialInProc(server), coordinatorAddr, opts...)
	t.Cleanup(func() {
		c.Close()
		server.Stop()
	})
	return c
}

func TestClient_CoordinatorReads(t *testing.T) {
	svc := &ethService{
		windowLength: 13,
		networks:     [][32]byte{{'A'}, {'B'}},
		jobs:         []common.Address{jobAddr},
		height:       1234,
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	c := newTestClient(t, svc, WithMetrics(m))
	ctx := t.Context()

	n, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1234), n)

	wl, err := c.TotalWindowSize(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(13), wl)

	size, err := c.NumNetworks(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), size)

	tag, err := c.NetworkAt(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, [32]byte{'B'}, tag)

	jobs, err := c.NumJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), jobs)

	addr, err := c.JobAt(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, jobAddr, addr)

	require.Equal(t, 1, testutil.CollectAndCount(reg, "keeper_rpc_in_flight"))
}

func TestClient_Workable(t *testing.T) {
	svc := &ethService{
		workable: map[common.Address][]any{
			jobAddr: {true, []byte{0xde, 0xad}},
		},
	}
	c := newTestClient(t, svc)

	ok, args, err := c.Workable(t.Context(), jobAddr, [32]byte{'S'})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xde, 0xad}, args)
}

func TestClient_CallError(t *testing.T) {
	c := newTestClient(t, &ethService{fail: true})

	_, err := c.TotalWindowSize(t.Context())
	require.ErrorContains(t, err, "call totalWindowSize")
}

func TestClient_RateLimit(t *testing.T) {
	svc := &ethService{windowLength: 1}
	c := newTestClient(t, svc, WithRateLimit(1, 1))

	_, err := c.TotalWindowSize(t.Context())
	require.NoError(t, err)

	// The bucket is empty; a short deadline cannot wait for the next token.
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err = c.TotalWindowSize(ctx)
	require.ErrorContains(t, err, "rate limiter")
}

func TestToUint64(t *testing.T) {
	t.Parallel()

	v, err := toUint64(big.NewInt(42))
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	_, err = toUint64(new(big.Int).Lsh(big.NewInt(1), 70))
	require.ErrorContains(t, err, "does not fit")

	_, err = toUint64("nope")
	require.ErrorContains(t, err, "unexpected return type")
}

func TestDecodeWorkable(t *testing.T) {
	t.Parallel()

	_, _, err := decodeWorkable([]any{true})
	require.Error(t, err)
	_, _, err = decodeWorkable([]any{"x", []byte{}})
	require.Error(t, err)

	ok, args, err := decodeWorkable([]any{false, []byte{}})
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, args)
}
