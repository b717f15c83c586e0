package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/ethclient"
	"github.com/ava-labs/libevm/rpc"
	"golang.org/x/time/rate"

	"github.com/ava-labs/keeper-network/pkg/chain"
	"github.com/ava-labs/keeper-network/pkg/metrics"
)

// Client wraps the underlying RPC and eth clients and binds the coordinator contract.
type Client struct {
	rpc         *rpc.Client
	eth         *ethclient.Client
	coordinator common.Address
	limiter     *rate.Limiter    // nil if read calls are not rate limited
	metrics     *metrics.Metrics // nil if metrics disabled
}

var (
	_ chain.HeadSource  = (*Client)(nil)
	_ chain.Coordinator = (*Client)(nil)
	_ chain.JobChecker  = (*Client)(nil)
)

// Option configures the Client.
type Option func(*Client)

// WithMetrics enables metrics collection for the client.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRateLimit caps contract reads at rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Dial connects to a websocket (or IPC) endpoint. Subscriptions require a
// transport that supports notifications.
func Dial(ctx context.Context, url string, coordinator common.Address, opts ...Option) (*Client, error) {
	r, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClient(r, coordinator, opts...), nil
}

// NewClient wraps an established RPC connection. The Client takes ownership of r.
func NewClient(r *rpc.Client, coordinator common.Address, opts ...Option) *Client {
	client := &Client{
		rpc:         r,
		eth:         ethclient.NewClient(r),
		coordinator: coordinator,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.rpc.Close()
}

// observe records metrics around a single RPC round trip.
func (c *Client) observe(method string, fn func() error) error {
	start := time.Now()
	c.metrics.IncRPCInFlight()
	defer c.metrics.DecRPCInFlight()

	err := fn()
	c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
	return err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.observe("eth_blockNumber", func() error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return n, nil
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.observe("eth_subscribe_newHeads", func() error {
		var err error
		sub, err = c.eth.SubscribeNewHead(ctx, ch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return sub, nil
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	var sub ethereum.Subscription
	err := c.observe("eth_subscribe_logs", func() error {
		var err error
		sub, err = c.eth.SubscribeFilterLogs(ctx, q, ch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return sub, nil
}

func (c *Client) TotalWindowSize(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, coordinatorABI, c.coordinator, "totalWindowSize")
	if err != nil {
		return 0, err
	}
	return toUint64(out[0])
}

func (c *Client) NumNetworks(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, coordinatorABI, c.coordinator, "numNetworks")
	if err != nil {
		return 0, err
	}
	return toUint64(out[0])
}

func (c *Client) NetworkAt(ctx context.Context, index uint64) ([32]byte, error) {
	out, err := c.call(ctx, coordinatorABI, c.coordinator, "networkAt", new(big.Int).SetUint64(index))
	if err != nil {
		return [32]byte{}, err
	}
	tag, ok := out[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("networkAt: unexpected return type %T", out[0])
	}
	return tag, nil
}

func (c *Client) NumJobs(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, coordinatorABI, c.coordinator, "numJobs")
	if err != nil {
		return 0, err
	}
	return toUint64(out[0])
}

func (c *Client) JobAt(ctx context.Context, index uint64) (common.Address, error) {
	out, err := c.call(ctx, coordinatorABI, c.coordinator, "jobAt", new(big.Int).SetUint64(index))
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("jobAt: unexpected return type %T", out[0])
	}
	return addr, nil
}

// Workable calls the job's workability predicate for the given network.
func (c *Client) Workable(ctx context.Context, job common.Address, network [32]byte) (bool, []byte, error) {
	out, err := c.call(ctx, jobABI, job, "workable", network)
	if err != nil {
		return false, nil, err
	}
	return decodeWorkable(out)
}

// Backend methods used by the broadcaster.

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.observe("eth_chainId", func() error {
		var err error
		id, err = c.eth.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.observe("eth_getTransactionCount", func() error {
		var err error
		nonce, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.observe("eth_estimateGas", func() error {
		var err error
		gas, err = c.eth.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.observe("eth_sendRawTransaction", func() error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.observe("eth_getTransactionReceipt", func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		// A pending transaction is not a failed call.
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		return err
	})
	if err == nil && receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, err
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter: %w", method, err)
		}
	}

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", method, err)
	}

	var raw []byte
	err = c.observe(method, func() error {
		var err error
		raw, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to, err)
	}

	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func toUint64(v any) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected return type %T", v)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("value %s does not fit in uint64", n)
	}
	return n.Uint64(), nil
}

func decodeWorkable(out []any) (bool, []byte, error) {
	if len(out) != 2 {
		return false, nil, fmt.Errorf("workable: expected 2 return values, got %d", len(out))
	}
	canWork, ok := out[0].(bool)
	if !ok {
		return false, nil, fmt.Errorf("workable: unexpected return type %T", out[0])
	}
	args, ok := out[1].([]byte)
	if !ok {
		return false, nil, fmt.Errorf("workable: unexpected return type %T", out[1])
	}
	return canWork, args, nil
}
