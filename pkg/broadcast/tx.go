package broadcast

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/accounts/abi"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/keeper-network/pkg/metrics"
)

// Backend is the RPC surface needed to sign, send and track transactions.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config tunes the TxBroadcaster.
type Config struct {
	ChainID          *big.Int      // fetched from the backend when nil
	PriorityFee      *big.Int      // tip per gas in wei
	BurstSize        int           // maximum submissions per broadcast, replacements included
	InclusionTimeout time.Duration // how long to wait for a receipt before bumping fees
	PollInterval     time.Duration // receipt polling interval
}

const (
	// gasHeadroom pads the gas estimate by 1/gasHeadroom.
	gasHeadroom = 5
	// Replacement transactions must raise both fee fields by at least 10%.
	bumpNumerator   = 9
	bumpDenominator = 8
)

// TxBroadcaster signs EIP-1559 work transactions with a single key and resubmits
// them with bumped fees while the work is still needed. It keeps at most one work
// transaction outstanding per signing account.
type TxBroadcaster struct {
	log      *zap.SugaredLogger
	backend  Backend
	contract abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	cfg      Config
	metrics  *metrics.Metrics // nil if metrics disabled

	// Guards nonce allocation across concurrent broadcasts.
	sem *semaphore.Weighted
}

var _ Broadcaster = (*TxBroadcaster)(nil)

// NewTxBroadcaster creates a TxBroadcaster for calls encoded with contract.
func NewTxBroadcaster(
	ctx context.Context,
	log *zap.SugaredLogger,
	backend Backend,
	contract abi.ABI,
	key *ecdsa.PrivateKey,
	cfg Config,
	m *metrics.Metrics,
) (*TxBroadcaster, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if backend == nil {
		return nil, errors.New("invalid backend: must not be nil")
	}
	if key == nil {
		return nil, errors.New("invalid signing key: must not be nil")
	}
	if cfg.BurstSize <= 0 {
		return nil, errors.New("invalid burst size: must be greater than 0")
	}
	if cfg.InclusionTimeout <= 0 {
		return nil, errors.New("invalid inclusion timeout: must be greater than 0")
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("invalid poll interval: must be greater than 0")
	}
	if cfg.PriorityFee == nil || cfg.PriorityFee.Sign() < 0 {
		return nil, errors.New("invalid priority fee: must not be negative")
	}

	if cfg.ChainID == nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("get chain id: %w", err)
		}
		cfg.ChainID = id
	}

	return &TxBroadcaster{
		log:      log,
		backend:  backend,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		cfg:      cfg,
		metrics:  m,
		sem:      semaphore.NewWeighted(1),
	}, nil
}

// From returns the signing account.
func (b *TxBroadcaster) From() common.Address {
	return b.from
}

// Broadcast submits req and resubmits with bumped fees until a submission is mined,
// req.Recheck stops holding, ctx is cancelled between submissions, or BurstSize
// submissions were sent. Cancelling ctx never interrupts an RPC call already in flight.
func (b *TxBroadcaster) Broadcast(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	defer func() {
		b.metrics.ObserveBroadcastDuration(time.Since(start).Seconds())
	}()

	data, err := b.contract.Pack(req.Method, req.Args...)
	if err != nil {
		return Result{}, fmt.Errorf("pack %s: %w", req.Method, err)
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("wait for signer: %w", err)
	}
	defer b.sem.Release(1)

	rpcCtx := context.WithoutCancel(ctx)

	gas, err := b.backend.EstimateGas(rpcCtx, ethereum.CallMsg{From: b.from, To: &req.Target, Data: data})
	if err != nil {
		return Result{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / gasHeadroom

	nonce, err := b.backend.PendingNonceAt(rpcCtx, b.from)
	if err != nil {
		return Result{}, fmt.Errorf("get pending nonce: %w", err)
	}

	tip := new(big.Int).Set(b.cfg.PriorityFee)
	feeCap := maxFeePerGas(req.Block.BaseFee, tip)

	var (
		res    Result
		hashes []common.Hash
	)
	for round := 0; round < b.cfg.BurstSize; round++ {
		tx, err := b.sign(nonce, gas, tip, feeCap, req.Target, data)
		if err != nil {
			return res, err
		}

		err = b.backend.SendTransaction(rpcCtx, tx)
		b.metrics.RecordTransactionSent(err)
		if err != nil {
			if len(hashes) == 0 {
				return res, fmt.Errorf("send transaction: %w", err)
			}
			// An earlier submission may have been mined in the meantime.
			b.log.Warnw("failed to send replacement transaction", "nonce", nonce, "error", err)
		} else {
			res.Attempts++
			hashes = append(hashes, tx.Hash())
			b.log.Debugw("work transaction sent",
				"tx", tx.Hash(),
				"nonce", nonce,
				"attempt", res.Attempts,
				"tip", tip,
				"feeCap", feeCap,
			)
		}

		receipt := b.waitMined(rpcCtx, hashes)
		if receipt != nil {
			res.TxHash = receipt.TxHash
			res.Included = receipt.Status == types.ReceiptStatusSuccessful
			return res, nil
		}

		if ctx.Err() != nil {
			b.log.Infow("stopping broadcast, work no longer tracked", "target", req.Target, "attempts", res.Attempts)
			return res, nil
		}
		if req.Recheck != nil {
			ok, err := req.Recheck.Holds(rpcCtx)
			if err != nil {
				b.log.Warnw("recheck failed, bumping anyway", "error", err)
			} else if !ok {
				b.log.Debugw("work no longer needed, stopping broadcast", "attempts", res.Attempts)
				return res, nil
			}
		}

		tip = bump(tip)
		feeCap = bump(feeCap)
	}

	b.log.Warnw("broadcast exhausted without inclusion", "target", req.Target, "attempts", res.Attempts)
	return res, nil
}

func (b *TxBroadcaster) sign(nonce, gas uint64, tip, feeCap *big.Int, to common.Address, data []byte) (*types.Transaction, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(tip),
		GasFeeCap: new(big.Int).Set(feeCap),
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, b.signer, b.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// waitMined polls receipts for every submission sharing the nonce until one is found
// or the inclusion timeout elapses.
func (b *TxBroadcaster) waitMined(ctx context.Context, hashes []common.Hash) *types.Receipt {
	timeout := time.NewTimer(b.cfg.InclusionTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, h := range hashes {
			receipt, err := b.backend.TransactionReceipt(ctx, h)
			if err == nil && receipt != nil {
				return receipt
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				b.log.Debugw("failed to fetch receipt", "tx", h, "error", err)
			}
		}
		select {
		case <-timeout.C:
			return nil
		case <-ticker.C:
		}
	}
}

// maxFeePerGas allows the base fee to double before the transaction becomes unminable.
func maxFeePerGas(baseFee, tip *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Mul(tip, big.NewInt(2))
	}
	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	return fee.Add(fee, tip)
}

func bump(v *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bumpNumerator))
	out.Div(out, big.NewInt(bumpDenominator))
	// Round up so small values still move.
	if out.Cmp(v) == 0 && v.Sign() > 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
