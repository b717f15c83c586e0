// Package chain defines the transport-facing contracts the keeper depends on.
// Implementations live in subpackages (see chain/evm).
package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
)

// Block is the subset of a block header the keeper acts on.
type Block struct {
	Number  uint64
	Hash    common.Hash
	BaseFee *big.Int // nil on pre-London chains
	Time    uint64
}

// BlockFromHeader maps a libevm header to a Block.
func BlockFromHeader(h *types.Header) Block {
	b := Block{
		Number: h.Number.Uint64(),
		Hash:   h.Hash(),
		Time:   h.Time,
	}
	if h.BaseFee != nil {
		b.BaseFee = new(big.Int).Set(h.BaseFee)
	}
	return b
}

// HeadSource provides the chain height and new-head notifications.
type HeadSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// Coordinator exposes the read-only views of the coordinator contract.
type Coordinator interface {
	TotalWindowSize(ctx context.Context) (uint64, error)
	NumNetworks(ctx context.Context) (uint64, error)
	NetworkAt(ctx context.Context, index uint64) ([32]byte, error)
	NumJobs(ctx context.Context) (uint64, error)
	JobAt(ctx context.Context, index uint64) (common.Address, error)
}

// JobChecker queries a job's workability predicate for a network.
type JobChecker interface {
	Workable(ctx context.Context, job common.Address, network [32]byte) (bool, []byte, error)
}
