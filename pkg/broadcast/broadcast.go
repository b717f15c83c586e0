// Package broadcast defines how a work call gets driven to on-chain inclusion.
//
// A Broadcaster accepts a single work instruction and returns once the call was
// included, found to be no longer needed, or the retry budget is exhausted.
// Callers invoke it at most once per workable detection.
package broadcast

import (
	"context"

	"github.com/ava-labs/libevm/common"
	"go.uber.org/zap"

	"github.com/ava-labs/keeper-network/pkg/chain"
)

// Condition is re-evaluated between submissions; a false result stops retrying.
type Condition interface {
	Holds(ctx context.Context) (bool, error)
}

// Request is one work instruction.
type Request struct {
	Target  common.Address
	Method  string
	Args    []any
	Block   chain.Block // block the instruction was derived from, used for fee pricing
	Recheck Condition   // nil submits without re-evaluation between attempts
}

// Result describes how a broadcast concluded.
type Result struct {
	Included bool // a submission was mined with a successful status
	TxHash   common.Hash
	Attempts int // number of submissions sent
}

type Broadcaster interface {
	Broadcast(ctx context.Context, req Request) (Result, error)
}

// DryRun logs work instructions without sending anything.
type DryRun struct {
	log *zap.SugaredLogger
}

var _ Broadcaster = (*DryRun)(nil)

func NewDryRun(log *zap.SugaredLogger) *DryRun {
	return &DryRun{log: log}
}

func (d *DryRun) Broadcast(_ context.Context, req Request) (Result, error) {
	d.log.Infow("dry run: skipping broadcast",
		"target", req.Target,
		"method", req.Method,
		"block", req.Block.Number,
	)
	return Result{}, nil
}
