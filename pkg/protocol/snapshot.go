package protocol

import (
	"context"

	"github.com/ava-labs/libevm/common"

	"github.com/ava-labs/keeper-network/pkg/window"
)

// NotWhitelisted is the self position of a network absent from the whitelist.
const NotWhitelisted int64 = -1

// Job is a tracked job contract. Its context is the job's cancellation token:
// it is cancelled when the job stops being tracked.
type Job struct {
	Address common.Address
	ctx     context.Context
}

// NewJob returns a Job whose cancellation token is ctx.
func NewJob(ctx context.Context, addr common.Address) Job {
	return Job{Address: addr, ctx: ctx}
}

// Context returns the job's cancellation token.
func (j Job) Context() context.Context {
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

// Snapshot is an immutable view of the protocol parameters and tracked jobs.
// Readers must not modify Jobs.
type Snapshot struct {
	WindowLength  uint64
	WhitelistSize uint64
	SelfPosition  int64
	Jobs          []Job
	Synced        bool // at least one full resync has completed
}

// Whitelisted reports whether this keeper holds a whitelist position.
func (s Snapshot) Whitelisted() bool {
	return s.SelfPosition != NotWhitelisted
}

// Params returns the window parameters of the snapshot.
func (s Snapshot) Params() window.Params {
	return window.Params{
		WindowLength:  s.WindowLength,
		WhitelistSize: s.WhitelistSize,
		SelfPosition:  s.SelfPosition,
	}
}
