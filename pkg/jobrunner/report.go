package jobrunner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ava-labs/libevm/common"
	"github.com/google/uuid"

	"github.com/ava-labs/keeper-network/pkg/broadcast"
	"github.com/ava-labs/keeper-network/pkg/chain"
	"github.com/ava-labs/keeper-network/pkg/metrics"
	"github.com/ava-labs/keeper-network/pkg/protocol"
	"github.com/ava-labs/keeper-network/pkg/queue"
)

// Report is the JSON record published for every attempt that reached the chain.
type Report struct {
	ID          string    `json:"id"`
	Network     string    `json:"network"`
	Job         string    `json:"job"`
	Block       uint64    `json:"block"`
	Outcome     string    `json:"outcome"`
	TxHash      string    `json:"txHash,omitempty"`
	Submissions int       `json:"submissions"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	DurationMs  int64     `json:"durationMs"`
}

func newReport(
	network [32]byte,
	job common.Address,
	block chain.Block,
	start time.Time,
	outcome string,
	res broadcast.Result,
	err error,
) Report {
	rep := Report{
		ID:          uuid.NewString(),
		Network:     protocol.NetworkString(network),
		Job:         job.Hex(),
		Block:       block.Number,
		Outcome:     outcome,
		Submissions: res.Attempts,
		StartedAt:   start.UTC(),
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if res.TxHash != (common.Hash{}) {
		rep.TxHash = res.TxHash.Hex()
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

// publish sends rep keyed by job address. Failures are logged and counted only;
// reporting never affects the attempt outcome.
func (r *Runner) publish(ctx context.Context, rep Report) {
	value, err := json.Marshal(rep)
	if err != nil {
		r.log.Errorw("failed to encode attempt report", "error", err)
		r.metrics.IncError(metrics.ErrTypeReport)
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReportTimeout)
	defer cancel()

	err = r.publisher.Publish(pctx, queue.Msg{
		Topic: r.cfg.ReportTopic,
		Key:   []byte(rep.Job),
		Value: value,
		Headers: map[string]string{
			"outcome": rep.Outcome,
		},
	})
	r.metrics.RecordReportPublished(err)
	if err != nil {
		r.log.Warnw("failed to publish attempt report", "id", rep.ID, "error", err)
	}
}
