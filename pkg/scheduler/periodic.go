package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	resyncTimeout = 30 * time.Second
	resyncRetries = 3
	resyncBackoff = 300 * time.Millisecond
)

type Resyncer interface {
	Resync(ctx context.Context) error
}

// ResyncEvery performs a full protocol resync every interval, recovering from
// coordinator events that were missed while the log subscription was down.
// Failed resyncs are retried a few times and then left to the next tick.
func ResyncEvery(ctx context.Context, log *zap.SugaredLogger, r Resyncer, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			var err error
			for attempt := 0; attempt <= resyncRetries; attempt++ {
				rctx, cancel := context.WithTimeout(ctx, resyncTimeout)
				err = r.Resync(rctx)
				cancel()
				if err == nil || ctx.Err() != nil {
					break
				}
				if attempt < resyncRetries && !sleep(ctx, resyncBackoff) {
					return nil
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				log.Warnw("periodic resync failed", "retries", resyncRetries, "error", err)
				continue
			}
			log.Debug("periodic resync completed")
		}
	}
}
