package engine

import (
	"context"
	"time"
)

const reapReason = "execution timed out"

// StartReaper periodically forces submissions stuck in running for
// longer than maxAge into the error state. In-flight Process calls are
// never cancelled in this design; the sweep is the operational layer
// that keeps a hung automation from holding running forever.
func (e *Engine) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.reap(ctx, maxAge)
			}
		}
	}()
}

func (e *Engine) reap(ctx context.Context, maxAge time.Duration) {
	now := e.now()
	cutoff := now.Add(-maxAge)
	reaped, err := e.subs.ReapRunning(ctx, cutoff, reapReason, now)
	if err != nil {
		e.logger.Error("reap running submissions", "error", err)
		return
	}
	if reaped > 0 {
		e.logger.Warn("reaped stuck submissions", "count", reaped, "cutoff", cutoff)
	}
}
