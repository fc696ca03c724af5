package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type superviseConfig struct {
	name string
	// interval is the wait after a step that returned nil; zero restarts
	// immediately.
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	// onRestart runs before each wait that follows a failed step.
	onRestart func()
}

// stepFunc runs one unit of a supervised task. healthy reports that the step
// made progress, which resets the backoff even when err is non-nil.
type stepFunc func(ctx context.Context) (healthy bool, err error)

// supervise runs step until ctx is cancelled. Failed steps are retried after
// an exponentially growing, jittered delay.
func supervise(ctx context.Context, cfg superviseConfig, logger *slog.Logger, step stepFunc) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(cfg.backoffBase),
		backoff.WithMaxInterval(cfg.backoffMax),
		backoff.WithMaxElapsedTime(0),
	)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		healthy, err := step(ctx)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			policy.Reset()
		}

		wait := cfg.interval
		if err != nil {
			wait = policy.NextBackOff()
			if cfg.onRestart != nil {
				cfg.onRestart()
			}
			logger.Warn(cfg.name+" failed", "err", err, "retry_in", wait.String())
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
