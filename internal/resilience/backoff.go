package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (0-based):
// min(base*2^attempt + base*jitter, max). jitter is clamped to [0, 1).
func Backoff(cfg RetryConfig, attempt int, jitter float64) time.Duration {
	jitter = math.Max(0, math.Min(jitter, 1))
	base := float64(cfg.BaseDelay)
	delay := base*math.Pow(2, float64(attempt)) + base*jitter
	if limit := float64(cfg.MaxDelay); delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

// Sequence returns the delays between every attempt on one credential for a
// fixed jitter.
func Sequence(cfg RetryConfig, jitter float64) []time.Duration {
	if cfg.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, cfg.MaxAttempts-1)
	for i := range out {
		out[i] = Backoff(cfg, i, jitter)
	}
	return out
}

func randomJitter() float64 {
	return rand.Float64()
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
