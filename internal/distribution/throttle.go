package distribution

import (
	"context"
	"time"
)

// Throttle spaces out chunk submissions to stay under RPC rate limits
type Throttle struct {
	interval time.Duration
}

// NewThrottle creates a throttle waiting interval between chunks
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Wait blocks for the interval or until ctx is done
func (t *Throttle) Wait(ctx context.Context) error {
	if t.interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
