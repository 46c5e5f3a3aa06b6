package settlement

import (
	"context"
	"math"
	"time"
)

// Backoff grows the wait between polls geometrically: Initial * Factor^attempt.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(b.Initial) * math.Pow(b.Factor, float64(attempt)))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Total is the summed delay of the first n attempts.
func (b Backoff) Total(n int) time.Duration {
	var total time.Duration
	for i := 0; i < n; i++ {
		total += b.Delay(i)
	}
	return total
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
