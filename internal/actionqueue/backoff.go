package actionqueue

import (
	"fmt"
	"time"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 5 * time.Minute
)

// Backoff doubles the delay for every retryable failure of the same action.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt after attempt failures.
// previous is the delay scheduled after the prior failure; the result is at
// least double it, so a server supplied hint keeps raising later delays. The
// result never exceeds Max.
func (b Backoff) Delay(attempt int, previous, hint time.Duration) time.Duration {
	maxDelay := b.max()
	delay := b.base()
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if previous > 0 {
		doubled := maxDelay
		if previous < maxDelay/2 {
			doubled = previous * 2
		}
		if doubled > delay {
			delay = doubled
		}
	}
	if hint > delay {
		delay = hint
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// CheckCeiling reports an error when the delay for maxAttempts would be
// clamped by Max, which would stop the delays from growing before the
// attempt ceiling.
func (b Backoff) CheckCeiling(maxAttempts int) error {
	maxDelay := b.max()
	delay := b.base()
	for i := 1; i < maxAttempts; i++ {
		delay *= 2
		if delay > maxDelay {
			return fmt.Errorf("%w: base delay %s doubled over %d attempts exceeds max delay %s", ErrInvalidInput, b.base(), maxAttempts, maxDelay)
		}
	}
	return nil
}

func (b Backoff) base() time.Duration {
	if b.Base <= 0 {
		return defaultBaseDelay
	}
	return b.Base
}

func (b Backoff) max() time.Duration {
	if b.Max <= 0 {
		return defaultMaxDelay
	}
	return b.Max
}
