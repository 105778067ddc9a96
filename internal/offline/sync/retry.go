package sync

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides when a failed item may be retried and when to give up.
// The zero value retries every item on every flush, forever.
type RetryPolicy struct {
	// MaxAttempts moves an item to dead letters once it has failed this many
	// times. Zero means never.
	MaxAttempts int

	// InitialInterval is the wait after the first failure. Zero disables
	// waiting entirely.
	InitialInterval time.Duration

	// MaxInterval caps the wait. Zero means backoff.DefaultMaxInterval.
	MaxInterval time.Duration

	// Multiplier grows the wait per failure. Zero means backoff.DefaultMultiplier.
	Multiplier float64
}

// Delay returns how long to wait after the last failure of an item that has
// failed attempts times.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 || p.InitialInterval <= 0 {
		return 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	if b.Multiplier <= 0 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
		if d < 0 || d >= b.MaxInterval {
			return b.MaxInterval
		}
	}
	return d
}

// Exhausted reports whether an item with this many failures should be
// dead-lettered.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
