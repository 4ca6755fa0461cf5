package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff returns the reconnect delay policy: initial * factor^n capped at
// max, with no jitter and no elapsed-time limit.
func newBackOff(initial time.Duration, factor float64, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if factor < 1 {
		factor = 1
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = factor
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
