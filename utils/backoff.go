package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackoff creates the retry policy for exchange requests.
// A zero MaxElapsedTime retries until the context is cancelled.
func NewExponentialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxElapsed
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}
