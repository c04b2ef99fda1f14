package middleware

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sony/gobreaker"

	"ohlcv_ledger/utils"
)

// NewBreaker returns the circuit breaker guarding calls to one upstream.
// It opens after at least 3 requests with a failure ratio of 60% or more.
func NewBreaker(name string, timeout time.Duration) *gobreaker.CircuitBreaker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			utils.Logger.Infow("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}

// WithCircuitBreaker runs fn through cb, failing fast while the breaker is open.
func WithCircuitBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// Recover runs next and converts a panic into an error after logging its stack.
func Recover(name string, next func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			utils.Logger.Errorw("Panic recovered",
				"component", name,
				"error", r,
				"stack", string(stack))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return next()
}
