// Package breaker wraps calls to external collaborator stores with a
// circuit breaker so a failing dependency degrades to the fail-open /
// empty-result policy spec §7 describes instead of hammering it on every
// stanza, matching jackal's own use of github.com/sony/gobreaker around its
// storage layer. The router's blocklist check is the only call wrapped.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps one named collaborator call path.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker named name, tripping after 5 consecutive failures
// and probing again after 30 seconds open.
func New(name string) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})}
}

// Do runs fn through the breaker, returning its result or
// gobreaker.ErrOpenState if the breaker has tripped.
func Do[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
