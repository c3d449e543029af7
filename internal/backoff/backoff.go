// Package backoff provides capped exponential delays and an interruptible
// sleep.
package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitial = time.Second
	DefaultMax     = time.Minute
)

// Stop is returned by NextBackOff once the bound context is done.
const Stop = cbackoff.Stop

// BackOff is a retry schedule bound to a context.
type BackOff = cbackoff.BackOffContext

// Policy describes a capped exponential backoff that doubles on every retry
// and never gives up on its own.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Default returns the 1s doubling to 60s policy.
func Default() Policy {
	return Policy{Initial: DefaultInitial, Max: DefaultMax}
}

func (p Policy) exponential() *cbackoff.ExponentialBackOff {
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultInitial
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	if max < initial {
		max = initial
	}
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// New returns a fresh schedule for p. Its NextBackOff returns Stop once ctx
// is done; Reset restarts it at Initial.
func (p Policy) New(ctx context.Context) BackOff {
	return cbackoff.WithContext(p.exponential(), ctx)
}

// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
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
