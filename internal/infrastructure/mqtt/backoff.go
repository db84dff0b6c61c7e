package mqtt

import (
	"math/rand/v2"
	"time"
)

// Backoff produces exponentially growing reconnect delays with jitter.
//
// The base delay doubles from Initial up to Max. Each returned delay is the
// base scaled by a random factor in [1-Jitter, 1+Jitter].
//
// Backoff is not safe for concurrent use; the supervisor goroutine owns it.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	attempt int
	random  func() float64
}

// NewBackoff returns a Backoff with the given bounds.
func NewBackoff(initial, maxDelay time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Initial: initial,
		Max:     maxDelay,
		Jitter:  jitter,
		random:  rand.Float64,
	}
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	base := b.Initial
	for i := 0; i < b.attempt && base < b.Max; i++ {
		base *= 2
	}
	if base > b.Max {
		base = b.Max
	}
	b.attempt++

	if b.Jitter <= 0 {
		return base
	}
	factor := 1 + b.Jitter*(2*b.random()-1)
	return time.Duration(float64(base) * factor)
}

// Reset restarts the sequence at Initial. Called after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
