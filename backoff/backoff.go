// Package backoff implements the exponential retry delay generator shared
// by every reconnecting component in chatpipe.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// DefaultBase is the delay for the first retry attempt.
	DefaultBase = 1 * time.Second
	// DefaultCap bounds the delay regardless of attempt count.
	DefaultCap = 60 * time.Second
	// DefaultMaxAttempts is the attempt ceiling at which ShouldRetry
	// starts reporting false.
	DefaultMaxAttempts = 10
)

// Backoff produces exponentially increasing delays with optional jitter,
// a cap, and a ceiling on the number of attempts a caller should make.
// It is not safe for concurrent use; each retrying component owns one.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool

	attempt int
	rng     *rand.Rand
}

// New returns a Backoff with the spec defaults (base=1s, cap=60s,
// max_attempts=10) and jitter enabled.
func New() *Backoff {
	return &Backoff{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      true,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay for the current attempt as
// min(base * 2^n, cap), optionally multiplied by a uniform jitter factor
// in [0.5, 1.5), and advances the internal attempt counter.
func (b *Backoff) NextDelay() time.Duration {
	n := b.attempt
	b.attempt++

	delay := b.Base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if delay > b.Cap {
		delay = b.Cap
	}

	if b.Jitter {
		factor := 0.5 + b.rngFloat()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

func (b *Backoff) rngFloat() float64 {
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rng.Float64()
}

// Reset sets the attempt counter back to zero.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// ShouldRetry reports whether another attempt is permitted under
// MaxAttempts.
func (b *Backoff) ShouldRetry() bool {
	return b.attempt < b.MaxAttempts
}

// Attempt returns the number of attempts made so far, for telemetry and
// logging.
func (b *Backoff) Attempt() int {
	return b.attempt
}
