// Package credential implements the process-wide selector between a
// user-supplied API token and two compile-time-embedded bundled tokens,
// with deterministic fail-over semantics (C2 of the chat ingestion core).
package credential

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoCredential is returned when no token is configured under the
// requested policy (no bundled tokens and no user token).
var ErrNoCredential = errors.New("credential: no token configured")

// Selector holds one user-supplied token and two compile-embedded tokens
// (primary, secondary) and exposes a deterministic active-token function.
// Safe for concurrent use: failover/reset only flip a boolean under the
// write side of a reader/writer lock, mirroring the teacher's own
// RWMutex-guarded shared-state discipline (room.go's Room struct).
type Selector struct {
	mu sync.RWMutex

	userKey   string
	primary   string
	secondary string
	secondaryActive bool
}

var (
	once     sync.Once
	instance *Selector
)

// Global returns the process-wide Selector, constructing it on first use
// from the given bundled/user tokens. Subsequent calls ignore their
// arguments and return the existing instance — callers that need a fresh
// selector (tests) should use New instead.
func Global(userKey, primary, secondary string) *Selector {
	once.Do(func() {
		instance = New(userKey, primary, secondary)
	})
	return instance
}

// New constructs an independent Selector. Most production code should go
// through Global; New exists for tests and for callers that intentionally
// want an isolated instance.
func New(userKey, primary, secondary string) *Selector {
	return &Selector{
		userKey:   userKey,
		primary:   primary,
		secondary: secondary,
	}
}

// Active returns the token to use under the given preference policy.
//
// preferBundled=true:  primary → secondary (if primary has failed) → user.
// preferBundled=false: user (if set) → primary → secondary.
//
// The result is a pure function of (preferBundled, fail-over flag,
// user-key-set, primary-present, secondary-present) — see spec.md §8.
func (s *Selector) Active(preferBundled bool) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if preferBundled {
		if !s.secondaryActive && s.primary != "" {
			return s.primary, nil
		}
		if s.secondary != "" {
			return s.secondary, nil
		}
		if s.userKey != "" {
			return s.userKey, nil
		}
		return "", ErrNoCredential
	}

	if s.userKey != "" {
		return s.userKey, nil
	}
	if s.primary != "" {
		return s.primary, nil
	}
	if s.secondary != "" {
		return s.secondary, nil
	}
	return "", ErrNoCredential
}

// FailOver marks the primary bundled token as failed, so subsequent
// Active(true) calls prefer the secondary bundled token.
func (s *Selector) FailOver() {
	s.mu.Lock()
	already := s.secondaryActive
	s.secondaryActive = true
	s.mu.Unlock()
	if !already {
		logrus.Warn("credential: failing over to secondary bundled token")
	}
}

// Reset clears the fail-over flag, restoring primary-first preference.
func (s *Selector) Reset() {
	s.mu.Lock()
	was := s.secondaryActive
	s.secondaryActive = false
	s.mu.Unlock()
	if was {
		logrus.Info("credential: reset to primary bundled token")
	}
}

// UsingSecondary reports whether the selector is currently in
// failed-over-to-secondary state.
func (s *Selector) UsingSecondary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secondaryActive
}
