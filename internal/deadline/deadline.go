// Package deadline tracks a time budget shared by a sequence of operations.
package deadline

import (
	"context"
	"errors"
	"math"
	"time"

	"relay-listener-go/internal/clock"
)

// MaxDuration means "no deadline". Any timeout at or above it, or at or
// below -MaxDuration, never expires.
const MaxDuration = time.Duration(math.MaxInt64)

// ErrNegativeTimeout is returned by CheckTimeout for negative timeouts.
var ErrNegativeTimeout = errors.New("deadline: timeout must not be negative")

// Tracker fixes its deadline on first use, so a tracker can be created
// ahead of the work it bounds.
type Tracker struct {
	clock    clock.Clock
	original time.Duration
	deadline time.Time
	set      bool
	infinite bool
}

// New returns a Tracker for timeout. A nil clock uses the real clock.
func New(timeout time.Duration, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	infinite := isMax(timeout)
	return &Tracker{
		clock:    c,
		original: timeout,
		set:      infinite,
		infinite: infinite,
	}
}

// Start returns a Tracker whose deadline is fixed immediately.
func Start(timeout time.Duration, c clock.Clock) *Tracker {
	t := New(timeout, c)
	t.fix()
	return t
}

// Original returns the timeout the tracker was created with.
func (t *Tracker) Original() time.Duration { return t.original }

// Remaining returns the time left. The first call fixes the deadline and
// returns the original timeout.
func (t *Tracker) Remaining() time.Duration {
	if !t.set {
		t.fix()
		return t.original
	}
	if t.infinite {
		return MaxDuration
	}
	left := t.deadline.Sub(t.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Elapsed returns how much of the budget has been used.
func (t *Tracker) Elapsed() time.Duration {
	if t.infinite {
		return 0
	}
	return t.original - t.Remaining()
}

// Expired reports whether the deadline has passed.
func (t *Tracker) Expired() bool {
	return !t.infinite && t.set && t.Remaining() == 0
}

// Context derives a context bounded by the remaining time. An infinite
// tracker only adds cancellation.
func (t *Tracker) Context(parent context.Context) (context.Context, context.CancelFunc) {
	remaining := t.Remaining()
	if t.infinite {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, remaining)
}

func (t *Tracker) fix() {
	if t.set {
		return
	}
	t.deadline = t.clock.Now().Add(t.original)
	t.set = true
}

// CheckTimeout rejects negative timeouts.
func CheckTimeout(d time.Duration) error {
	if d < 0 {
		return ErrNegativeTimeout
	}
	return nil
}

func isMax(d time.Duration) bool {
	return d >= MaxDuration || d <= -MaxDuration
}
