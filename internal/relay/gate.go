package relay

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Gate serializes buffer-state transitions of a response. Waiters queue in
// arrival order and give up when their context ends; no goroutine spins
// while waiting. Network I/O must never happen while the gate is held.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Lock waits for the gate. Calls to the returned release function after
// the first are ignored.
func (g *Gate) Lock(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("relay: acquire gate: %w", err)
	}
	return g.releaser(), nil
}

// TryLock takes the gate only if it is free.
func (g *Gate) TryLock() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.releaser(), true
}

func (g *Gate) releaser() func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.sem.Release(1)
	}
}
