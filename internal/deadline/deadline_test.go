package deadline

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"relay-listener-go/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTracker_FirstCallFixesDeadline(t *testing.T) {
	c := clock.Fake(epoch)
	tr := New(10*time.Second, c)

	// Time passing before first use does not count.
	c.Advance(time.Hour)

	if got := tr.Remaining(); got != 10*time.Second {
		t.Fatalf("first Remaining() = %v, want 10s", got)
	}

	c.Advance(4 * time.Second)
	if got := tr.Remaining(); got != 6*time.Second {
		t.Errorf("Remaining() = %v, want 6s", got)
	}
	if got := tr.Elapsed(); got != 4*time.Second {
		t.Errorf("Elapsed() = %v, want 4s", got)
	}
}

func TestTracker_ClampsToZero(t *testing.T) {
	c := clock.Fake(epoch)
	tr := Start(time.Second, c)

	c.Advance(5 * time.Second)
	if got := tr.Remaining(); got != 0 {
		t.Errorf("Remaining() = %v, want 0", got)
	}
	if !tr.Expired() {
		t.Error("Expired() = false, want true")
	}
}

func TestTracker_MaxDurationNeverExpires(t *testing.T) {
	c := clock.Fake(epoch)
	for _, timeout := range []time.Duration{MaxDuration, -MaxDuration, math.MinInt64} {
		tr := New(timeout, c)
		c.Advance(24 * time.Hour)
		if got := tr.Remaining(); got != MaxDuration {
			t.Errorf("Remaining(%v) = %v, want MaxDuration", timeout, got)
		}
		if tr.Expired() {
			t.Errorf("Expired(%v) = true, want false", timeout)
		}
	}
}

func TestTracker_Context(t *testing.T) {
	tr := New(time.Minute, nil)
	ctx, cancel := tr.Context(context.Background())
	defer cancel()

	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatal("context has no deadline")
	}
	if until := time.Until(dl); until <= 0 || until > time.Minute {
		t.Errorf("deadline in %v, want (0, 1m]", until)
	}

	inf := New(MaxDuration, nil)
	ctx2, cancel2 := inf.Context(context.Background())
	defer cancel2()
	if _, ok := ctx2.Deadline(); ok {
		t.Error("infinite tracker context has a deadline")
	}
}

func TestCheckTimeout(t *testing.T) {
	if err := CheckTimeout(-time.Second); !errors.Is(err, ErrNegativeTimeout) {
		t.Errorf("CheckTimeout(-1s) = %v, want ErrNegativeTimeout", err)
	}
	if err := CheckTimeout(0); err != nil {
		t.Errorf("CheckTimeout(0) = %v, want nil", err)
	}
}
