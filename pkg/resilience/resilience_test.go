package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failing(_ context.Context) error { return errors.New("downstream broken") }

func succeeding(_ context.Context) error { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state %v, want open", b.State())
	}
	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject: got %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, failing)
	b.Call(ctx, succeeding)
	b.Call(ctx, failing)
	b.Call(ctx, failing)

	if b.State() != StateClosed {
		t.Fatalf("state %v, want closed", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("state %v, want open", b.State())
	}

	clock = clock.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state %v, want half-open", b.State())
	}
	if err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state %v, want closed after probe", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second})
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	b.Call(ctx, failing)
	clock = clock.Add(11 * time.Second)
	b.Call(ctx, failing)

	if b.State() != StateOpen {
		t.Fatalf("state %v, want open after failed probe", b.State())
	}
}

func TestBreakerHalfOpenCapsProbes(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: 10 * time.Second, HalfOpenMax: 1})
	clock := time.Now()
	b.now = func() time.Time { return clock }
	ctx := context.Background()

	b.Call(ctx, failing)
	clock = clock.Add(11 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Call(ctx, func(_ context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected: got %v", err)
	}
	close(release)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d): got %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 2})

	if !l.Allow() || !l.Allow() {
		t.Fatal("burst tokens should be available")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}
}

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 10, Burst: 1})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	if !l.Allow() {
		t.Fatal("first token should be available")
	}
	if l.Allow() {
		t.Fatal("bucket should be empty")
	}

	clock = clock.Add(150 * time.Millisecond) // 1.5 tokens at 10/s
	if !l.Allow() {
		t.Fatal("token should have refilled")
	}
	if l.Allow() {
		t.Fatal("burst cap should limit refill to 1")
	}
}

func TestLimiterWaitBlocksUntilToken(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 50, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("wait returned too quickly: %v", elapsed)
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow() // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}
