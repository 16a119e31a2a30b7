package backoff

import (
	"context"
	"testing"
	"time"
)

func TestJitter_ExponentialGrowth(t *testing.T) {
	base := 1 * time.Second
	cap := 32 * time.Second

	for _, tc := range []struct {
		attempt int
		maxCap  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 32 * time.Second},  // capped
		{10, 32 * time.Second}, // capped
	} {
		for range 1000 {
			d := Jitter(tc.attempt, base, cap)
			if d > tc.maxCap {
				t.Errorf("Jitter(%d) = %v, exceeds expected cap %v", tc.attempt, d, tc.maxCap)
			}
		}
	}
}

func TestJitter_MinimumFloor(t *testing.T) {
	const minFloor = 10 * time.Millisecond
	for range 1000 {
		d := Jitter(0, 50*time.Millisecond, time.Second)
		if d < minFloor {
			t.Fatalf("attempt 0: got %v, want >= %v", d, minFloor)
		}
		if d >= 50*time.Millisecond {
			t.Fatalf("attempt 0: got %v, want < 50ms", d)
		}
	}
}

func TestSchedule_BudgetExhaustion(t *testing.T) {
	s := &Schedule{MaxAttempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}
	ctx := context.Background()

	for i := range 3 {
		ok, err := s.Wait(ctx)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i)
		}
	}
	if !s.Exhausted() {
		t.Fatal("expected schedule exhausted after 3 attempts")
	}
	if ok, err := s.Wait(ctx); ok || err != nil {
		t.Fatalf("Wait after exhaustion = (%v, %v), want (false, nil)", ok, err)
	}
	if s.Attempt() != 3 {
		t.Fatalf("Attempt() = %d, want 3", s.Attempt())
	}
}

func TestSchedule_ContextCancellation(t *testing.T) {
	s := &Schedule{MaxAttempts: 5, Base: 10 * time.Second, Cap: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := s.Wait(ctx)
	if ok || err == nil {
		t.Fatalf("Wait with cancelled ctx = (%v, %v), want (false, ctx err)", ok, err)
	}
}

func TestSchedule_Reset(t *testing.T) {
	s := &Schedule{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Millisecond}
	if _, err := s.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Exhausted() {
		t.Fatal("expected exhausted")
	}
	s.Reset()
	if s.Exhausted() || s.Attempt() != 0 {
		t.Fatal("Reset did not rewind schedule")
	}
}
