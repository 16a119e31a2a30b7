package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/florinutz/laketx/laketxerr"
)

func TestMemory_MutualExclusion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "events", "writer-1", time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, "events", "writer-2", time.Minute); !errors.Is(err, laketxerr.ErrLockBusy) {
		t.Fatalf("second acquire = %v, want ErrLockBusy", err)
	}

	// A different table is independent.
	if _, err := m.Acquire(ctx, "metrics", "writer-2", time.Minute); err != nil {
		t.Fatalf("acquire other table: %v", err)
	}

	if err := m.Release(ctx, l1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "events", "writer-2", time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemory_LeaseExpiryReclaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	m.SetClock(func() time.Time { return now })

	l1, err := m.Acquire(ctx, "events", "writer-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Lease not yet expired: busy.
	now = now.Add(30 * time.Second)
	if _, err := m.Acquire(ctx, "events", "writer-2", time.Minute); !errors.Is(err, laketxerr.ErrLockBusy) {
		t.Fatalf("acquire before expiry = %v, want busy", err)
	}

	// Past expiry: reclaim succeeds with a higher fencing token.
	now = now.Add(31 * time.Second)
	l2, err := m.Acquire(ctx, "events", "writer-2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if l2.Token <= l1.Token {
		t.Fatalf("reclaimed token %d not greater than original %d", l2.Token, l1.Token)
	}

	// The original holder's operations are fenced out.
	if _, err := m.Renew(ctx, l1, time.Minute); !errors.Is(err, laketxerr.ErrFenced) {
		t.Fatalf("stale renew = %v, want ErrFenced", err)
	}
	// Stale release is a no-op and must not dislodge the new holder.
	if err := m.Release(ctx, l1); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := m.Acquire(ctx, "events", "writer-3", time.Minute); !errors.Is(err, laketxerr.ErrLockBusy) {
		t.Fatalf("acquire after stale release = %v, want busy (writer-2 still holds)", err)
	}
}

func TestMemory_RenewExtendsLease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	m.SetClock(func() time.Time { return now })

	l, err := m.Acquire(ctx, "events", "writer-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now = now.Add(50 * time.Second)
	l, err = m.Renew(ctx, l, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}

	// 70s after acquire, 50s after renew: still held.
	now = now.Add(20 * time.Second)
	if _, err := m.Acquire(ctx, "events", "writer-2", time.Minute); !errors.Is(err, laketxerr.ErrLockBusy) {
		t.Fatalf("acquire after renew = %v, want busy", err)
	}
}

func TestMemory_FencingTokensMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var last int64
	for i := range 10 {
		l, err := m.Acquire(ctx, "events", "w", time.Minute)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if l.Token <= last {
			t.Fatalf("token %d not monotonic after %d", l.Token, last)
		}
		last = l.Token
		if err := m.Release(ctx, l); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
}
