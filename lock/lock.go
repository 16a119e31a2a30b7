// Package lock provides the mutual-exclusion primitive guarding the
// transaction log's commit section. A lock is a lease in an external
// key-value store, taken with a conditional write and carrying a
// monotonically increasing fencing token. Everything outside the commit
// section is lock-free.
package lock

import (
	"context"
	"time"
)

// Lease is a held table lock. The fencing token increases every time the
// lock changes hands, so a holder that lost its lease (crash, GC pause)
// can be detected: any operation presenting a stale token fails with
// laketxerr.ErrFenced.
type Lease struct {
	TableID string
	Holder  string
	Token   int64
	Expiry  time.Time
}

// Coordinator is the compare-and-swap lock primitive. Implementations exist
// for Redis, Postgres, and in-process testing; the specific store is an
// implementation detail behind this interface.
type Coordinator interface {
	// Acquire takes the table lock for leaseDuration. Returns
	// laketxerr.ErrLockBusy (possibly wrapped) while another holder's lease
	// is live. An expired lease may be reclaimed; the reclaim bumps the
	// fencing token so the previous holder's late writes are rejected.
	Acquire(ctx context.Context, tableID, holder string, leaseDuration time.Duration) (Lease, error)

	// Renew extends a held lease. Fails with laketxerr.ErrFenced when the
	// lease was reclaimed, which doubles as the holder's liveness check
	// before publishing a commit.
	Renew(ctx context.Context, lease Lease, leaseDuration time.Duration) (Lease, error)

	// Release ends the lease. Releasing a reclaimed lease is a no-op.
	Release(ctx context.Context, lease Lease) error
}
