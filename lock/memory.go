package lock

import (
	"context"
	"sync"
	"time"

	"github.com/florinutz/laketx/laketxerr"
)

type memEntry struct {
	holder string
	token  int64
	expiry time.Time
}

// Memory is an in-process Coordinator for tests and single-binary setups.
// It honors the same lease and fencing semantics as the external stores.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memEntry
	fence  map[string]int64
	now    func() time.Time
}

// NewMemory creates an in-process coordinator.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]*memEntry),
		fence:  make(map[string]int64),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Acquire(_ context.Context, tableID, holder string, leaseDuration time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.tables[tableID]; ok && e.expiry.After(m.now()) {
		return Lease{}, &laketxerr.LockBusyError{Table: tableID, Holder: e.holder, Attempts: 1}
	}

	m.fence[tableID]++
	e := &memEntry{
		holder: holder,
		token:  m.fence[tableID],
		expiry: m.now().Add(leaseDuration),
	}
	m.tables[tableID] = e
	return Lease{TableID: tableID, Holder: holder, Token: e.token, Expiry: e.expiry}, nil
}

func (m *Memory) Renew(_ context.Context, lease Lease, leaseDuration time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tables[lease.TableID]
	if !ok || e.token != lease.Token || !e.expiry.After(m.now()) {
		return Lease{}, laketxerr.ErrFenced
	}
	e.expiry = m.now().Add(leaseDuration)
	lease.Expiry = e.expiry
	return lease, nil
}

func (m *Memory) Release(_ context.Context, lease Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tables[lease.TableID]
	if !ok || e.token != lease.Token {
		return nil // reclaimed; nothing to release
	}
	e.expiry = time.Time{}
	return nil
}
