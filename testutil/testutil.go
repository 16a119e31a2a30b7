// Package testutil provides shared fixtures for tests that need a working
// table: local blob storage, an in-process lock, and record helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/tablelog"
)

// Fixture is a throwaway table rooted in a test temp dir.
type Fixture struct {
	Storage blob.Storage
	Lock    lock.Coordinator
}

// NewFixture creates a table fixture backed by t.TempDir().
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	return &Fixture{
		Storage: blob.NewLocal(t.TempDir()),
		Lock:    lock.NewMemory(),
	}
}

// NewLog returns a fresh Log handle with test-friendly retry timing. Each
// call gets its own holder identity, like a separate process would.
func (f *Fixture) NewLog(t *testing.T) *tablelog.Log {
	t.Helper()
	return tablelog.New(tablelog.Config{
		TableID:            "test-table",
		Storage:            f.Storage,
		Lock:               f.Lock,
		MaxAttempts:        50,
		BackoffBase:        time.Millisecond,
		BackoffCap:         20 * time.Millisecond,
		CheckpointInterval: -1,
	})
}

// MakeRecords builds n records with sequential payloads in one partition.
func MakeRecords(t *testing.T, partition string, n int) []record.Record {
	t.Helper()
	records := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := record.New(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), partition)
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		records = append(records, r)
	}
	return records
}

// MakeBatch builds a batch of n records in one partition.
func MakeBatch(t *testing.T, partition string, n int) record.Batch {
	t.Helper()
	b, err := record.NewBatch(MakeRecords(t, partition, n))
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return b
}
