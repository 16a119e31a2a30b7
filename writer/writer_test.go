package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/datafile"
	"github.com/florinutz/laketx/laketxerr"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

func newTable(t *testing.T) (blob.Storage, lock.Coordinator) {
	t.Helper()
	return blob.NewLocal(t.TempDir()), lock.NewMemory()
}

func newLog(storage blob.Storage, coord lock.Coordinator) *tablelog.Log {
	return tablelog.New(tablelog.Config{
		TableID:            "events",
		Storage:            storage,
		Lock:               coord,
		MaxAttempts:        100,
		BackoffBase:        time.Millisecond,
		BackoffCap:         20 * time.Millisecond,
		CheckpointInterval: -1,
	})
}

func makeBatch(t *testing.T, partition string, rows int) record.Batch {
	t.Helper()
	records := make([]record.Record, 0, rows)
	for i := 0; i < rows; i++ {
		r, err := record.New(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), partition)
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		records = append(records, r)
	}
	b, err := record.NewBatch(records)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return b
}

func TestCommitBatchRoundTrip(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)
	w := New(Config{Log: log, Storage: storage})
	ctx := context.Background()

	batch := makeBatch(t, "eu", 10)
	v, err := w.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if v != 0 {
		t.Fatalf("first commit landed at v%d, want 0", v)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.ActiveFiles) != 1 {
		t.Fatalf("active files = %d, want 1", len(snap.ActiveFiles))
	}
	for path, add := range snap.ActiveFiles {
		if !strings.HasPrefix(path, table.DataDir) || !strings.HasSuffix(path, ".parquet") {
			t.Fatalf("data file path %q not under %s", path, table.DataDir)
		}
		if add.RowCount != 10 {
			t.Fatalf("row count = %d, want 10", add.RowCount)
		}
		data, err := storage.Read(ctx, path)
		if err != nil {
			t.Fatalf("read data file: %v", err)
		}
		got, err := datafile.Read(data)
		if err != nil {
			t.Fatalf("decode data file: %v", err)
		}
		if len(got) != 10 {
			t.Fatalf("decoded rows = %d, want 10", len(got))
		}
		if got[0].ID != batch.Records[0].ID {
			t.Fatalf("record ids did not survive the round trip")
		}
	}
}

func TestResubmittedBatchCommitsOnce(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)
	w := New(Config{Log: log, Storage: storage})
	ctx := context.Background()

	batch := makeBatch(t, "eu", 10)
	v1, err := w.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	v2, err := w.CommitBatch(ctx, batch)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("resubmit landed at v%d, want v%d", v2, v1)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got := snap.RowCount(); got != 10 {
		t.Fatalf("row count = %d after resubmit, want 10 exactly once", got)
	}
}

func TestMixedPartitionBatchCommitsAtomically(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)
	w := New(Config{Log: log, Storage: storage, PartitionKey: "region"})
	ctx := context.Background()

	records := append(makeBatch(t, "eu", 4).Records, makeBatch(t, "us", 6).Records...)
	batch, err := record.NewBatch(records)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}

	if _, err := w.CommitBatch(ctx, batch); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Version != 0 {
		t.Fatalf("mixed-partition batch used %d commits, want 1", snap.Version+1)
	}
	byPartition := snap.FilesByPartition("region")
	if len(byPartition["eu"]) != 1 || len(byPartition["us"]) != 1 {
		t.Fatalf("files by partition = %v, want one per partition", byPartition)
	}
	if got := snap.RowCount(); got != 10 {
		t.Fatalf("row count = %d, want 10", got)
	}
}

// fakeQuarantine records quarantined batches in memory.
type fakeQuarantine struct {
	mu      sync.Mutex
	batches []record.Batch
}

func (f *fakeQuarantine) Quarantine(_ context.Context, b record.Batch, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeQuarantine) Close() error { return nil }

func TestSchemaViolationQuarantinesWholeBatch(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)
	ctx := context.Background()

	schema := &table.Schema{Fields: []table.Field{
		{Name: "seq", Type: table.TypeLong, Required: true},
	}}
	if _, err := log.ProposeCommit(ctx, tablelog.Proposal{SchemaDelta: schema, BatchID: "schema-init"}); err != nil {
		t.Fatalf("schema commit: %v", err)
	}

	q := &fakeQuarantine{}
	w := New(Config{Log: log, Storage: storage, Quarantine: q})

	good := makeBatch(t, "eu", 5)
	if _, err := w.CommitBatch(ctx, good); err != nil {
		t.Fatalf("valid batch rejected: %v", err)
	}

	bad := makeBatch(t, "eu", 5)
	bad.Records[2].Payload = json.RawMessage(`{"seq":1,"intruder":true}`)
	_, err := w.CommitBatch(ctx, bad)

	var sv *laketxerr.SchemaViolationError
	if !errors.As(err, &sv) {
		t.Fatalf("err = %v, want SchemaViolationError", err)
	}
	if sv.Field != "intruder" {
		t.Fatalf("violating field = %q, want intruder", sv.Field)
	}
	if len(q.batches) != 1 || q.batches[0].ID != bad.ID {
		t.Fatalf("quarantine got %d batches, want the bad one", len(q.batches))
	}

	// Nothing from the bad batch may be visible.
	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got := snap.RowCount(); got != 5 {
		t.Fatalf("row count = %d, want only the valid batch's 5", got)
	}
	if _, ok := snap.BatchIDs[bad.ID]; ok {
		t.Fatal("quarantined batch id appears in the log")
	}
}

// busyLock rejects every acquisition.
type busyLock struct{}

func (busyLock) Acquire(context.Context, string, string, time.Duration) (lock.Lease, error) {
	return lock.Lease{}, &laketxerr.LockBusyError{Table: "events", Holder: "other", Attempts: 1}
}
func (busyLock) Renew(_ context.Context, l lock.Lease, _ time.Duration) (lock.Lease, error) {
	return l, nil
}
func (busyLock) Release(context.Context, lock.Lease) error { return nil }

func TestRetryExhaustionSurfacesBackpressure(t *testing.T) {
	storage := blob.NewLocal(t.TempDir())
	log := tablelog.New(tablelog.Config{
		TableID:     "events",
		Storage:     storage,
		Lock:        busyLock{},
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})
	w := New(Config{Log: log, Storage: storage})

	batch := makeBatch(t, "eu", 3)
	_, err := w.CommitBatch(context.Background(), batch)

	var bp *laketxerr.BackpressureError
	if !errors.As(err, &bp) {
		t.Fatalf("err = %v, want BackpressureError", err)
	}
	if bp.BatchID != batch.ID {
		t.Fatalf("backpressure batch id = %q, want %q", bp.BatchID, batch.ID)
	}
	if !errors.Is(err, laketxerr.ErrLockBusy) {
		t.Fatalf("backpressure error does not unwrap to ErrLockBusy: %v", err)
	}
}

func TestThreeWritersFiftyBatchesEach(t *testing.T) {
	if testing.Short() {
		t.Skip("contention scenario")
	}
	storage, coord := newTable(t)
	ctx := context.Background()

	const writers = 3
	const batches = 50
	const rows = 10

	work := make([][]record.Batch, writers)
	for i := range work {
		for j := 0; j < batches; j++ {
			work[i] = append(work[i], makeBatch(t, "eu", rows))
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(mine []record.Batch) {
			defer wg.Done()
			w := New(Config{Log: newLog(storage, coord), Storage: storage})
			for _, b := range mine {
				if _, err := w.CommitBatch(ctx, b); err != nil {
					errs <- err
					return
				}
			}
		}(work[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	snap, err := newLog(storage, coord).ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Version != writers*batches-1 {
		t.Fatalf("latest version = %d, want %d contiguous commits", snap.Version, writers*batches)
	}
	if got := snap.RowCount(); got != writers*batches*rows {
		t.Fatalf("row count = %d, want %d: rows lost or duplicated under contention", got, writers*batches*rows)
	}
	if len(snap.ActiveFiles) != writers*batches {
		t.Fatalf("active files = %d, want %d", len(snap.ActiveFiles), writers*batches)
	}
}

// scriptedSource hands out predefined batches, then blocks until cancel.
type scriptedSource struct {
	batches []record.Batch
}

func (s *scriptedSource) Next(ctx context.Context, _ int, _ time.Duration) (record.Batch, error) {
	if len(s.batches) == 0 {
		<-ctx.Done()
		return record.Batch{}, ctx.Err()
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func TestBatchAckedAfterCommitAndAfterQuarantine(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)
	ctx := context.Background()

	schema := &table.Schema{Fields: []table.Field{
		{Name: "seq", Type: table.TypeLong, Required: true},
	}}
	if _, err := log.ProposeCommit(ctx, tablelog.Proposal{SchemaDelta: schema, BatchID: "schema-init"}); err != nil {
		t.Fatalf("schema commit: %v", err)
	}

	var committedAcks, quarantinedAcks atomic.Int32

	good := makeBatch(t, "eu", 3)
	good.Ack = func(context.Context) error { committedAcks.Add(1); return nil }

	bad := makeBatch(t, "eu", 3)
	bad.Records[1].Payload = json.RawMessage(`{"seq":1,"intruder":true}`)
	bad.Ack = func(context.Context) error { quarantinedAcks.Add(1); return nil }

	q := &fakeQuarantine{}
	w := New(Config{
		Source:     &scriptedSource{batches: []record.Batch{good, bad}},
		Log:        log,
		Storage:    storage,
		Quarantine: q,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	deadline := time.After(2 * time.Second)
	for committedAcks.Load() != 1 || quarantinedAcks.Load() != 1 {
		select {
		case <-deadline:
			t.Fatalf("acks = %d committed, %d quarantined, want 1 each",
				committedAcks.Load(), quarantinedAcks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v on cancel, want nil", err)
	}
}

func TestBatchNotAckedWhenCommitFails(t *testing.T) {
	storage := blob.NewLocal(t.TempDir())
	log := tablelog.New(tablelog.Config{
		TableID:     "events",
		Storage:     storage,
		Lock:        busyLock{},
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	})

	var acked atomic.Bool
	batch := makeBatch(t, "eu", 3)
	batch.Ack = func(context.Context) error { acked.Store(true); return nil }

	w := New(Config{
		Source:  &scriptedSource{batches: []record.Batch{batch}},
		Log:     log,
		Storage: storage,
	})

	err := w.Run(context.Background())
	var bp *laketxerr.BackpressureError
	if !errors.As(err, &bp) {
		t.Fatalf("Run = %v, want BackpressureError", err)
	}
	if acked.Load() {
		t.Fatal("uncommitted batch was acked: it would never be redelivered")
	}
}

func TestRunDrainsSourceAndStopsOnCancel(t *testing.T) {
	storage, coord := newTable(t)
	log := newLog(storage, coord)

	ch := make(chan record.Record, 16)
	for i := 0; i < 12; i++ {
		r, err := record.New(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), "eu")
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		ch <- r
	}
	close(ch)

	w := New(Config{
		Source:  record.NewChannelSource(ch),
		Log:     log,
		Storage: storage,
		MaxWait: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		snap, err := log.ReadSnapshot(context.Background())
		if err != nil {
			t.Fatalf("ReadSnapshot: %v", err)
		}
		if snap.RowCount() == 12 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("source not drained, %d rows visible", snap.RowCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v on cancel, want nil", err)
	}
}
