package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/datafile"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

func newFixture(t *testing.T) (*tablelog.Log, blob.Storage) {
	t.Helper()
	storage := blob.NewLocal(t.TempDir())
	log := tablelog.New(tablelog.Config{
		TableID:            "events",
		Storage:            storage,
		Lock:               lock.NewMemory(),
		MaxAttempts:        50,
		BackoffBase:        time.Millisecond,
		BackoffCap:         20 * time.Millisecond,
		CheckpointInterval: -1,
	})
	return log, storage
}

// commitSmallFile writes one parquet file with the given rows and commits
// it, optionally backdating its modification time.
func commitSmallFile(t *testing.T, log *tablelog.Log, storage blob.Storage, partition string, rows int, modTime time.Time) []string {
	t.Helper()
	ctx := context.Background()

	records := make([]record.Record, 0, rows)
	for i := 0; i < rows; i++ {
		r, err := record.New(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), partition)
		if err != nil {
			t.Fatalf("record.New: %v", err)
		}
		records = append(records, r)
	}

	data, add, err := datafile.Write(records, "partition")
	if err != nil {
		t.Fatalf("datafile.Write: %v", err)
	}
	add.Path = table.DataDir + uuid.NewString() + ".parquet"
	if !modTime.IsZero() {
		add.ModificationTime = modTime
	}
	if err := storage.Write(ctx, add.Path, data); err != nil {
		t.Fatalf("storage.Write: %v", err)
	}
	if _, err := log.ProposeCommit(ctx, tablelog.Proposal{
		AddFiles: []table.AddFile{add},
		BatchID:  uuid.NewString(),
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ids := make([]string, 0, rows)
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestThresholdBoundary(t *testing.T) {
	log, storage := newFixture(t)
	ctx := context.Background()

	c := New(Config{
		Log:      log,
		Storage:  storage,
		MinFiles: 8,
		// Age trigger disabled by pushing it far out.
		MaxFileAge: 24 * time.Hour,
	})

	for i := 0; i < 7; i++ {
		commitSmallFile(t, log, storage, "eu", 10, time.Time{})
	}
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce at 7 files: %v", err)
	}
	if res.PartitionsCompacted != 0 {
		t.Fatalf("compacted at 7 files, threshold is 8")
	}

	commitSmallFile(t, log, storage, "eu", 10, time.Time{})
	res, err = c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce at 8 files: %v", err)
	}
	if res.PartitionsCompacted != 1 || res.FilesRemoved != 8 {
		t.Fatalf("result = %+v, want 8 files compacted in 1 partition", res)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(snap.ActiveFiles) != 1 {
		t.Fatalf("active files after compaction = %d, want 1", len(snap.ActiveFiles))
	}
	if len(snap.Tombstones) != 8 {
		t.Fatalf("tombstones = %d, want the 8 rewritten files", len(snap.Tombstones))
	}
}

func TestCompactionConservesRows(t *testing.T) {
	log, storage := newFixture(t)
	ctx := context.Background()

	want := make(map[string]bool)
	for i := 0; i < 8; i++ {
		for _, id := range commitSmallFile(t, log, storage, "eu", 10, time.Time{}) {
			want[id] = true
		}
	}

	c := New(Config{Log: log, Storage: storage, MinFiles: 8, MaxFileAge: 24 * time.Hour})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.RowsRewritten != 80 {
		t.Fatalf("rows rewritten = %d, want 80", res.RowsRewritten)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got := snap.RowCount(); got != 80 {
		t.Fatalf("row count = %d after compaction, want 80", got)
	}

	got := make(map[string]bool)
	for path := range snap.ActiveFiles {
		data, err := storage.Read(ctx, path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		records, err := datafile.Read(data)
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		for _, r := range records {
			if got[r.ID] {
				t.Fatalf("record %s duplicated by compaction", r.ID)
			}
			got[r.ID] = true
		}
	}
	if len(got) != len(want) {
		t.Fatalf("record count = %d after compaction, want %d", len(got), len(want))
	}
	for id := range want {
		if !got[id] {
			t.Fatalf("record %s lost by compaction", id)
		}
	}
}

func TestAgeTriggerBelowThreshold(t *testing.T) {
	log, storage := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	commitSmallFile(t, log, storage, "eu", 10, base)
	commitSmallFile(t, log, storage, "eu", 10, base.Add(time.Minute))

	c := New(Config{Log: log, Storage: storage, MinFiles: 8, MaxFileAge: 5 * time.Minute})

	// One second shy of the oldest file's age trigger: no rewrite.
	c.SetClock(func() time.Time { return base.Add(5*time.Minute - time.Second) })
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce before age trigger: %v", err)
	}
	if res.PartitionsCompacted != 0 {
		t.Fatalf("compacted before the oldest file reached max age")
	}

	c.SetClock(func() time.Time { return base.Add(5 * time.Minute) })
	res, err = c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce at age trigger: %v", err)
	}
	if res.PartitionsCompacted != 1 || res.FilesRemoved != 2 {
		t.Fatalf("result = %+v, want both files rewritten", res)
	}
}

func TestSingleFileNeverCompacted(t *testing.T) {
	log, storage := newFixture(t)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	commitSmallFile(t, log, storage, "eu", 10, old)

	c := New(Config{Log: log, Storage: storage, MinFiles: 2, MaxFileAge: time.Minute})
	res, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.PartitionsCompacted != 0 {
		t.Fatal("rewrote a lone file into itself")
	}
}

func TestFullGrownFilesExcluded(t *testing.T) {
	log, storage := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		commitSmallFile(t, log, storage, "eu", 10, time.Time{})
	}

	// With a tiny target every file counts as fully grown, so nothing
	// qualifies even above the count threshold.
	c := New(Config{Log: log, Storage: storage, TargetFileSize: 1, MinFiles: 8, MaxFileAge: 24 * time.Hour})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.PartitionsCompacted != 0 {
		t.Fatal("compacted files at or above the target size")
	}
}

func TestPartitionsCompactIndependently(t *testing.T) {
	log, storage := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		commitSmallFile(t, log, storage, "eu", 10, time.Time{})
	}
	for i := 0; i < 3; i++ {
		commitSmallFile(t, log, storage, "us", 10, time.Time{})
	}

	c := New(Config{Log: log, Storage: storage, MinFiles: 8, MaxFileAge: 24 * time.Hour})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.PartitionsCompacted != 1 || res.FilesRemoved != 8 {
		t.Fatalf("result = %+v, want only the eu partition rewritten", res)
	}

	snap, err := log.ReadSnapshot(ctx)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	byPartition := snap.FilesByPartition("partition")
	if len(byPartition["eu"]) != 1 {
		t.Fatalf("eu files = %d, want 1", len(byPartition["eu"]))
	}
	if len(byPartition["us"]) != 3 {
		t.Fatalf("us files = %d, want 3 untouched", len(byPartition["us"]))
	}
}
