package tablelog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/florinutz/laketx/table"
)

// A checkpoint collapses the log prefix up to some version into one parquet
// file so snapshot reads replay a bounded suffix instead of the whole log.
// Checkpoints are an optimization only: the commit records stay in place and
// a reader that ignores checkpoints computes the same snapshot.

// ckptRow is one snapshot entry in a checkpoint parquet file. Kind selects
// which columns are meaningful.
type ckptRow struct {
	Kind string `parquet:"kind"` // "add", "tombstone", "batch"

	Path            string `parquet:"path,optional"`
	SizeBytes       int64  `parquet:"size_bytes,optional"`
	RowCount        int64  `parquet:"row_count,optional"`
	PartitionValues string `parquet:"partition_values,optional"` // JSON map
	ModifiedAt      int64  `parquet:"modified_at,optional,timestamp(microsecond)"`
	TombstonedAt    int64  `parquet:"tombstoned_at,optional,timestamp(microsecond)"`

	BatchID      string `parquet:"batch_id,optional"`
	BatchVersion int64  `parquet:"batch_version,optional"`
}

// checkpointPointer is the _last_checkpoint record. The schema rides in the
// pointer because parquet columns are a poor fit for a recursive field list.
type checkpointPointer struct {
	Version   int64         `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
	Schema    *table.Schema `json:"schema,omitempty"`
}

func checkpointFilePath(version int64) string {
	return fmt.Sprintf("%s%020d.checkpoint.parquet", table.LogDir, version)
}

// loadCheckpoint returns a snapshot primed from the newest usable checkpoint,
// or an empty snapshot when none exists. A checkpoint newer than asOf cannot
// seed a time-travel read, so those fall back to a full replay.
func (l *Log) loadCheckpoint(ctx context.Context, asOf int64) (*table.Snapshot, error) {
	data, err := l.storage.Read(ctx, lastCheckpointPath)
	if err != nil {
		return table.NewSnapshot(), nil
	}
	var ptr checkpointPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		l.logger.Warn("unreadable checkpoint pointer, replaying full log", "error", err)
		return table.NewSnapshot(), nil
	}
	if asOf >= 0 && ptr.Version > asOf {
		return table.NewSnapshot(), nil
	}

	raw, err := l.storage.Read(ctx, checkpointFilePath(ptr.Version))
	if err != nil {
		l.logger.Warn("checkpoint file missing, replaying full log", "version", ptr.Version, "error", err)
		return table.NewSnapshot(), nil
	}
	rows, err := parquet.Read[ckptRow](bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint v%d: %w", ptr.Version, err)
	}

	snap := table.NewSnapshot()
	snap.Version = ptr.Version
	snap.Timestamp = ptr.Timestamp
	snap.Schema = ptr.Schema
	for _, r := range rows {
		switch r.Kind {
		case "add":
			add := table.AddFile{
				Path:             r.Path,
				SizeBytes:        r.SizeBytes,
				RowCount:         r.RowCount,
				ModificationTime: time.UnixMicro(r.ModifiedAt).UTC(),
			}
			if r.PartitionValues != "" {
				if err := json.Unmarshal([]byte(r.PartitionValues), &add.PartitionValues); err != nil {
					return nil, fmt.Errorf("parse checkpoint v%d partition values for %s: %w", ptr.Version, r.Path, err)
				}
			}
			snap.ActiveFiles[r.Path] = add
		case "tombstone":
			snap.Tombstones[r.Path] = table.RemoveFile{
				Path:               r.Path,
				TombstoneTimestamp: time.UnixMicro(r.TombstonedAt).UTC(),
			}
		case "batch":
			snap.BatchIDs[r.BatchID] = r.BatchVersion
		default:
			return nil, fmt.Errorf("parse checkpoint v%d: unknown row kind %q", ptr.Version, r.Kind)
		}
	}
	return snap, nil
}

// maybeCheckpoint writes a checkpoint when the version lands on the
// configured interval. Failures are logged and ignored; the next eligible
// commit will try again.
func (l *Log) maybeCheckpoint(ctx context.Context, version int64) {
	if l.checkpointInterval <= 0 || version <= 0 || version%l.checkpointInterval != 0 {
		return
	}
	if err := l.WriteCheckpoint(ctx, version); err != nil {
		l.logger.Warn("checkpoint write failed", "version", version, "error", err)
	}
}

// WriteCheckpoint materializes the snapshot at a version into a parquet
// checkpoint and publishes the _last_checkpoint pointer. Safe to call
// concurrently with commits: the checkpoint describes a fixed log prefix.
func (l *Log) WriteCheckpoint(ctx context.Context, version int64) error {
	snap, err := l.ReadSnapshotAt(ctx, version)
	if err != nil {
		return fmt.Errorf("checkpoint v%d: %w", version, err)
	}

	rows := make([]ckptRow, 0, len(snap.ActiveFiles)+len(snap.Tombstones)+len(snap.BatchIDs))
	for _, add := range snap.ActiveFiles {
		r := ckptRow{
			Kind:       "add",
			Path:       add.Path,
			SizeBytes:  add.SizeBytes,
			RowCount:   add.RowCount,
			ModifiedAt: add.ModificationTime.UnixMicro(),
		}
		if len(add.PartitionValues) > 0 {
			pv, err := json.Marshal(add.PartitionValues)
			if err != nil {
				return fmt.Errorf("checkpoint v%d: marshal partition values: %w", version, err)
			}
			r.PartitionValues = string(pv)
		}
		rows = append(rows, r)
	}
	for _, rm := range snap.Tombstones {
		rows = append(rows, ckptRow{
			Kind:         "tombstone",
			Path:         rm.Path,
			TombstonedAt: rm.TombstoneTimestamp.UnixMicro(),
		})
	}
	for id, v := range snap.BatchIDs {
		rows = append(rows, ckptRow{Kind: "batch", BatchID: id, BatchVersion: v})
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[ckptRow](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return fmt.Errorf("checkpoint v%d: write parquet rows: %w", version, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("checkpoint v%d: close parquet writer: %w", version, err)
	}
	if err := l.storage.Write(ctx, checkpointFilePath(version), buf.Bytes()); err != nil {
		return fmt.Errorf("checkpoint v%d: %w", version, err)
	}

	ptr, err := json.Marshal(checkpointPointer{Version: version, Timestamp: snap.Timestamp, Schema: snap.Schema})
	if err != nil {
		return fmt.Errorf("checkpoint v%d: marshal pointer: %w", version, err)
	}
	if err := l.storage.Write(ctx, lastCheckpointPath, ptr); err != nil {
		return fmt.Errorf("checkpoint v%d: publish pointer: %w", version, err)
	}

	l.logger.Info("checkpoint written", "version", version, "entries", len(rows))
	return nil
}
