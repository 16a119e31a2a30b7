// Package compactor rewrites accumulations of small data files into fewer
// large ones. Compaction changes the file layout, never the row set: every
// run removes N files and adds one holding exactly their rows.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/datafile"
	"github.com/florinutz/laketx/laketxerr"
	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

const (
	defaultTargetFileSize = 128 << 20
	defaultMinFiles       = 8
	defaultMaxFileAge     = 5 * time.Minute
	defaultPartitionKey   = "partition"
)

// Config configures a Compactor. Zero values get defaults.
type Config struct {
	Log     *tablelog.Log
	Storage blob.Storage
	Logger  *slog.Logger

	// TargetFileSize separates small files (compaction candidates) from
	// files already considered fully grown.
	TargetFileSize int64
	// MinFiles is the candidate count that triggers a partition rewrite.
	MinFiles int
	// MaxFileAge triggers a rewrite below MinFiles once the oldest
	// candidate has sat this long, so trickle partitions still converge.
	MaxFileAge   time.Duration
	PartitionKey string
}

// Compactor is the background merge process.
type Compactor struct {
	log          *tablelog.Log
	storage      blob.Storage
	logger       *slog.Logger
	targetSize   int64
	minFiles     int
	maxAge       time.Duration
	partitionKey string

	now func() time.Time
}

// New creates a Compactor.
func New(cfg Config) *Compactor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TargetFileSize <= 0 {
		cfg.TargetFileSize = defaultTargetFileSize
	}
	if cfg.MinFiles <= 0 {
		cfg.MinFiles = defaultMinFiles
	}
	if cfg.MaxFileAge <= 0 {
		cfg.MaxFileAge = defaultMaxFileAge
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = defaultPartitionKey
	}
	return &Compactor{
		log:          cfg.Log,
		storage:      cfg.Storage,
		logger:       cfg.Logger.With("component", "compactor"),
		targetSize:   cfg.TargetFileSize,
		minFiles:     cfg.MinFiles,
		maxAge:       cfg.MaxFileAge,
		partitionKey: cfg.PartitionKey,
		now:          time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Compactor) SetClock(now func() time.Time) { c.now = now }

// Result summarizes one compaction pass.
type Result struct {
	PartitionsCompacted int
	FilesRemoved        int
	RowsRewritten       int64
}

// Run compacts on a timer until the context is cancelled.
func (c *Compactor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error("compaction pass failed", "error", err)
			}
		}
	}
}

// RunOnce scans the latest snapshot and rewrites every partition that meets
// a trigger. Each partition compacts in its own commit so a conflict on one
// does not abort the others.
func (c *Compactor) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	snap, err := c.log.ReadSnapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("read snapshot: %w", err)
	}

	for partition, files := range snap.FilesByPartition(c.partitionKey) {
		candidates := c.candidates(files)
		if !c.triggered(candidates) {
			continue
		}
		removed, rows, err := c.compactPartition(ctx, partition, candidates)
		if err != nil {
			var conflict *laketxerr.CommitConflictError
			if errors.As(err, &conflict) || errors.Is(err, laketxerr.ErrLockBusy) {
				// Someone else moved these files. The next pass re-plans
				// from the new snapshot.
				metrics.CompactionRuns.WithLabelValues("conflict").Inc()
				c.logger.Warn("compaction lost a race, will re-plan", "partition", partition, "error", err)
				continue
			}
			metrics.CompactionRuns.WithLabelValues("error").Inc()
			return res, err
		}
		res.PartitionsCompacted++
		res.FilesRemoved += removed
		res.RowsRewritten += rows
	}

	if res.PartitionsCompacted == 0 {
		metrics.CompactionRuns.WithLabelValues("skipped").Inc()
	} else {
		metrics.CompactionRuns.WithLabelValues("compacted").Inc()
	}
	return res, nil
}

// candidates returns the partition's small files, oldest first.
func (c *Compactor) candidates(files []table.AddFile) []table.AddFile {
	var out []table.AddFile
	for _, f := range files {
		if f.SizeBytes < c.targetSize {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ModificationTime.Before(out[j].ModificationTime)
	})
	return out
}

// triggered applies the two rewrite triggers: enough small files, or a
// too-old small file. A single file is never worth rewriting.
func (c *Compactor) triggered(candidates []table.AddFile) bool {
	if len(candidates) < 2 {
		return false
	}
	if len(candidates) >= c.minFiles {
		return true
	}
	return c.now().Sub(candidates[0].ModificationTime) >= c.maxAge
}

func (c *Compactor) compactPartition(ctx context.Context, partition string, candidates []table.AddFile) (int, int64, error) {
	var merged []record.Record
	removes := make([]table.RemoveFile, 0, len(candidates))
	for _, f := range candidates {
		data, err := c.storage.Read(ctx, f.Path)
		if err != nil {
			return 0, 0, fmt.Errorf("read %s: %w", f.Path, err)
		}
		records, err := datafile.Read(data)
		if err != nil {
			return 0, 0, fmt.Errorf("decode %s: %w", f.Path, err)
		}
		merged = append(merged, records...)
		removes = append(removes, table.RemoveFile{Path: f.Path, TombstoneTimestamp: c.now().UTC()})
	}

	data, add, err := datafile.Write(merged, c.partitionKey)
	if err != nil {
		return 0, 0, fmt.Errorf("encode merged partition %s: %w", partition, err)
	}
	add.Path = table.DataDir + uuid.NewString() + ".parquet"
	if err := c.storage.Write(ctx, add.Path, data); err != nil {
		return 0, 0, fmt.Errorf("persist merged partition %s: %w", partition, err)
	}
	metrics.DataFilesWritten.WithLabelValues("compactor").Inc()
	metrics.BytesWritten.WithLabelValues("compactor").Add(float64(add.SizeBytes))

	version, err := c.log.ProposeCommit(ctx, tablelog.Proposal{
		AddFiles:    []table.AddFile{add},
		RemoveFiles: removes,
		Process:     "compactor",
	})
	if err != nil {
		return 0, 0, err
	}

	metrics.FilesCompacted.Add(float64(len(removes)))
	c.logger.Info("partition compacted",
		"partition", partition,
		"version", version,
		"files_in", len(removes),
		"rows", len(merged),
		"bytes_out", add.SizeBytes,
	)
	return len(removes), int64(len(merged)), nil
}
