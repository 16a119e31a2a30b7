// Package writer turns inbound record batches into committed parquet data
// files. Each batch becomes exactly one commit; the batch id makes
// redelivery safe.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/datafile"
	"github.com/florinutz/laketx/laketxerr"
	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/quarantine"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

const (
	defaultMaxRowsPerBatch = 10_000
	defaultMaxWait         = time.Second
	defaultLatencySLA      = 250 * time.Millisecond
	defaultPartitionKey    = "partition"
)

// Config configures a Writer. Zero values get defaults.
type Config struct {
	Source     record.Source
	Log        *tablelog.Log
	Storage    blob.Storage
	Quarantine quarantine.Store
	Logger     *slog.Logger

	// PartitionKey names the partition column in AddFile descriptors.
	PartitionKey string
	// MaxRowsPerBatch and MaxWait bound how long records sit unbatched.
	MaxRowsPerBatch int
	MaxWait         time.Duration
	// LatencySLA is the batch-ready-to-visible target. Exceeding it is
	// logged, not failed.
	LatencySLA time.Duration
}

// Writer is the ingest process: pull a batch, validate it, persist it as
// parquet, commit it.
type Writer struct {
	source       record.Source
	log          *tablelog.Log
	storage      blob.Storage
	quarantine   quarantine.Store
	logger       *slog.Logger
	partitionKey string
	maxRows      int
	maxWait      time.Duration
	latencySLA   time.Duration

	now func() time.Time
}

// New creates a Writer.
func New(cfg Config) *Writer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PartitionKey == "" {
		cfg.PartitionKey = defaultPartitionKey
	}
	if cfg.MaxRowsPerBatch <= 0 {
		cfg.MaxRowsPerBatch = defaultMaxRowsPerBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.LatencySLA <= 0 {
		cfg.LatencySLA = defaultLatencySLA
	}
	return &Writer{
		source:       cfg.Source,
		log:          cfg.Log,
		storage:      cfg.Storage,
		quarantine:   cfg.Quarantine,
		logger:       cfg.Logger.With("component", "writer"),
		partitionKey: cfg.PartitionKey,
		maxRows:      cfg.MaxRowsPerBatch,
		maxWait:      cfg.MaxWait,
		latencySLA:   cfg.LatencySLA,
		now:          time.Now,
	}
}

// Run pulls batches from the source until the context is cancelled. Schema
// violations quarantine the batch and continue; backpressure errors
// propagate so the caller can slow the upstream down.
func (w *Writer) Run(ctx context.Context) error {
	for {
		batch, err := w.source.Next(ctx, w.maxRows, w.maxWait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("next batch: %w", err)
		}
		if len(batch.Records) == 0 {
			continue
		}

		if _, err := w.CommitBatch(ctx, batch); err != nil {
			var sv *laketxerr.SchemaViolationError
			if errors.As(err, &sv) {
				// Quarantined, which is a durable outcome: settle the batch
				// so the source does not redeliver it.
				w.settle(ctx, batch)
				continue
			}
			return err
		}
		w.settle(ctx, batch)
	}
}

// settle acks the batch with its source after a durable outcome. An ack
// failure is logged only: the batch will be redelivered and the idempotency
// key makes the replay a no-op.
func (w *Writer) settle(ctx context.Context, batch record.Batch) {
	if batch.Ack == nil {
		return
	}
	if err := batch.Ack(ctx); err != nil {
		w.logger.Warn("batch ack failed, expecting redelivery", "batch_id", batch.ID, "error", err)
	}
}

// CommitBatch validates, persists, and commits one batch, returning the
// version it landed at. Retry-exhaustion surfaces as BackpressureError: the
// batch was not committed and is safe to resubmit under the same id.
func (w *Writer) CommitBatch(ctx context.Context, batch record.Batch) (int64, error) {
	start := w.now()

	snap, err := w.log.ReadSnapshot(ctx)
	if err != nil {
		return -1, fmt.Errorf("read snapshot: %w", err)
	}
	if err := w.validate(ctx, snap.Schema, batch); err != nil {
		return -1, err
	}

	// One data file per partition; all files land in the same commit so the
	// batch stays atomic.
	var adds []table.AddFile
	for partition, records := range splitByPartition(batch.Records) {
		data, add, err := datafile.Write(records, w.partitionKey)
		if err != nil {
			return -1, fmt.Errorf("encode batch %s partition %s: %w", batch.ID, partition, err)
		}
		add.Path = table.DataDir + uuid.NewString() + ".parquet"

		// Orphan window: if the commit below never lands, this file is
		// unreferenced and vacuum sweeps it after the grace period.
		if err := w.storage.Write(ctx, add.Path, data); err != nil {
			return -1, fmt.Errorf("persist batch %s: %w", batch.ID, err)
		}
		metrics.DataFilesWritten.WithLabelValues("writer").Inc()
		metrics.BytesWritten.WithLabelValues("writer").Add(float64(add.SizeBytes))
		adds = append(adds, add)
	}

	version, err := w.log.ProposeCommit(ctx, tablelog.Proposal{
		AddFiles: adds,
		BatchID:  batch.ID,
		Process:  "writer",
	})
	if err != nil {
		if errors.Is(err, laketxerr.ErrLockBusy) {
			return -1, &laketxerr.BackpressureError{BatchID: batch.ID, Err: err}
		}
		return -1, fmt.Errorf("commit batch %s: %w", batch.ID, err)
	}

	elapsed := w.now().Sub(start)
	metrics.CommitDuration.Observe(elapsed.Seconds())
	metrics.RowsCommitted.Add(float64(len(batch.Records)))
	if elapsed > w.latencySLA {
		w.logger.Warn("commit latency above target",
			"batch_id", batch.ID, "elapsed", elapsed, "target", w.latencySLA)
	}
	w.logger.Info("batch committed",
		"batch_id", batch.ID, "version", version, "rows", len(batch.Records), "files", len(adds))
	return version, nil
}

// validate checks every record against the table schema. The first
// violation quarantines the whole batch: partial batches would break the
// one-batch-one-commit idempotency contract.
func (w *Writer) validate(ctx context.Context, schema *table.Schema, batch record.Batch) error {
	if schema == nil {
		return nil
	}
	for _, r := range batch.Records {
		if err := schema.Validate(batch.ID, r.Payload); err != nil {
			if w.quarantine != nil {
				if qerr := w.quarantine.Quarantine(ctx, batch, err); qerr != nil {
					w.logger.Error("quarantine failed, batch dropped", "batch_id", batch.ID, "error", qerr)
				}
			}
			return err
		}
	}
	return nil
}

func splitByPartition(records []record.Record) map[string][]record.Record {
	out := make(map[string][]record.Record)
	for _, r := range records {
		out[r.Partition] = append(out[r.Partition], r)
	}
	return out
}
