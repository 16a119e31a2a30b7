package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_commits_total",
		Help: "Total number of committed transactions, by process.",
	}, []string{"process"})

	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_commit_conflicts_total",
		Help: "Total number of commit attempts rejected by conflict validation.",
	}, []string{"process"})

	CommitRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_commit_retries_total",
		Help: "Total number of commit attempts retried after lock contention or rebase.",
	}, []string{"process"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "laketx_commit_duration_seconds",
		Help:    "Duration from batch ready to commit visible.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laketx_idempotent_replays_total",
		Help: "Total number of commits short-circuited by a previously seen batch id.",
	})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_lock_acquisitions_total",
		Help: "Total number of lock acquisition outcomes.",
	}, []string{"outcome"}) // acquired, busy, reclaimed

	DataFilesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_data_files_written_total",
		Help: "Total number of parquet data files written, by process.",
	}, []string{"process"})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_bytes_written_total",
		Help: "Total bytes of parquet data written, by process.",
	}, []string{"process"})

	RowsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laketx_rows_committed_total",
		Help: "Total rows made visible by writer commits.",
	})

	BatchesQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laketx_batches_quarantined_total",
		Help: "Total batches rejected by schema validation and quarantined.",
	})

	CompactionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_compaction_runs_total",
		Help: "Total compaction cycles, by outcome.",
	}, []string{"outcome"}) // compacted, skipped, conflict, error

	FilesCompacted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laketx_files_compacted_total",
		Help: "Total small files rewritten by compaction.",
	})

	VacuumDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_vacuum_deletions_total",
		Help: "Total files physically deleted by vacuum, by kind.",
	}, []string{"kind"}) // tombstoned, orphan

	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "laketx_snapshot_version",
		Help: "Latest committed table version observed by this process.",
	})

	ActiveFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "laketx_active_files",
		Help: "Active data files in the latest observed snapshot.",
	})

	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laketx_panics_recovered_total",
		Help: "Total panics recovered in supervised goroutines.",
	}, []string{"component"})
)
