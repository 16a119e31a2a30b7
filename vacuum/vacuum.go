// Package vacuum physically deletes data files no snapshot inside the
// retention window can reference: tombstoned files past retention, and
// orphans left behind by writers that crashed between persisting a file and
// committing it.
package vacuum

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/table"
	"github.com/florinutz/laketx/tablelog"
)

const (
	defaultRetention   = 72 * time.Hour
	defaultOrphanGrace = time.Hour
	// DefaultInterval is the daemon's pass cadence.
	DefaultInterval = time.Hour
)

// Config configures a Vacuum. Zero values get defaults.
type Config struct {
	Log     *tablelog.Log
	Storage blob.Storage
	Logger  *slog.Logger

	// Retention is how long tombstoned files stay readable for time travel.
	Retention time.Duration
	// OrphanGrace protects just-written files whose commit is still in
	// flight from being swept as orphans.
	OrphanGrace time.Duration
	// DryRun reports what would be deleted without deleting.
	DryRun bool
	// RecordHousekeeping appends a commit summarizing each pass that
	// deleted anything.
	RecordHousekeeping bool
}

// Vacuum is the background deletion process.
type Vacuum struct {
	log         *tablelog.Log
	storage     blob.Storage
	logger      *slog.Logger
	retention   time.Duration
	orphanGrace time.Duration
	dryRun      bool
	record      bool

	now func() time.Time
}

// New creates a Vacuum.
func New(cfg Config) *Vacuum {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = defaultOrphanGrace
	}
	return &Vacuum{
		log:         cfg.Log,
		storage:     cfg.Storage,
		logger:      cfg.Logger.With("component", "vacuum"),
		retention:   cfg.Retention,
		orphanGrace: cfg.OrphanGrace,
		dryRun:      cfg.DryRun,
		record:      cfg.RecordHousekeeping,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (v *Vacuum) SetClock(now func() time.Time) { v.now = now }

// Result summarizes one vacuum pass.
type Result struct {
	TombstonedDeleted []string
	OrphansDeleted    []string
}

// Run vacuums on a timer until the context is cancelled.
func (v *Vacuum) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := v.RunOnce(ctx); err != nil {
				v.logger.Error("vacuum pass failed", "error", err)
			}
		}
	}
}

// RunOnce deletes expired tombstoned files and aged orphans. Candidate
// selection reads one snapshot; a file added by a commit racing the pass is
// protected by the orphan grace period, never by luck.
func (v *Vacuum) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := v.now()

	snap, err := v.log.ReadSnapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("read snapshot: %w", err)
	}

	cutoff := now.Add(-v.retention)
	for path, rm := range snap.Tombstones {
		if !rm.TombstoneTimestamp.Before(cutoff) {
			continue
		}
		exists, err := v.storage.Exists(ctx, path)
		if err != nil {
			return res, fmt.Errorf("stat tombstoned %s: %w", path, err)
		}
		if !exists {
			continue // already deleted by an earlier pass
		}
		if err := v.delete(ctx, path, "tombstoned"); err != nil {
			return res, err
		}
		res.TombstonedDeleted = append(res.TombstonedDeleted, path)
	}

	objects, err := v.storage.List(ctx, table.DataDir)
	if err != nil {
		return res, fmt.Errorf("list data files: %w", err)
	}
	graceCutoff := now.Add(-v.orphanGrace)
	for _, obj := range objects {
		if _, active := snap.ActiveFiles[obj.Path]; active {
			continue
		}
		if _, tombstoned := snap.Tombstones[obj.Path]; tombstoned {
			continue
		}
		if obj.Modified.After(graceCutoff) {
			continue // may belong to an in-flight commit
		}
		if err := v.delete(ctx, obj.Path, "orphan"); err != nil {
			return res, err
		}
		res.OrphansDeleted = append(res.OrphansDeleted, obj.Path)
	}

	v.logger.Info("vacuum pass finished",
		"tombstoned_deleted", len(res.TombstonedDeleted),
		"orphans_deleted", len(res.OrphansDeleted),
		"dry_run", v.dryRun,
	)

	if v.record && !v.dryRun && (len(res.TombstonedDeleted) > 0 || len(res.OrphansDeleted) > 0) {
		if _, err := v.log.ProposeCommit(ctx, tablelog.Proposal{
			Housekeeping: &table.HousekeepingInfo{
				DeletedTombstoned: len(res.TombstonedDeleted),
				DeletedOrphans:    len(res.OrphansDeleted),
			},
			Process: "vacuum",
		}); err != nil {
			// The deletions already happened and are legal under retention;
			// only the audit record is lost.
			v.logger.Warn("housekeeping commit failed", "error", err)
		}
	}
	return res, nil
}

func (v *Vacuum) delete(ctx context.Context, path, kind string) error {
	if v.dryRun {
		v.logger.Info("would delete", "path", path, "kind", kind)
		return nil
	}
	if err := v.storage.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, path, err)
	}
	metrics.VacuumDeletions.WithLabelValues(kind).Inc()
	return nil
}
