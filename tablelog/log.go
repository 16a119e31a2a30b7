// Package tablelog implements the transaction log: an append-only sequence
// of versioned commit records in blob storage. The log is the single source
// of truth for table state; snapshots are a pure fold over committed
// versions, and the commit protocol serializes writers through the lock
// coordinator while readers stay lock-free.
package tablelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/table"
)

const (
	hintPath           = table.LogDir + "_latest"
	lastCheckpointPath = table.LogDir + "_last_checkpoint"

	defaultLeaseDuration      = 30 * time.Second
	defaultMaxAttempts        = 5
	defaultBackoffBase        = 25 * time.Millisecond
	defaultBackoffCap         = 2 * time.Second
	defaultCheckpointInterval = 100
)

// Config configures a Log. Zero values get defaults.
type Config struct {
	TableID string
	Storage blob.Storage
	Lock    lock.Coordinator
	Logger  *slog.Logger

	// LeaseDuration bounds how long a crashed holder can block commits.
	LeaseDuration time.Duration
	// MaxAttempts bounds the lock-acquisition/rebase retry state machine.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// CheckpointInterval is the number of commits between parquet log
	// checkpoints. Negative disables checkpointing.
	CheckpointInterval int64
}

// Log is a handle on one table's transaction log. Safe for concurrent use;
// each process typically holds its own Log with its own holder id.
type Log struct {
	tableID            string
	storage            blob.Storage
	lock               lock.Coordinator
	holderID           string
	leaseDuration      time.Duration
	maxAttempts        int
	backoffBase        time.Duration
	backoffCap         time.Duration
	checkpointInterval int64
	logger             *slog.Logger

	now func() time.Time
}

// New creates a Log handle with a fresh holder identity.
func New(cfg Config) *Log {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	return &Log{
		tableID:            cfg.TableID,
		storage:            cfg.Storage,
		lock:               cfg.Lock,
		holderID:           uuid.NewString(),
		leaseDuration:      cfg.LeaseDuration,
		maxAttempts:        cfg.MaxAttempts,
		backoffBase:        cfg.BackoffBase,
		backoffCap:         cfg.BackoffCap,
		checkpointInterval: cfg.CheckpointInterval,
		logger:             cfg.Logger.With("component", "tablelog", "table", cfg.TableID),
		now:                time.Now,
	}
}

// HolderID returns this handle's lock holder identity.
func (l *Log) HolderID() string { return l.holderID }

// SetClock overrides the time source. Test hook.
func (l *Log) SetClock(now func() time.Time) { l.now = now }

func commitPath(version int64) string {
	return fmt.Sprintf("%s%020d.json", table.LogDir, version)
}

// ReadSnapshot folds all committed versions into the latest snapshot.
// Lock-free: commits are atomic units, so any prefix of the log is a fully
// consistent state.
func (l *Log) ReadSnapshot(ctx context.Context) (*table.Snapshot, error) {
	snap, err := l.readSnapshot(ctx, -1)
	if err != nil {
		return nil, err
	}
	metrics.ActiveFiles.Set(float64(len(snap.ActiveFiles)))
	return snap, nil
}

// ReadSnapshotAt folds the log up to and including the given version
// (time travel). Fails if the version was never committed.
func (l *Log) ReadSnapshotAt(ctx context.Context, version int64) (*table.Snapshot, error) {
	if version < 0 {
		return nil, fmt.Errorf("read snapshot: version %d out of range", version)
	}
	return l.readSnapshot(ctx, version)
}

func (l *Log) readSnapshot(ctx context.Context, asOf int64) (*table.Snapshot, error) {
	snap, err := l.loadCheckpoint(ctx, asOf)
	if err != nil {
		return nil, err
	}

	start := snap.Version + 1
	v := start
	for {
		if asOf >= 0 && v > asOf {
			break
		}
		c, ok, err := l.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		snap.Apply(c)
		v++
	}

	if asOf >= 0 && snap.Version != asOf {
		return nil, fmt.Errorf("read snapshot: version %d not found (latest is %d)", asOf, snap.Version)
	}
	return snap, nil
}

// readCommit reads one commit record. ok is false when the version does not
// exist yet.
func (l *Log) readCommit(ctx context.Context, version int64) (table.Commit, bool, error) {
	path := commitPath(version)
	exists, err := l.storage.Exists(ctx, path)
	if err != nil {
		return table.Commit{}, false, err
	}
	if !exists {
		return table.Commit{}, false, nil
	}
	data, err := l.storage.Read(ctx, path)
	if err != nil {
		return table.Commit{}, false, err
	}
	var c table.Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return table.Commit{}, false, fmt.Errorf("parse commit v%d: %w", version, err)
	}
	return c, true, nil
}

// History returns commits from version lo through the latest, in order.
// Vacuum uses it to find expired tombstones without materializing snapshots
// per version.
func (l *Log) History(ctx context.Context, lo int64) ([]table.Commit, error) {
	if lo < 0 {
		lo = 0
	}
	var out []table.Commit
	for v := lo; ; v++ {
		c, ok, err := l.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c)
	}
}

// latestVersion returns the highest committed version, or -1 for an empty
// log. The version hint is advisory: it accelerates the scan but is always
// verified, so a stale or missing hint only costs time, never correctness.
func (l *Log) latestVersion(ctx context.Context) (int64, error) {
	start := int64(0)

	if data, err := l.storage.Read(ctx, hintPath); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && v >= 0 {
			if exists, err := l.storage.Exists(ctx, commitPath(v)); err == nil && exists {
				start = v
			}
		}
	}

	if exists, err := l.storage.Exists(ctx, commitPath(start)); err != nil {
		return -1, err
	} else if !exists {
		// Hint invalid and v0 missing: empty log (start==0 case).
		if start == 0 {
			return -1, nil
		}
	}

	v := start
	for {
		exists, err := l.storage.Exists(ctx, commitPath(v+1))
		if err != nil {
			return -1, err
		}
		if !exists {
			return v, nil
		}
		v++
	}
}

// publishHint advances the advisory latest-version hint. Only moves forward.
func (l *Log) publishHint(ctx context.Context, version int64) {
	if data, err := l.storage.Read(ctx, hintPath); err == nil {
		if cur, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && cur >= version {
			return
		}
	}
	if err := l.storage.Write(ctx, hintPath, []byte(strconv.FormatInt(version, 10))); err != nil {
		l.logger.Warn("failed to publish version hint", "version", version, "error", err)
	}
}
