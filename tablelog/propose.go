package tablelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/florinutz/laketx/internal/backoff"
	"github.com/florinutz/laketx/laketxerr"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/table"
)

// Proposal is a candidate commit. The log assigns the version number.
type Proposal struct {
	AddFiles     []table.AddFile
	RemoveFiles  []table.RemoveFile
	SchemaDelta  *table.Schema
	BatchID      string
	Housekeeping *table.HousekeepingInfo

	// Process labels metrics: "writer", "compactor", "vacuum".
	Process string
}

// ProposeCommit runs the optimistic commit protocol and returns the version
// the proposal landed at.
//
// Protocol: read the latest version V lock-free, take the table lock,
// re-read. If the log advanced past V, validate the proposal against the
// interleaved commits — a conflict (overlapping file paths) fails the
// commit, otherwise the proposal is rebased onto the new head. The commit
// record write is the atomic commit point; partial visibility is impossible
// because readers only ever see whole records.
//
// Lock contention retries on a bounded jittered schedule and surfaces
// laketxerr.LockBusyError on exhaustion. A proposal whose BatchID already
// appears in the log is an idempotent replay: the original version is
// returned and nothing is written.
func (l *Log) ProposeCommit(ctx context.Context, p Proposal) (int64, error) {
	if p.Process == "" {
		p.Process = "writer"
	}

	// Lock-free pre-check: replayed batches short-circuit without touching
	// the lock at all.
	snap, err := l.ReadSnapshot(ctx)
	if err != nil {
		return -1, fmt.Errorf("read snapshot: %w", err)
	}
	if p.BatchID != "" {
		if v, ok := snap.BatchIDs[p.BatchID]; ok {
			metrics.IdempotentReplays.Inc()
			l.logger.Info("batch already committed, replay is a no-op", "batch_id", p.BatchID, "version", v)
			return v, nil
		}
	}
	base := snap.Version

	sched := &backoff.Schedule{MaxAttempts: l.maxAttempts, Base: l.backoffBase, Cap: l.backoffCap}

	var lease lock.Lease
	for {
		lease, err = l.lock.Acquire(ctx, l.tableID, l.holderID, l.leaseDuration)
		if err == nil {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			break
		}
		if !errors.Is(err, laketxerr.ErrLockBusy) {
			return -1, fmt.Errorf("acquire lock: %w", err)
		}
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		metrics.CommitRetries.WithLabelValues(p.Process).Inc()
		ok, werr := sched.Wait(ctx)
		if werr != nil {
			return -1, werr
		}
		if !ok {
			return -1, &laketxerr.LockBusyError{Table: l.tableID, Holder: l.holderID, Attempts: sched.Attempt()}
		}
	}
	defer func() { _ = l.lock.Release(context.WithoutCancel(ctx), lease) }()

	// Re-read under the lock; rebase or reject if the head moved.
	latest, err := l.latestVersion(ctx)
	if err != nil {
		return -1, fmt.Errorf("re-read latest version: %w", err)
	}
	if latest > base {
		newBase, prior, err := l.validateRebase(ctx, p, base, latest)
		if err != nil {
			return -1, err
		}
		if prior >= 0 {
			metrics.IdempotentReplays.Inc()
			return prior, nil
		}
		base = newBase
	}

	version := base + 1
	commit := table.Commit{
		Version:      version,
		Timestamp:    l.now().UTC(),
		AddFiles:     p.AddFiles,
		RemoveFiles:  p.RemoveFiles,
		SchemaDelta:  p.SchemaDelta,
		BatchID:      p.BatchID,
		WriterID:     l.holderID,
		FencingToken: lease.Token,
		Housekeeping: p.Housekeeping,
	}

	// Liveness check right before the commit point: if the lease was
	// reclaimed while we validated, this write would be a late write from a
	// presumed-dead holder and must not happen.
	if lease, err = l.lock.Renew(ctx, lease, l.leaseDuration); err != nil {
		if errors.Is(err, laketxerr.ErrFenced) {
			metrics.CommitConflicts.WithLabelValues(p.Process).Inc()
			return -1, &laketxerr.CommitConflictError{
				Table:         l.tableID,
				BaseVersion:   base,
				LatestVersion: latest,
				Attempts:      sched.Attempt() + 1,
			}
		}
		return -1, fmt.Errorf("renew lease: %w", err)
	}

	data, err := json.MarshalIndent(commit, "", "  ")
	if err != nil {
		return -1, fmt.Errorf("marshal commit v%d: %w", version, err)
	}
	if err := l.storage.Write(ctx, commitPath(version), data); err != nil {
		return -1, fmt.Errorf("write commit v%d: %w", version, err)
	}

	// Read-back guard: if a fenced holder raced us onto the same version,
	// exactly one record survives; losing the race is a conflict, not
	// corruption.
	if ok, err := l.verifyCommit(ctx, version, commit); err != nil {
		return -1, err
	} else if !ok {
		metrics.CommitConflicts.WithLabelValues(p.Process).Inc()
		return -1, &laketxerr.CommitConflictError{
			Table:         l.tableID,
			BaseVersion:   base,
			LatestVersion: version,
			Attempts:      sched.Attempt() + 1,
		}
	}

	l.publishHint(ctx, version)
	l.maybeCheckpoint(ctx, version)

	metrics.CommitsTotal.WithLabelValues(p.Process).Inc()
	metrics.SnapshotVersion.Set(float64(version))
	l.logger.Info("commit applied",
		"version", version,
		"adds", len(p.AddFiles),
		"removes", len(p.RemoveFiles),
		"batch_id", p.BatchID,
	)
	return version, nil
}

// validateRebase checks the proposal against commits (base, latest]. It
// returns the new base on success, or the prior version (>= 0) when the
// proposal's batch id turns out to be already committed, or a
// CommitConflictError when file paths overlap.
func (l *Log) validateRebase(ctx context.Context, p Proposal, base, latest int64) (int64, int64, error) {
	proposed := make(map[string]struct{}, len(p.AddFiles)+len(p.RemoveFiles))
	for _, a := range p.AddFiles {
		proposed[a.Path] = struct{}{}
	}
	for _, r := range p.RemoveFiles {
		proposed[r.Path] = struct{}{}
	}

	var overlapping []string
	for v := base + 1; v <= latest; v++ {
		c, ok, err := l.readCommit(ctx, v)
		if err != nil {
			return -1, -1, err
		}
		if !ok {
			return -1, -1, fmt.Errorf("validate: commit v%d vanished mid-scan", v)
		}
		if p.BatchID != "" && c.BatchID == p.BatchID {
			return -1, c.Version, nil
		}
		for _, a := range c.AddFiles {
			if _, clash := proposed[a.Path]; clash {
				overlapping = append(overlapping, a.Path)
			}
		}
		for _, r := range c.RemoveFiles {
			if _, clash := proposed[r.Path]; clash {
				overlapping = append(overlapping, r.Path)
			}
		}
	}

	if len(overlapping) > 0 {
		metrics.CommitConflicts.WithLabelValues(p.Process).Inc()
		return -1, -1, &laketxerr.CommitConflictError{
			Table:         l.tableID,
			BaseVersion:   base,
			LatestVersion: latest,
			Paths:         overlapping,
			Attempts:      1,
		}
	}
	return latest, -1, nil
}

// verifyCommit re-reads a just-written commit record and checks it is ours.
func (l *Log) verifyCommit(ctx context.Context, version int64, want table.Commit) (bool, error) {
	got, ok, err := l.readCommit(ctx, version)
	if err != nil {
		return false, fmt.Errorf("verify commit v%d: %w", version, err)
	}
	if !ok {
		return false, fmt.Errorf("verify commit v%d: record missing after write", version)
	}
	return got.WriterID == want.WriterID && got.FencingToken == want.FencingToken, nil
}
