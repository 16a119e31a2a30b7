// Package laketx orchestrates the writer, compactor, and vacuum processes of
// one transactional table into a running daemon. It is the primary entry
// point for using laketx as a library.
package laketx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florinutz/laketx/blob"
	"github.com/florinutz/laketx/compactor"
	"github.com/florinutz/laketx/health"
	"github.com/florinutz/laketx/internal/safegoroutine"
	"github.com/florinutz/laketx/lock"
	"github.com/florinutz/laketx/quarantine"
	"github.com/florinutz/laketx/record"
	"github.com/florinutz/laketx/tablelog"
	"github.com/florinutz/laketx/vacuum"
	"github.com/florinutz/laketx/writer"
)

// Daemon runs the three table processes against one table. Each process
// holds its own Log handle, so their lock holder identities stay distinct.
type Daemon struct {
	tableID string
	storage blob.Storage
	coord   lock.Coordinator
	source  record.Source
	quar    quarantine.Store
	health  *health.Checker
	logger  *slog.Logger

	writerCfg    writer.Config
	compactorCfg compactor.Config
	vacuumCfg    vacuum.Config

	compactInterval time.Duration
	vacuumInterval  time.Duration

	compactionOff bool
	vacuumOff     bool
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithHealthChecker sets the health checker. If not set, a new checker is
// created with the three processes registered.
func WithHealthChecker(c *health.Checker) Option {
	return func(d *Daemon) { d.health = c }
}

// WithQuarantine sets the store for schema-violating batches. Defaults to
// JSON lines on stderr.
func WithQuarantine(q quarantine.Store) Option {
	return func(d *Daemon) { d.quar = q }
}

// WithWriterConfig overrides writer tuning. Source, Log, and Storage fields
// are managed by the daemon.
func WithWriterConfig(cfg writer.Config) Option {
	return func(d *Daemon) { d.writerCfg = cfg }
}

// WithCompactorConfig overrides compaction tuning.
func WithCompactorConfig(cfg compactor.Config) Option {
	return func(d *Daemon) { d.compactorCfg = cfg }
}

// WithVacuumConfig overrides vacuum tuning.
func WithVacuumConfig(cfg vacuum.Config) Option {
	return func(d *Daemon) { d.vacuumCfg = cfg }
}

// WithCompactionInterval sets how often compaction scans. Defaults to 1m.
func WithCompactionInterval(i time.Duration) Option {
	return func(d *Daemon) { d.compactInterval = i }
}

// WithVacuumInterval sets how often vacuum scans. Defaults to 1h.
func WithVacuumInterval(i time.Duration) Option {
	return func(d *Daemon) { d.vacuumInterval = i }
}

// WithoutCompaction disables the compaction process.
func WithoutCompaction() Option {
	return func(d *Daemon) { d.compactionOff = true }
}

// WithoutVacuum disables the vacuum process.
func WithoutVacuum() Option {
	return func(d *Daemon) { d.vacuumOff = true }
}

// NewDaemon creates a Daemon for one table. Call Run to start it.
func NewDaemon(tableID string, storage blob.Storage, coord lock.Coordinator, source record.Source, opts ...Option) *Daemon {
	d := &Daemon{
		tableID:         tableID,
		storage:         storage,
		coord:           coord,
		source:          source,
		compactInterval: time.Minute,
		vacuumInterval:  vacuum.DefaultInterval,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.quar == nil {
		d.quar = quarantine.NewStderr(d.logger)
	}
	if d.health == nil {
		d.health = health.NewChecker()
		d.health.Register("writer")
		if !d.compactionOff {
			d.health.Register("compactor")
		}
		if !d.vacuumOff {
			d.health.Register("vacuum")
		}
	}
	return d
}

func (d *Daemon) newLog() *tablelog.Log {
	return tablelog.New(tablelog.Config{
		TableID: d.tableID,
		Storage: d.storage,
		Lock:    d.coord,
		Logger:  d.logger,
	})
}

// Log returns a fresh Log handle on the daemon's table, for callers that
// want to read snapshots alongside the running processes.
func (d *Daemon) Log() *tablelog.Log { return d.newLog() }

// Health returns the daemon's health checker.
func (d *Daemon) Health() *health.Checker { return d.health }

// Run starts the processes and blocks until ctx is cancelled or a fatal
// error occurs. The returned error is nil on clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	wcfg := d.writerCfg
	wcfg.Source = d.source
	wcfg.Log = d.newLog()
	wcfg.Storage = d.storage
	wcfg.Quarantine = d.quar
	wcfg.Logger = d.logger
	w := writer.New(wcfg)
	safegoroutine.Go(g, d.logger, "writer", func() error {
		d.logger.Info("writer started", "table", d.tableID)
		d.health.SetStatus("writer", health.StatusUp)
		defer d.health.SetStatus("writer", health.StatusDown)
		return w.Run(gCtx)
	})

	if !d.compactionOff {
		ccfg := d.compactorCfg
		ccfg.Log = d.newLog()
		ccfg.Storage = d.storage
		ccfg.Logger = d.logger
		c := compactor.New(ccfg)
		safegoroutine.Go(g, d.logger, "compactor", func() error {
			d.logger.Info("compactor started", "table", d.tableID, "interval", d.compactInterval)
			d.health.SetStatus("compactor", health.StatusUp)
			defer d.health.SetStatus("compactor", health.StatusDown)
			return c.Run(gCtx, d.compactInterval)
		})
	}

	if !d.vacuumOff {
		vcfg := d.vacuumCfg
		vcfg.Log = d.newLog()
		vcfg.Storage = d.storage
		vcfg.Logger = d.logger
		v := vacuum.New(vcfg)
		safegoroutine.Go(g, d.logger, "vacuum", func() error {
			d.logger.Info("vacuum started", "table", d.tableID, "interval", d.vacuumInterval)
			d.health.SetStatus("vacuum", health.StatusUp)
			defer d.health.SetStatus("vacuum", health.StatusDown)
			return v.Run(gCtx, d.vacuumInterval)
		})
	}

	// gCtx is cancelled as soon as any process fails, so it cannot tell a
	// fatal error apart from a requested shutdown. Only cancellation of the
	// parent ctx counts as clean.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("daemon stopped on process failure", "table", d.tableID, "error", err)
		return err
	}
	return nil
}
