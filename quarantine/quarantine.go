// Package quarantine stores batches rejected by schema validation so they
// can be inspected and replayed after a producer fix. Quarantined batches
// never reach the transaction log.
package quarantine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/florinutz/laketx/metrics"
	"github.com/florinutz/laketx/record"
)

// Entry is one quarantined batch with the violation that rejected it.
type Entry struct {
	Batch     record.Batch `json:"batch"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// Store receives batches that failed schema validation.
type Store interface {
	Quarantine(ctx context.Context, batch record.Batch, cause error) error
	Close() error
}

// ── Stderr ──────────────────────────────────────────────────────────────────

// Stderr writes quarantined batches as JSON lines to stderr.
type Stderr struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
}

// NewStderr creates a Store that writes JSON lines to stderr.
func NewStderr(logger *slog.Logger) *Stderr {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stderr{
		enc:    json.NewEncoder(os.Stderr),
		logger: logger.With("component", "quarantine"),
	}
}

// newStderrTo is the injectable variant for tests.
func newStderrTo(w io.Writer, logger *slog.Logger) *Stderr {
	s := NewStderr(logger)
	s.enc = json.NewEncoder(w)
	return s
}

func (s *Stderr) Quarantine(_ context.Context, batch record.Batch, cause error) error {
	e := Entry{
		Batch:     batch,
		Reason:    cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("encode quarantine entry: %w", err)
	}
	metrics.BatchesQuarantined.Inc()
	s.logger.Warn("batch quarantined", "batch_id", batch.ID, "records", len(batch.Records), "reason", cause.Error())
	return nil
}

func (s *Stderr) Close() error { return nil }

// ── Postgres ────────────────────────────────────────────────────────────────

const defaultTable = "laketx_quarantine"

const createTableSQL = `CREATE TABLE IF NOT EXISTS %s (
    id          bigserial PRIMARY KEY,
    batch_id    text NOT NULL,
    reason      text NOT NULL,
    payload     jsonb NOT NULL,
    created_at  timestamptz NOT NULL DEFAULT now(),
    replayed_at timestamptz
)`

// Postgres writes quarantined batches to a PostgreSQL table. The table is
// created on first use.
type Postgres struct {
	dbURL     string
	logger    *slog.Logger
	mu        sync.Mutex
	conn      *pgx.Conn
	insertSQL string
	createSQL string
}

// NewPostgres creates a Store backed by a PostgreSQL table.
func NewPostgres(dbURL, table string, logger *slog.Logger) *Postgres {
	if table == "" {
		table = defaultTable
	}
	if logger == nil {
		logger = slog.Default()
	}
	safe := pgx.Identifier{table}.Sanitize()
	return &Postgres{
		dbURL:     dbURL,
		logger:    logger.With("component", "quarantine"),
		insertSQL: fmt.Sprintf(`INSERT INTO %s (batch_id, reason, payload) VALUES ($1, $2, $3)`, safe),
		createSQL: fmt.Sprintf(createTableSQL, safe),
	}
}

func (p *Postgres) ensureConn(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}
	conn, err := pgx.Connect(ctx, p.dbURL)
	if err != nil {
		return fmt.Errorf("quarantine connect: %w", err)
	}
	if _, err := conn.Exec(ctx, p.createSQL); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("quarantine ensure table: %w", err)
	}
	p.conn = conn
	return nil
}

func (p *Postgres) Quarantine(ctx context.Context, batch record.Batch, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConn(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal quarantined batch: %w", err)
	}
	if _, err := p.conn.Exec(ctx, p.insertSQL, batch.ID, cause.Error(), payload); err != nil {
		return fmt.Errorf("insert quarantine entry: %w", err)
	}
	metrics.BatchesQuarantined.Inc()
	p.logger.Warn("batch quarantined", "batch_id", batch.ID, "records", len(batch.Records), "reason", cause.Error())
	return nil
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(context.Background())
	p.conn = nil
	return err
}
