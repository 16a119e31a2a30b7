package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/florinutz/laketx/laketxerr"
)

// Postgres implements Coordinator on a PostgreSQL table using conditional
// upserts. Rows are never deleted: releasing expires the lease in place and
// the fencing token column keeps increasing across reclaims, which is what
// makes late writes from a presumed-dead holder detectable.
type Postgres struct {
	conn         *pgx.Conn
	tableCreated bool
	logger       *slog.Logger
}

// NewPostgres connects to PostgreSQL and returns a lock coordinator.
// The laketx_locks table is auto-created on first use.
func NewPostgres(ctx context.Context, connStr string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("lock store connect: %w", err)
	}
	return &Postgres{
		conn:   conn,
		logger: logger.With("component", "lock-postgres"),
	}, nil
}

func (p *Postgres) ensureTable(ctx context.Context) error {
	if p.tableCreated {
		return nil
	}
	_, err := p.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS laketx_locks (
			table_id      TEXT PRIMARY KEY,
			holder_id     TEXT NOT NULL,
			lease_expiry  TIMESTAMPTZ NOT NULL,
			fencing_token BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create lock table: %w", err)
	}
	p.tableCreated = true
	return nil
}

func (p *Postgres) Acquire(ctx context.Context, tableID, holder string, leaseDuration time.Duration) (Lease, error) {
	if err := p.ensureTable(ctx); err != nil {
		return Lease{}, err
	}

	// Insert wins when no row exists; the conditional update wins only when
	// the previous lease has expired, bumping the fencing token.
	var token int64
	var expiry time.Time
	err := p.conn.QueryRow(ctx, `
		INSERT INTO laketx_locks (table_id, holder_id, lease_expiry, fencing_token)
		VALUES ($1, $2, now() + $3, 1)
		ON CONFLICT (table_id) DO UPDATE
		SET holder_id     = EXCLUDED.holder_id,
		    lease_expiry  = now() + $3,
		    fencing_token = laketx_locks.fencing_token + 1
		WHERE laketx_locks.lease_expiry <= now()
		RETURNING fencing_token, lease_expiry
	`, tableID, holder, leaseDuration).Scan(&token, &expiry)

	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, &laketxerr.LockBusyError{Table: tableID, Holder: "unknown", Attempts: 1}
	}
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lock: %w", err)
	}
	if token > 1 {
		p.logger.Info("reclaimed expired lease", "table", tableID, "token", token)
	}
	return Lease{TableID: tableID, Holder: holder, Token: token, Expiry: expiry}, nil
}

func (p *Postgres) Renew(ctx context.Context, lease Lease, leaseDuration time.Duration) (Lease, error) {
	var expiry time.Time
	err := p.conn.QueryRow(ctx, `
		UPDATE laketx_locks
		SET lease_expiry = now() + $4
		WHERE table_id = $1 AND holder_id = $2 AND fencing_token = $3
		  AND lease_expiry > now()
		RETURNING lease_expiry
	`, lease.TableID, lease.Holder, lease.Token, leaseDuration).Scan(&expiry)

	if errors.Is(err, pgx.ErrNoRows) {
		return Lease{}, laketxerr.ErrFenced
	}
	if err != nil {
		return Lease{}, fmt.Errorf("renew lock: %w", err)
	}
	lease.Expiry = expiry
	return lease, nil
}

func (p *Postgres) Release(ctx context.Context, lease Lease) error {
	_, err := p.conn.Exec(ctx, `
		UPDATE laketx_locks
		SET lease_expiry = to_timestamp(0)
		WHERE table_id = $1 AND holder_id = $2 AND fencing_token = $3
	`, lease.TableID, lease.Holder, lease.Token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (p *Postgres) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.conn.Close(ctx)
}
