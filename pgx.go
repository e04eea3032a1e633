package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is SQLSTATE 55P03, raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// PgxConfig holds configuration for the pgx driver.
type PgxConfig struct {
	// DSN is a libpq style connection string or URL.
	DSN string
	// MaxConns bounds the shared pool used for write transactions.
	MaxConns int32
	// MaxConnIdleTime closes pooled write connections left idle that long.
	MaxConnIdleTime time.Duration
	// NoWaitLockTimeout is the lock_timeout used for no-wait transactions.
	NoWaitLockTimeout time.Duration
}

// PgxDriver opens PostgreSQL attachments with pgx. Its shared client is a
// *pgxpool.Pool created on first Connect. Each attachment is a connection
// hijacked out of that pool so the session owns it exclusively; write
// transactions run on ordinary pooled connections because PostgreSQL allows
// a single transaction per connection.
type PgxDriver struct {
	cfg PgxConfig

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPgxDriver creates a pgx driver with default settings.
func NewPgxDriver(dsn string) *PgxDriver {
	return NewPgxDriverWithConfig(PgxConfig{DSN: dsn})
}

// NewPgxDriverWithConfig creates a pgx driver with custom configuration.
func NewPgxDriverWithConfig(cfg PgxConfig) *PgxDriver {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	if cfg.MaxConnIdleTime <= 0 {
		cfg.MaxConnIdleTime = time.Minute
	}
	if cfg.NoWaitLockTimeout <= 0 {
		cfg.NoWaitLockTimeout = time.Millisecond
	}
	return &PgxDriver{cfg: cfg}
}

// client returns the shared pool, creating it if needed.
func (d *PgxDriver) client(ctx context.Context) (*pgxpool.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		return d.pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig(d.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.MaxConns = d.cfg.MaxConns
	poolConfig.MaxConnIdleTime = d.cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	d.pool = pool
	return pool, nil
}

func (d *PgxDriver) Connect(ctx context.Context) (Conn, error) {
	pool, err := d.client(ctx)
	if err != nil {
		return nil, err
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	conn := pc.Hijack()
	if err := conn.Ping(ctx); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}
	return &pgxConn{driver: d, conn: conn, pool: pool}, nil
}

func (d *PgxDriver) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pool != nil
}

func (d *PgxDriver) Close() error {
	d.mu.Lock()
	pool := d.pool
	d.pool = nil
	d.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	return nil
}

type pgxConn struct {
	driver *PgxDriver
	conn   *pgx.Conn
	pool   *pgxpool.Pool
}

func (c *pgxConn) BeginTx(ctx context.Context, opts TxOptions) (Tx, error) {
	txOpts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	var (
		tx   pgx.Tx
		err  error
		conn *pgx.Conn
	)
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
		conn = c.conn
		tx, err = c.conn.BeginTx(ctx, txOpts)
	} else {
		tx, err = c.pool.BeginTx(ctx, txOpts)
	}
	if err != nil {
		return nil, mapPgxError(err)
	}

	if opts.NoWait {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.driver.cfg.NoWaitLockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(context.Background())
			return nil, mapPgxError(err)
		}
	}
	return &pgxTx{tx: tx, conn: conn}, nil
}

func (c *pgxConn) IsValid() bool {
	return !c.conn.IsClosed()
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// pgxTx adapts pgx.Tx. After a server error PostgreSQL aborts the whole
// transaction, so the first such error rolls it back and marks it invalid.
type pgxTx struct {
	tx   pgx.Tx
	conn *pgx.Conn // nil for pooled write transactions
	done atomic.Bool
}

func (t *pgxTx) fail(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && t.done.CompareAndSwap(false, true) {
		_ = t.tx.Rollback(context.Background())
	}
	return mapPgxError(err)
}

func (t *pgxTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, t.fail(err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, t.fail(err)
	}
	return &pgxRows{Rows: rows, tx: t}, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgxRow{row: t.tx.QueryRow(ctx, query, args...), tx: t}
}

func (t *pgxTx) Commit(ctx context.Context) error {
	defer t.done.Store(true)
	return mapPgxError(t.tx.Commit(ctx))
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	defer t.done.Store(true)
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return mapPgxError(err)
}

func (t *pgxTx) IsValid() bool {
	if t.done.Load() {
		return false
	}
	return t.conn == nil || !t.conn.IsClosed()
}

type pgxRows struct {
	pgx.Rows
	tx *pgxTx
}

func (r *pgxRows) Scan(dest ...any) error {
	return r.tx.fail(r.Rows.Scan(dest...))
}

func (r *pgxRows) Err() error {
	return r.tx.fail(r.Rows.Err())
}

type pgxRow struct {
	row pgx.Row
	tx  *pgxTx
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return r.tx.fail(err)
}

// mapPgxError tags lock_timeout failures with ErrLockConflict.
func mapPgxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %w", ErrLockConflict, err)
	}
	return err
}
