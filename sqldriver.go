package sessionpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLConfig holds configuration for the database/sql driver.
type SQLConfig struct {
	// DriverName is "postgres" (github.com/lib/pq) or "sqlite" (modernc.org/sqlite).
	DriverName      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// NoWaitLockTimeout is the PostgreSQL lock_timeout used for no-wait transactions.
	NoWaitLockTimeout time.Duration
}

// SQLDriver opens attachments through database/sql. Its shared client is a
// *sql.DB opened on first Connect; each attachment pins one *sql.Conn.
type SQLDriver struct {
	cfg SQLConfig

	mu sync.Mutex
	db *sql.DB
}

// NewPostgreSQLDriver creates a lib/pq backed driver with default configuration.
func NewPostgreSQLDriver(dsn string) (*SQLDriver, error) {
	return NewSQLDriverWithConfig(SQLConfig{
		DriverName:      "postgres",
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewSQLiteDriver creates a modernc.org/sqlite backed driver.
func NewSQLiteDriver(dsn string) (*SQLDriver, error) {
	return NewSQLDriverWithConfig(SQLConfig{
		DriverName:   "sqlite",
		DSN:          dsn,
		MaxOpenConns: 16,
		MaxIdleConns: 16,
	})
}

// NewSQLDriverWithConfig creates a database/sql driver with custom configuration.
func NewSQLDriverWithConfig(cfg SQLConfig) (*SQLDriver, error) {
	switch cfg.DriverName {
	case "postgres":
	case "sqlite":
		// Inject PRAGMAs into the DSN so they apply to every connection.
		// WAL keeps long-lived readers from blocking writers; busy_timeout=0
		// makes a locked database fail immediately.
		if !strings.Contains(cfg.DSN, "journal_mode") {
			cfg.DSN = appendSQLitePragma(cfg.DSN, "journal_mode=WAL")
		}
		if !strings.Contains(cfg.DSN, "synchronous") {
			cfg.DSN = appendSQLitePragma(cfg.DSN, "synchronous=NORMAL")
		}
		if !strings.Contains(cfg.DSN, "busy_timeout") {
			cfg.DSN = appendSQLitePragma(cfg.DSN, "busy_timeout=0")
		}
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.DriverName)
	}
	if cfg.NoWaitLockTimeout <= 0 {
		cfg.NoWaitLockTimeout = time.Millisecond
	}
	return &SQLDriver{cfg: cfg}, nil
}

func appendSQLitePragma(dsn, pragma string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=%s", dsn, separator, pragma)
}

func (d *SQLDriver) client() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, nil
	}

	db, err := sql.Open(d.cfg.DriverName, d.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.cfg.DriverName, err)
	}

	// Configure connection pool
	if d.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.cfg.MaxOpenConns)
	}
	if d.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(d.cfg.MaxIdleConns)
	}
	if d.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(d.cfg.ConnMaxLifetime)
	}
	if d.cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(d.cfg.ConnMaxIdleTime)
	}

	d.db = db
	return db, nil
}

func (d *SQLDriver) Connect(ctx context.Context) (Conn, error) {
	db, err := d.client()
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.cfg.DriverName, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.cfg.DriverName, err)
	}
	c := &sqlConn{driver: d, db: db, conn: conn}
	if d.cfg.DriverName == "sqlite" {
		// The pinned connection only ever serves the read transaction.
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			_ = c.Close(ctx)
			return nil, fmt.Errorf("failed to configure sqlite connection: %w", err)
		}
	}
	return c, nil
}

func (d *SQLDriver) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db != nil
}

func (d *SQLDriver) Close() error {
	d.mu.Lock()
	db := d.db
	d.db = nil
	d.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (d *SQLDriver) txOptions(readOnly bool) *sql.TxOptions {
	opts := &sql.TxOptions{ReadOnly: readOnly}
	// SQLite is always serializable; only PostgreSQL takes an explicit level.
	if d.cfg.DriverName == "postgres" {
		opts.Isolation = sql.LevelReadCommitted
	}
	return opts
}

type sqlConn struct {
	driver *SQLDriver
	db     *sql.DB
	conn   *sql.Conn
	closed atomic.Bool
}

func (c *sqlConn) BeginTx(ctx context.Context, opts TxOptions) (Tx, error) {
	var (
		tx  *sql.Tx
		err error
	)
	if opts.ReadOnly && c.driver.cfg.DriverName == "sqlite" {
		return &sqliteReadTx{conn: c}, nil
	}

	owner := c
	if opts.ReadOnly {
		tx, err = c.conn.BeginTx(ctx, c.driver.txOptions(true))
	} else {
		// One transaction per physical connection: writes use the pool.
		owner = nil
		tx, err = c.db.BeginTx(ctx, c.driver.txOptions(false))
	}
	if err != nil {
		c.noteErr(err)
		return nil, err
	}

	if opts.NoWait && c.driver.cfg.DriverName == "postgres" {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.driver.cfg.NoWaitLockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, mapSQLError(err)
		}
	}
	return &sqlTx{tx: tx, conn: owner}, nil
}

// noteErr marks the connection dead when database/sql reports it unusable.
func (c *sqlConn) noteErr(err error) {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		c.closed.Store(true)
	}
}

func (c *sqlConn) IsValid() bool {
	return !c.closed.Load()
}

// Close disconnects the physical connection instead of returning it to the
// *sql.DB idle pool: returning driver.ErrBadConn from Raw makes database/sql
// discard it.
func (c *sqlConn) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// database/sql waits for open Rows before discarding the connection, so
	// the disconnect finishes in the background once they are closed.
	done := make(chan error, 1)
	go func() {
		_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
		done <- c.conn.Close()
	}()
	select {
	case err := <-done:
		if errors.Is(err, sql.ErrConnDone) {
			return nil
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("disconnect pending on open rows: %w", ctx.Err())
	}
}

type sqlTx struct {
	tx   *sql.Tx
	conn *sqlConn // nil for pooled write transactions
	done atomic.Bool
}

func (t *sqlTx) check(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	switch {
	case errors.Is(err, sql.ErrTxDone):
		t.done.Store(true)
	case errors.As(err, &pqErr) && t.done.CompareAndSwap(false, true):
		// PostgreSQL aborted the transaction; hand the connection back.
		_ = t.tx.Rollback()
	}
	if t.conn != nil {
		t.conn.noteErr(err)
	}
	return mapSQLError(err)
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, t.check(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// not every driver reports it
		return 0, nil
	}
	return n, nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.check(err)
	}
	return &sqlRows{rows: rows, check: t.check}, nil
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: t.tx.QueryRowContext(ctx, query, args...), check: t.check}
}

func (t *sqlTx) Commit(ctx context.Context) error {
	defer t.done.Store(true)
	return t.check(t.tx.Commit())
}

func (t *sqlTx) Rollback(ctx context.Context) error {
	defer t.done.Store(true)
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return t.check(err)
}

func (t *sqlTx) IsValid() bool {
	if t.done.Load() {
		return false
	}
	return t.conn == nil || t.conn.IsValid()
}

// sqliteReadTx is the SQLite session read transaction. Statements run in
// autocommit mode on the pinned query_only connection so that each one sees
// the latest committed data; a BEGIN would pin one WAL snapshot for the
// whole life of the session.
type sqliteReadTx struct {
	conn *sqlConn
	done atomic.Bool
}

func (t *sqliteReadTx) check(err error) error {
	if err == nil {
		return nil
	}
	t.conn.noteErr(err)
	return mapSQLError(err)
}

func (t *sqliteReadTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.conn.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, t.check(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (t *sqliteReadTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.conn.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.check(err)
	}
	return &sqlRows{rows: rows, check: t.check}, nil
}

func (t *sqliteReadTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{row: t.conn.conn.QueryRowContext(ctx, query, args...), check: t.check}
}

func (t *sqliteReadTx) Commit(ctx context.Context) error {
	t.done.Store(true)
	return nil
}

func (t *sqliteReadTx) Rollback(ctx context.Context) error {
	t.done.Store(true)
	return nil
}

func (t *sqliteReadTx) IsValid() bool {
	return !t.done.Load() && t.conn.IsValid()
}

type sqlRows struct {
	rows  *sql.Rows
	check func(error) error
}

func (r *sqlRows) Next() bool             { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...any) error { return r.check(r.rows.Scan(dest...)) }
func (r *sqlRows) Err() error             { return r.check(r.rows.Err()) }
func (r *sqlRows) Close()                 { _ = r.rows.Close() }

type sqlRow struct {
	row   *sql.Row
	check func(error) error
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return r.check(err)
}

// mapSQLError tags lib/pq lock_timeout failures and SQLite busy/locked
// results with ErrLockConflict.
func mapSQLError(err error) error {
	var (
		pqErr     *pq.Error
		sqliteErr *sqlite.Error
	)
	switch {
	case errors.As(err, &pqErr) && string(pqErr.Code) == pgLockNotAvailable:
		return fmt.Errorf("%w: %w", ErrLockConflict, err)
	case errors.As(err, &sqliteErr):
		// Extended result codes keep the primary code in the low byte.
		if code := sqliteErr.Code() & 0xff; code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED {
			return fmt.Errorf("%w: %w", ErrLockConflict, err)
		}
	}
	return err
}
