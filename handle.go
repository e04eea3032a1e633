package sessionpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Attachment is a pooled connection owned by exactly one session entry.
// Handles are never reused: once reaped, a session gets a new Attachment
// with a new ID.
type Attachment struct {
	id        string
	sessionID string
	openedAt  time.Time
	conn      Conn
}

func newAttachment(sessionID string, conn Conn, now time.Time) *Attachment {
	return &Attachment{
		id:        uuid.NewString(),
		sessionID: sessionID,
		openedAt:  now,
		conn:      conn,
	}
}

// ID uniquely identifies this attachment for the life of the process.
func (a *Attachment) ID() string { return a.id }

// SessionID returns the session the attachment belongs to.
func (a *Attachment) SessionID() string { return a.sessionID }

// OpenedAt returns when the attachment was connected.
func (a *Attachment) OpenedAt() time.Time { return a.openedAt }

// IsValid reports whether the underlying connection is still open.
func (a *Attachment) IsValid() bool { return a.conn != nil && a.conn.IsValid() }

// Conn exposes the driver connection.
func (a *Attachment) Conn() Conn { return a.conn }

// Transaction wraps a driver transaction. Statements issued through it are
// serialized, so concurrent requests sharing a session's read transaction
// never interleave on the same connection. A Rows holds the transaction until
// closed and a Row until scanned; a statement waiting for it gives up with
// ErrBusy when its context ends.
type Transaction struct {
	id       string
	att      *Attachment
	readOnly bool

	guard *semaphore
	tx    Tx
}

func newTransaction(att *Attachment, tx Tx, readOnly bool) *Transaction {
	return &Transaction{
		id:       uuid.NewString(),
		att:      att,
		readOnly: readOnly,
		guard:    newSemaphore(),
		tx:       tx,
	}
}

// ID uniquely identifies the transaction.
func (t *Transaction) ID() string { return t.id }

// ReadOnly reports whether this is a session read transaction.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// Attachment returns the attachment the transaction was started on.
func (t *Transaction) Attachment() *Attachment { return t.att }

// IsValid reports whether the transaction can still run statements.
func (t *Transaction) IsValid() bool {
	return t.tx.IsValid() && t.att.IsValid()
}

func (t *Transaction) stale(op string) error {
	return opError(op, t.att.sessionID, ErrStaleHandle, nil)
}

// hold takes the statement guard. The caller must call t.guard.Release.
func (t *Transaction) hold(ctx context.Context, op string) error {
	if err := t.guard.Acquire(ctx); err != nil {
		return opError(op, t.att.sessionID, ErrBusy, err)
	}
	return nil
}

func (t *Transaction) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := t.hold(ctx, "Exec"); err != nil {
		return 0, err
	}
	defer t.guard.Release()
	if !t.IsValid() {
		return 0, t.stale("Exec")
	}
	return t.tx.Exec(ctx, query, args...)
}

func (t *Transaction) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if err := t.hold(ctx, "Query"); err != nil {
		return nil, err
	}
	if !t.IsValid() {
		t.guard.Release()
		return nil, t.stale("Query")
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		t.guard.Release()
		return nil, err
	}
	return &lockedRows{Rows: rows, unlock: t.guard.Release}, nil
}

func (t *Transaction) QueryRow(ctx context.Context, query string, args ...any) Row {
	if err := t.hold(ctx, "QueryRow"); err != nil {
		return errRow{err: err}
	}
	if !t.IsValid() {
		t.guard.Release()
		return errRow{err: t.stale("QueryRow")}
	}
	return &lockedRow{row: t.tx.QueryRow(ctx, query, args...), unlock: t.guard.Release}
}

func (t *Transaction) commit(ctx context.Context) error {
	if err := t.hold(ctx, "Commit"); err != nil {
		return err
	}
	defer t.guard.Release()
	return t.tx.Commit(ctx)
}

func (t *Transaction) rollback(ctx context.Context) error {
	if err := t.hold(ctx, "Rollback"); err != nil {
		return err
	}
	defer t.guard.Release()
	return t.tx.Rollback(ctx)
}

type lockedRows struct {
	Rows
	once   sync.Once
	unlock func()
}

func (r *lockedRows) Close() {
	r.Rows.Close()
	r.once.Do(r.unlock)
}

type lockedRow struct {
	row    Row
	once   sync.Once
	unlock func()
}

func (r *lockedRow) Scan(dest ...any) error {
	defer r.once.Do(r.unlock)
	return r.row.Scan(dest...)
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
