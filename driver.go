package sessionpool

import (
	"context"
)

// TxOptions describes the transaction a driver must start. Every transaction
// runs at read committed isolation (record versions, no read locks).
type TxOptions struct {
	ReadOnly bool
	// NoWait makes a conflicting lock fail immediately with ErrLockConflict.
	NoWait bool
}

var (
	readTxOptions  = TxOptions{ReadOnly: true, NoWait: true}
	writeTxOptions = TxOptions{ReadOnly: false, NoWait: true}
)

// Row is a single result row. It must be scanned exactly once.
type Row interface {
	Scan(dest ...any) error
}

// Rows is a streaming result set. Close must always be called.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier is the query surface handed to callers together with a transaction.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Driver opens attachments to the database. A Driver owns the shared
// low-level client (pool, *sql.DB, ...) and releases it in Close.
type Driver interface {
	// Connect opens a new exclusive attachment.
	Connect(ctx context.Context) (Conn, error)
	// Live reports whether the shared client is currently initialized.
	Live() bool
	// Close disposes the shared client. Connect may recreate it.
	Close() error
}

// Conn is one attachment. Several transactions may be open on it at the same
// time; a driver whose database allows only one transaction per physical
// connection runs write transactions on pooled connections of its client.
type Conn interface {
	BeginTx(ctx context.Context, opts TxOptions) (Tx, error)
	IsValid() bool
	Close(ctx context.Context) error
}

// Tx is a driver transaction.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	IsValid() bool
}
