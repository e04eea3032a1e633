/*
Package sessionpool keeps database connections and transactions scoped to
client sessions.

Each session id owns at most one attachment (a dedicated connection) and one
long-lived read-only read committed transaction on it. Handlers borrow them
by reference: every Get call takes one reference and every Release call gives
it back. A background reaper commits the read transaction and disconnects
sessions that have been unreferenced for longer than the idle timeout; the
next request for that session transparently gets a fresh attachment.

Key Features:

  - One connect and one read transaction start per session, however many
    requests race for it.
  - A FIFO registry lock that is never held across network I/O, so a hung
    connect for one session does not stall the others.
  - Short-lived no-wait read-write transactions that fail fast with
    ErrLockConflict instead of queueing on row locks.
  - Drivers for PostgreSQL (jackc/pgx or lib/pq) and SQLite (modernc.org/sqlite,
    CGO-free).
  - Structured logging, Prometheus metrics and OpenTelemetry spans.

Usage:

	driver := sessionpool.NewPgxDriver("postgres://app@localhost/deals")
	mgr, err := sessionpool.NewManager(sessionpool.Config{
		Driver:      driver,
		IdleTimeout: 10 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer mgr.Close()

	http.HandleFunc("/deals", func(w http.ResponseWriter, r *http.Request) {
		scope, err := mgr.AcquireReadTransaction(r.Context(), sessionIDFrom(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer scope.Release()

		rows, err := scope.Query(r.Context(), "SELECT id, qty FROM deals")
		...
	})

Writes go through WithTransaction, which commits when the callback returns
nil and rolls back otherwise:

	err := mgr.WithTransaction(ctx, id, func(tx *sessionpool.Transaction) error {
		_, err := tx.Exec(ctx, "UPDATE deals SET qty = qty - 1 WHERE id = $1", dealID)
		return err
	})

Errors:

Every Manager failure is an *OpError carrying the operation, the session id
and one of the sentinel errors (ErrConnection, ErrTransactionStart,
ErrTransactionEnd, ErrInvariantViolation, ErrDoubleRelease, ErrStaleHandle,
ErrLockConflict, ErrClosed). Use errors.Is to classify them.

Thread Safety:

The Manager, Attachments and Transactions are safe for concurrent use.
Statements on one Transaction are serialized; a Rows holds the transaction
until it is closed.
*/
package sessionpool
