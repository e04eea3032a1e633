package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Morditux/sessionpool/internal/logger"
)

const tracerName = "github.com/Morditux/sessionpool"

// ErrNoDriver is returned by NewManager when Config.Driver is nil.
var ErrNoDriver = errors.New("sessionpool: no driver configured")

// Manager owns the session registry and hands out attachments and
// transactions keyed by session id.
type Manager struct {
	driver         Driver
	sem            *semaphore
	reg            *registry
	closed         bool // guarded by sem
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	disposeTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
	metrics        Metrics
	tracer         trace.Tracer

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type Config struct {
	Driver Driver
	// IdleTimeout is how long an unreferenced session survives before the
	// reaper reclaims it.
	IdleTimeout time.Duration
	// SweepInterval is the reaper period. Defaults to IdleTimeout.
	SweepInterval time.Duration
	// DisableReaper skips the background sweep; Sweep can still be called.
	DisableReaper bool
	// DisposeTimeout bounds the teardown done by Close. Defaults to 30s.
	DisposeTimeout time.Duration
	Logger         *slog.Logger
	Metrics        Metrics
	TracerProvider trace.TracerProvider
	// Now overrides the clock used for idle accounting.
	Now func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Driver == nil {
		return nil, ErrNoDriver
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.With("component", "sessionpool")
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		driver:         cfg.Driver,
		sem:            newSemaphore(),
		reg:            newRegistry(),
		idleTimeout:    cfg.IdleTimeout,
		sweepInterval:  cfg.SweepInterval,
		disposeTimeout: cfg.DisposeTimeout,
		now:            cfg.Now,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.TracerProvider.Tracer(tracerName),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}

	if cfg.DisableReaper {
		close(m.done)
	} else {
		go m.reaper()
	}

	return m, nil
}

// lock acquires the registry semaphore.
func (m *Manager) lock(ctx context.Context) error {
	start := time.Now()
	err := m.sem.Acquire(ctx)
	m.observeLockWait(time.Since(start))
	return err
}

// lockAlways acquires the semaphore ignoring cancellation. Used where
// bookkeeping must be completed after I/O has already happened.
func (m *Manager) lockAlways() {
	_ = m.lock(context.Background())
}

func (m *Manager) unlock() {
	m.sem.Release()
}

// awaitPending blocks until the in-flight operation behind p has finished.
func awaitPending(ctx context.Context, p *pending) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandoned reports whether an in-flight operation failed only because the
// context of the caller running it ended. Waiters retry on their own context.
func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// acquire returns the live entry for id with one reference taken on behalf
// of the caller, connecting a new attachment if needed. At most one connect
// per session is in flight; concurrent callers for the same id wait for it
// while other sessions proceed.
func (m *Manager) acquire(ctx context.Context, op, id string) (*dbSession, error) {
	for {
		if err := m.lock(ctx); err != nil {
			return nil, opError(op, id, err, nil)
		}
		if m.closed {
			m.unlock()
			return nil, opError(op, id, ErrClosed, nil)
		}

		s := m.reg.get(id)
		switch {
		case s == nil:
			s = &dbSession{id: id, refs: 1, lastTouched: m.now(), opening: newPending()}
			m.reg.put(s)
			m.recordSessions()
			m.unlock()
			if err := m.open(ctx, op, s); err != nil {
				return nil, err
			}
			return s, nil

		case s.opening != nil:
			p := s.opening
			m.unlock()
			if err := awaitPending(ctx, p); err != nil {
				return nil, opError(op, id, err, nil)
			}
			if abandoned(p.err) {
				// The opener's context ended; connect again on ours.
				continue
			}
			if p.err != nil {
				return nil, opError(op, id, ErrConnection, p.err)
			}

		case !s.att.IsValid():
			if s.refs > 0 {
				m.unlock()
				return nil, opError(op, id, ErrStaleHandle,
					fmt.Errorf("attachment %s disconnected with %d references outstanding", s.att.ID(), s.refs))
			}
			m.reg.remove(s)
			m.recordSessions()
			m.unlock()
			m.log.Warn("discarding disconnected session", "session_id", id, "attachment_id", s.att.ID())
			m.teardown(ctx, s)

		default:
			s.refs++
			s.lastTouched = m.now()
			m.unlock()
			return s, nil
		}
	}
}

// open connects the attachment for a freshly registered entry and publishes
// the outcome to any waiters. On failure the entry is removed.
func (m *Manager) open(ctx context.Context, op string, s *dbSession) error {
	p := s.opening
	conn, err := m.connect(ctx, s.id)

	m.lockAlways()
	if err != nil || m.closed {
		m.reg.remove(s)
		m.recordSessions()
		s.opening = nil
		kind := ErrConnection
		if err == nil {
			kind = ErrClosed
			p.err = ErrClosed
		} else {
			p.err = err
		}
		close(p.done)
		m.unlock()

		if conn != nil {
			_ = conn.Close(context.Background())
		}
		return opError(op, s.id, kind, err)
	}

	s.att = newAttachment(s.id, conn, m.now())
	s.lastTouched = m.now()
	s.opening = nil
	close(p.done)
	m.unlock()

	m.log.Debug("attachment opened", "session_id", s.id, "attachment_id", s.att.ID())
	return nil
}

func (m *Manager) connect(ctx context.Context, id string) (Conn, error) {
	ctx, span := m.tracer.Start(ctx, "sessionpool.connect",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	start := time.Now()
	conn, err := m.driver.Connect(ctx)
	m.observeConnect(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		m.log.Error("connect failed", "session_id", id, "error", err)
	}
	return conn, err
}

func (m *Manager) begin(ctx context.Context, att *Attachment, opts TxOptions) (Tx, error) {
	ctx, span := m.tracer.Start(ctx, "sessionpool.begin",
		trace.WithAttributes(
			attribute.String("session.id", att.SessionID()),
			attribute.Bool("tx.read_only", opts.ReadOnly),
		))
	defer span.End()

	start := time.Now()
	tx, err := att.conn.BeginTx(ctx, opts)
	m.observeTxStart(opts.ReadOnly, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		m.log.Error("transaction start failed", "session_id", att.SessionID(), "read_only", opts.ReadOnly, "error", err)
	}
	return tx, err
}

// release drops one reference taken by a Get* or Start* call.
func (m *Manager) release(op, id string) error {
	m.lockAlways()
	defer m.unlock()

	if m.closed {
		return opError(op, id, ErrClosed, nil)
	}
	s := m.reg.get(id)
	if s == nil || s.opening != nil {
		return opError(op, id, ErrInvariantViolation, errors.New("release without a live session"))
	}
	if s.refs <= 0 {
		return opError(op, id, ErrInvariantViolation, errors.New("reference count is already zero"))
	}
	s.refs--
	s.lastTouched = m.now()
	if !s.att.IsValid() {
		return opError(op, id, ErrStaleHandle,
			fmt.Errorf("%w: attachment %s disconnected", ErrInvariantViolation, s.att.ID()))
	}
	return nil
}

// unref gives back a reference taken internally by a call that then failed.
func (m *Manager) unref(s *dbSession) {
	m.lockAlways()
	if s.refs > 0 {
		s.refs--
	}
	s.lastTouched = m.now()
	m.unlock()
}

// GetDBSession returns the session's attachment, connecting it on first use,
// and takes one reference that must be given back with ReleaseDBSession.
func (m *Manager) GetDBSession(ctx context.Context, sessionID string) (*Attachment, error) {
	s, err := m.acquire(ctx, "GetDBSession", sessionID)
	if err != nil {
		return nil, err
	}
	return s.att, nil
}

// ReleaseDBSession gives back a reference taken by GetDBSession. Releasing a
// session that holds no references returns ErrInvariantViolation. Releasing
// a session whose attachment died still drops the reference, so the entry
// can be pruned, and returns an error matching both ErrStaleHandle and
// ErrInvariantViolation.
func (m *Manager) ReleaseDBSession(sessionID string) error {
	return m.release("ReleaseDBSession", sessionID)
}

// GetReadTransaction returns the session's attachment and its long-lived
// read-only transaction, starting either if needed. One reference covers
// both and is given back with ReleaseReadTransaction.
func (m *Manager) GetReadTransaction(ctx context.Context, sessionID string) (*Attachment, *Transaction, error) {
	const op = "GetReadTransaction"
	s, err := m.acquire(ctx, op, sessionID)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.ensureReadTx(ctx, op, s)
	if err != nil {
		m.unref(s)
		return nil, nil, err
	}
	return s.att, tx, nil
}

// ensureReadTx returns a valid read transaction for s, which the caller
// holds a reference on.
func (m *Manager) ensureReadTx(ctx context.Context, op string, s *dbSession) (*Transaction, error) {
	for {
		if err := m.lock(ctx); err != nil {
			return nil, opError(op, s.id, err, nil)
		}
		if s.readTx != nil && s.readTx.IsValid() {
			tx := s.readTx
			m.unlock()
			return tx, nil
		}
		if p := s.txStarting; p != nil {
			m.unlock()
			if err := awaitPending(ctx, p); err != nil {
				return nil, opError(op, s.id, err, nil)
			}
			if abandoned(p.err) {
				continue
			}
			if p.err != nil {
				return nil, opError(op, s.id, ErrTransactionStart, p.err)
			}
			continue
		}

		old := s.readTx
		s.readTx = nil
		p := newPending()
		s.txStarting = p
		m.unlock()

		if old != nil {
			// Frees the connection for the new BEGIN on drivers that allow a
			// single transaction per connection.
			_ = old.rollback(ctx)
		}
		tx, err := m.begin(ctx, s.att, readTxOptions)

		m.lockAlways()
		s.txStarting = nil
		if err != nil {
			p.err = err
		} else {
			s.readTx = newTransaction(s.att, tx, true)
		}
		readTx := s.readTx
		close(p.done)
		m.unlock()

		if err != nil {
			return nil, opError(op, s.id, ErrTransactionStart, err)
		}
		m.log.Debug("read transaction started", "session_id", s.id, "tx_id", readTx.ID())
		return readTx, nil
	}
}

// ReleaseReadTransaction gives back the reference taken by
// GetReadTransaction. The read transaction itself stays open.
func (m *Manager) ReleaseReadTransaction(sessionID string) error {
	return m.release("ReleaseReadTransaction", sessionID)
}

// StartTransaction takes a reference on the session's attachment and starts
// a new read-write transaction that is not stored in the registry. It must
// be finished with ReleaseTransaction, CommitTransaction or
// RollbackTransaction.
func (m *Manager) StartTransaction(ctx context.Context, sessionID string) (*Attachment, *Transaction, error) {
	const op = "StartTransaction"
	s, err := m.acquire(ctx, op, sessionID)
	if err != nil {
		return nil, nil, err
	}
	tx, err := m.begin(ctx, s.att, writeTxOptions)
	if err != nil {
		m.unref(s)
		return nil, nil, opError(op, sessionID, ErrTransactionStart, err)
	}
	return s.att, newTransaction(s.att, tx, false), nil
}

func checkWriteTx(op, sessionID string, tx *Transaction) error {
	switch {
	case tx == nil:
		return opError(op, sessionID, ErrInvariantViolation, errors.New("nil transaction"))
	case tx.readOnly:
		return opError(op, sessionID, ErrInvariantViolation, errors.New("session read transaction cannot be finished by the caller"))
	case tx.att.sessionID != sessionID:
		return opError(op, sessionID, ErrInvariantViolation,
			fmt.Errorf("transaction belongs to session %q", tx.att.sessionID))
	}
	return nil
}

// ReleaseTransaction finishes a transaction from StartTransaction and gives
// back its reference. With commit set the transaction is committed,
// otherwise it is rolled back; a transaction that is already finished is
// left alone.
func (m *Manager) ReleaseTransaction(ctx context.Context, sessionID string, tx *Transaction, commit bool) error {
	const op = "ReleaseTransaction"
	if err := checkWriteTx(op, sessionID, tx); err != nil {
		return err
	}
	var endErr error
	if tx.IsValid() {
		endErr = m.finish(ctx, op, tx, commit)
	}
	return errors.Join(endErr, m.release(op, sessionID))
}

// CommitTransaction commits a transaction from StartTransaction and gives
// back its reference. Committing a finished transaction returns ErrStaleHandle
// but still releases the reference.
func (m *Manager) CommitTransaction(ctx context.Context, sessionID string, tx *Transaction) error {
	const op = "CommitTransaction"
	if err := checkWriteTx(op, sessionID, tx); err != nil {
		return err
	}
	var endErr error
	if tx.IsValid() {
		endErr = m.finish(ctx, op, tx, true)
	} else {
		endErr = opError(op, sessionID, ErrStaleHandle, errors.New("transaction already finished"))
	}
	return errors.Join(endErr, m.release(op, sessionID))
}

// RollbackTransaction rolls back a transaction from StartTransaction and
// gives back its reference. Rolling back a finished transaction is a no-op.
func (m *Manager) RollbackTransaction(ctx context.Context, sessionID string, tx *Transaction) error {
	const op = "RollbackTransaction"
	if err := checkWriteTx(op, sessionID, tx); err != nil {
		return err
	}
	var endErr error
	if tx.IsValid() {
		endErr = m.finish(ctx, op, tx, false)
	}
	return errors.Join(endErr, m.release(op, sessionID))
}

func (m *Manager) finish(ctx context.Context, op string, tx *Transaction, commit bool) error {
	outcome := "rollback"
	var err error
	if commit {
		outcome = "commit"
		err = tx.commit(ctx)
	} else {
		err = tx.rollback(ctx)
	}
	m.observeTxEnd(tx.readOnly, outcome, err)
	if err != nil {
		return opError(op, tx.att.sessionID, ErrTransactionEnd, err)
	}
	return nil
}

// WithReadTransaction runs fn inside the session's read transaction and
// releases the reference afterwards, also when fn panics.
func (m *Manager) WithReadTransaction(ctx context.Context, sessionID string, fn func(q *ReadScope) error) (err error) {
	scope, err := m.AcquireReadTransaction(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := scope.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn(scope)
}

// WithTransaction runs fn in a new write transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (m *Manager) WithTransaction(ctx context.Context, sessionID string, fn func(tx *Transaction) error) (err error) {
	_, tx, err := m.StartTransaction(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = m.RollbackTransaction(context.Background(), sessionID, tx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		return errors.Join(err, m.RollbackTransaction(ctx, sessionID, tx))
	}
	return m.CommitTransaction(ctx, sessionID, tx)
}
