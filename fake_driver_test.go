package sessionpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeDriver counts connects and transaction starts and lets tests inject
// failures or block inside Connect.
type fakeDriver struct {
	connects atomic.Int32
	begins   atomic.Int32
	closes   atomic.Int32

	mu          sync.Mutex
	live        bool
	conns       []*fakeConn
	connectErr  error
	beginErr    error
	commitErr   error
	connectHook func(ctx context.Context, n int32) error
	beginHook   func(ctx context.Context, n int32) error
	connectWait time.Duration
}

func (d *fakeDriver) Connect(ctx context.Context) (Conn, error) {
	n := d.connects.Add(1)
	d.mu.Lock()
	hook, err, delay := d.connectHook, d.connectErr, d.connectWait
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = true
	c := &fakeConn{driver: d, n: n}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *fakeDriver) Close() error {
	d.closes.Add(1)
	d.mu.Lock()
	d.live = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) setBeginErr(err error) {
	d.mu.Lock()
	d.beginErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) setCommitErr(err error) {
	d.mu.Lock()
	d.commitErr = err
	d.mu.Unlock()
}

type fakeConn struct {
	driver *fakeDriver
	n      int32
	closed atomic.Bool
	begins atomic.Int32
}

func (c *fakeConn) BeginTx(ctx context.Context, opts TxOptions) (Tx, error) {
	n := c.driver.begins.Add(1)
	c.driver.mu.Lock()
	hook, err := c.driver.beginHook, c.driver.beginErr
	c.driver.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, n); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, errors.New("fake: connection closed")
	}
	c.begins.Add(1)
	return &fakeTx{conn: c, opts: opts}, nil
}

func (c *fakeConn) IsValid() bool { return !c.closed.Load() }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

type fakeTx struct {
	conn      *fakeConn
	opts      TxOptions
	done      atomic.Bool
	committed atomic.Bool
	execs     atomic.Int32
}

func (t *fakeTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	t.execs.Add(1)
	return 1, nil
}

func (t *fakeTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return &fakeRows{n: 2}, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return fakeRow{}
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.conn.driver.mu.Lock()
	err := t.conn.driver.commitErr
	t.conn.driver.mu.Unlock()
	t.done.Store(true)
	if err != nil {
		return err
	}
	t.committed.Store(true)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.done.Store(true)
	return nil
}

func (t *fakeTx) IsValid() bool {
	return !t.done.Load() && !t.conn.closed.Load()
}

type fakeRows struct{ n int }

func (r *fakeRows) Next() bool {
	if r.n == 0 {
		return false
	}
	r.n--
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = r.n
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeRow struct{}

func (fakeRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = 1
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
