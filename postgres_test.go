package sessionpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Morditux/sessionpool/internal/logger"
)

var (
	pgOnce      sync.Once
	pgContainer *postgres.PostgresContainer
	pgDSN       string
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = testcontainers.TerminateContainer(pgContainer)
	}
	os.Exit(code)
}

// postgresDSN returns a DSN for a throwaway PostgreSQL database. It uses
// POSTGRES_TEST_DSN when set and otherwise starts a shared container.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		return dsn
	}

	pgOnce.Do(func() {
		ctx := context.Background()
		pgContainer, pgErr = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("sessionpool_test"),
			postgres.WithUsername("sessionpool"),
			postgres.WithPassword("sessionpool"),
			testcontainers.WithWaitStrategyAndDeadline(2*time.Minute,
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			),
		)
		if pgErr != nil {
			return
		}
		pgDSN, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	if pgErr != nil {
		t.Skipf("Skipping PostgreSQL test: %v (is Docker running?)", pgErr)
	}
	return pgDSN
}

type pgCase struct {
	name   string
	driver func(dsn string) (Driver, error)
}

var pgCases = []pgCase{
	{"pgx", func(dsn string) (Driver, error) { return NewPgxDriver(dsn), nil }},
	{"pq", func(dsn string) (Driver, error) { return NewPostgreSQLDriver(dsn) }},
}

// newPostgresManager returns a Manager over a fresh table named after the
// test, seeded with one row (id 1, qty 0).
func newPostgresManager(t *testing.T, c pgCase) (*Manager, string) {
	t.Helper()
	d, err := c.driver(postgresDSN(t))
	require.NoError(t, err)
	m, err := NewManager(Config{Driver: d, DisableReaper: true, Logger: logger.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	table := "deals_" + c.name
	ctx := context.Background()
	err = m.WithTransaction(ctx, "setup", func(tx *Transaction) error {
		for _, stmt := range []string{
			fmt.Sprintf("DROP TABLE IF EXISTS %s", table),
			fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, qty INTEGER NOT NULL)", table),
			fmt.Sprintf("INSERT INTO %s (id, qty) VALUES (1, 0)", table),
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return m, table
}

func countRows(ctx context.Context, t *testing.T, q interface {
	QueryRow(ctx context.Context, query string, args ...any) Row
}, table string) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestPostgresReadCommitted(t *testing.T) {
	for _, c := range pgCases {
		t.Run(c.name, func(t *testing.T) {
			m, table := newPostgresManager(t, c)
			ctx := context.Background()

			reader, err := m.AcquireReadTransaction(ctx, "reader")
			require.NoError(t, err)
			defer reader.Release()
			assert.Equal(t, 1, countRows(ctx, t, reader, table))

			_, tx, err := m.StartTransaction(ctx, "writer")
			require.NoError(t, err)
			_, err = tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (id, qty) VALUES (2, 5)", table))
			require.NoError(t, err)

			assert.Equal(t, 1, countRows(ctx, t, reader, table), "uncommitted rows are invisible")
			require.NoError(t, m.CommitTransaction(ctx, "writer", tx))
			assert.Equal(t, 2, countRows(ctx, t, reader, table), "committed rows become visible to the open read transaction")
		})
	}
}

func TestPostgresWriteTransactionAlongsideReadTransaction(t *testing.T) {
	for _, c := range pgCases {
		t.Run(c.name, func(t *testing.T) {
			m, table := newPostgresManager(t, c)
			ctx := context.Background()

			reader, err := m.AcquireReadTransaction(ctx, "s")
			require.NoError(t, err)

			_, err = reader.Exec(ctx, fmt.Sprintf("UPDATE %s SET qty = 1", table))
			assert.Error(t, err, "the session read transaction is read-only")

			// The failed statement may abort the read transaction; the next
			// acquire starts a new one.
			require.NoError(t, reader.Release())
			reader, err = m.AcquireReadTransaction(ctx, "s")
			require.NoError(t, err)

			err = m.WithTransaction(ctx, "s", func(tx *Transaction) error {
				_, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET qty = qty + 1 WHERE id = 1", table))
				return err
			})
			require.NoError(t, err)

			var qty int
			require.NoError(t, reader.QueryRow(ctx, fmt.Sprintf("SELECT qty FROM %s WHERE id = 1", table)).Scan(&qty))
			assert.Equal(t, 1, qty)
			assert.True(t, reader.IsValid())
			require.NoError(t, reader.Release())
		})
	}
}

func TestPostgresLockConflict(t *testing.T) {
	for _, c := range pgCases {
		t.Run(c.name, func(t *testing.T) {
			m, table := newPostgresManager(t, c)
			ctx := context.Background()
			update := fmt.Sprintf("UPDATE %s SET qty = qty + 1 WHERE id = 1", table)

			_, holder, err := m.StartTransaction(ctx, "a")
			require.NoError(t, err)
			_, err = holder.Exec(ctx, update)
			require.NoError(t, err)

			_, blocked, err := m.StartTransaction(ctx, "b")
			require.NoError(t, err)
			start := time.Now()
			_, err = blocked.Exec(ctx, update)
			require.ErrorIs(t, err, ErrLockConflict)
			assert.Less(t, time.Since(start), 5*time.Second, "no-wait must not block on the row lock")
			assert.False(t, blocked.IsValid(), "the failed transaction is aborted")

			require.NoError(t, m.RollbackTransaction(ctx, "b", blocked))
			require.NoError(t, m.CommitTransaction(ctx, "a", holder))
		})
	}
}

func TestPostgresReapDisconnects(t *testing.T) {
	for _, c := range pgCases {
		t.Run(c.name, func(t *testing.T) {
			m, table := newPostgresManager(t, c)
			ctx := context.Background()

			att, tx, err := m.GetReadTransaction(ctx, "idle")
			require.NoError(t, err)
			assert.Equal(t, 1, countRows(ctx, t, tx, table))
			require.NoError(t, m.ReleaseReadTransaction("idle"))

			m.idleTimeout = 0
			assert.Equal(t, 1, m.Sweep(ctx))
			assert.False(t, att.IsValid())
			assert.False(t, tx.IsValid())

			att2, tx2, err := m.GetReadTransaction(ctx, "idle")
			require.NoError(t, err)
			assert.NotEqual(t, att.ID(), att2.ID())
			assert.Equal(t, 1, countRows(ctx, t, tx2, table))
			require.NoError(t, m.ReleaseReadTransaction("idle"))
		})
	}
}

func TestPostgresCloseDisposesClient(t *testing.T) {
	for _, c := range pgCases {
		t.Run(c.name, func(t *testing.T) {
			d, err := c.driver(postgresDSN(t))
			require.NoError(t, err)
			m, err := NewManager(Config{Driver: d, DisableReaper: true, Logger: logger.Discard()})
			require.NoError(t, err)
			assert.False(t, d.Live(), "the client is created on first use")

			att, err := m.GetDBSession(context.Background(), "s")
			require.NoError(t, err)
			assert.True(t, d.Live())

			require.NoError(t, m.Close())
			assert.False(t, att.IsValid())
			assert.False(t, d.Live())
		})
	}
}
