package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/internal/backend/backendtest"
	"github.com/tracegrid/tracegrid/pkg/model"
)

func setupTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = filepath.Join(t.TempDir(), "tracegrid.db")
	}
	s, err := Open(context.Background(), SQLite, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteContract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return setupTestStore(t, Config{})
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t, Config{})
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), SQLite, Config{})
	require.Error(t, err)
}

func TestPoolExhaustionIsStorageUnavailable(t *testing.T) {
	s := setupTestStore(t, Config{MaxOpenConns: 1, AcquireTimeout: 50 * time.Millisecond})
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	tx, err := s.Begin(ctx, "s1")
	require.NoError(t, err)

	_, err = s.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "admin"))
	assert.True(t, model.IsStorageUnavailable(err), "got %v", err)

	require.NoError(t, tx.Rollback())
	_, err = s.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "admin"))
	assert.True(t, model.IsNotFound(err), "got %v", err)
}

func TestCanceledContextKeepsCause(t *testing.T) {
	s := setupTestStore(t, Config{})
	defer func() { _ = s.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Begin(ctx, "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.KindInternal, model.KindOf(err))
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s := setupTestStore(t, Config{DSN: path})
	tx, err := s.Begin(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, tx.InsertCommit(ctx, model.Commit{ServiceID: "s1", CommitNum: 1, CommitID: "c1"}))
	require.NoError(t, tx.SaveUndo(ctx, []backend.UndoEntry{{ServiceID: "s1", CommitNum: 1, Entity: model.EntityAgent, Key: "pk"}}))
	require.NoError(t, tx.Commit())
	require.NoError(t, s.Close())

	s = setupTestStore(t, Config{DSN: path})
	defer func() { _ = s.Close() }()
	head, err := s.CommitHead(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "c1", head.CommitID)

	tx, err = s.Begin(ctx, "s1")
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	entries, err := tx.LoadUndoAfter(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?) LIMIT ?`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3) LIMIT $4`, Postgres.rebind(q))

	// generated statements keep their shape after rebinding
	insert := Postgres.rebind(`INSERT INTO commits (` + commitColumns + `) VALUES (` + placeholders(5) + `)`)
	assert.Contains(t, insert, `VALUES ($1, $2, $3, $4, $5)`)
	assert.Contains(t, Postgres.rebind(Postgres.insertRowSQL("roles")), `VALUES ($1, $2, $3, $4, $5)`)
}

func TestListBatchesByStatusExpandsStatuses(t *testing.T) {
	s := setupTestStore(t, Config{})
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []model.BatchStatus{model.BatchPending, model.BatchUnknown, model.BatchValid, model.BatchPending} {
		require.NoError(t, s.InsertBatch(ctx, model.Batch{
			BatchID:     fmt.Sprintf("b%d", i),
			ServiceID:   "s1",
			Status:      status,
			SubmittedAt: at.Add(time.Duration(i) * time.Second),
			UpdatedAt:   at,
		}))
	}

	got, err := s.ListBatchesByStatus(ctx, []model.BatchStatus{model.BatchPending, model.BatchUnknown}, 10)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, b := range got {
		ids[i] = b.BatchID
	}
	assert.Equal(t, []string{"b0", "b1", "b3"}, ids)

	got, err = s.ListBatchesByStatus(ctx, []model.BatchStatus{model.BatchPending}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b0", got[0].BatchID)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, model.KindConflict},
		{"connection failure", &pgconn.PgError{Code: "08006"}, model.KindStorageUnavailable},
		{"too many connections", &pgconn.PgError{Code: "53300"}, model.KindStorageUnavailable},
		{"syntax error", &pgconn.PgError{Code: "42601"}, model.KindInternal},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}), model.KindConflict},
		{"plain", errors.New("boom"), model.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyPostgres(tt.err))
		})
	}
}

func TestWrapKeepsTypedErrors(t *testing.T) {
	nf := model.NotFound("x", "missing")
	assert.Same(t, error(nf), Postgres.wrap("op", nf))
	assert.Nil(t, SQLite.wrap("op", nil))

	err := Postgres.wrap("roles.insert", &pgconn.PgError{Code: "23505"})
	assert.True(t, model.IsConflict(err))
}

func TestSQLiteUniqueViolationIsConflict(t *testing.T) {
	s := setupTestStore(t, Config{})
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	err := s.withConn(ctx, "test", func(q queryer) error {
		if _, err := q.ExecContext(ctx, `INSERT INTO commits (`+commitColumns+`) VALUES ('s', 1, 'c1', '', 0)`); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `INSERT INTO commits (`+commitColumns+`) VALUES ('s', 2, 'c1', '', 0)`)
		return err
	})
	assert.True(t, model.IsConflict(err), "got %v", err)
}
