// Package backendtest holds the behavioral contract every storage backend
// must satisfy. Backend packages call Run from their own tests.
package backendtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

// Factory returns a fresh, migrated backend. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// Run executes the contract suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"CommitChain", testCommitChain},
		{"DeleteCommitsAfter", testDeleteCommitsAfter},
		{"ListCommitsPaging", testListCommitsPaging},
		{"RowLifecycle", testRowLifecycle},
		{"RollbackDiscardsWrites", testRollbackDiscardsWrites},
		{"ListOrderingAndPaging", testListOrderingAndPaging},
		{"ListGroupFilter", testListGroupFilter},
		{"ScopeIsolation", testScopeIsolation},
		{"UndoLog", testUndoLog},
		{"Batches", testBatches},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func commitFor(svc string, num int64) model.Commit {
	prev := ""
	if num > 1 {
		prev = fmt.Sprintf("%s-c%d", svc, num-1)
	}
	return model.Commit{
		ServiceID:        svc,
		CommitNum:        num,
		CommitID:         fmt.Sprintf("%s-c%d", svc, num),
		PreviousCommitID: prev,
		AppliedAt:        time.Date(2024, 1, 1, 0, 0, int(num), 0, time.UTC),
	}
}

func roleRow(svc, org, name string, commitNum int64) backend.Row {
	return backend.Row{
		Entity:        model.EntityRole,
		ServiceID:     svc,
		Key:           model.RoleKey(org, name),
		Group:         org,
		LastCommitNum: commitNum,
		Payload:       []byte(fmt.Sprintf(`{"org_id":%q,"name":%q}`, org, name)),
	}
}

func inTx(t *testing.T, b backend.Backend, svc string, fn func(tx backend.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := b.Begin(ctx, svc)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func testCommitChain(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	head, err := b.CommitHead(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, head)

	inTx(t, b, "s1", func(tx backend.Tx) {
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 1)))
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 2)))
		h, err := tx.CommitHead(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, int64(2), h.CommitNum)
	})

	head, err = b.CommitHead(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "s1-c2", head.CommitID)
	assert.Equal(t, "s1-c1", head.PreviousCommitID)

	c, err := b.CommitByNum(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, "s1-c1", c.CommitID)

	c, err = b.CommitByID(ctx, "s1", "s1-c2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CommitNum)

	_, err = b.CommitByNum(ctx, "s1", 9)
	assert.True(t, model.IsNotFound(err), "got %v", err)
	_, err = b.CommitByID(ctx, "s2", "s1-c2")
	assert.True(t, model.IsNotFound(err), "got %v", err)

	commits, total, err := b.ListCommits(ctx, "s1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(2), commits[0].CommitNum)

	tx, err := b.Begin(ctx, "s1")
	require.NoError(t, err)
	err = tx.InsertCommit(ctx, commitFor("s1", 2))
	assert.True(t, model.IsConflict(err), "got %v", err)
	require.NoError(t, tx.Rollback())
}

func testDeleteCommitsAfter(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	inTx(t, b, "s1", func(tx backend.Tx) {
		for n := int64(1); n <= 3; n++ {
			require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", n)))
		}
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s2", 1)))
	})
	inTx(t, b, "s1", func(tx backend.Tx) {
		require.NoError(t, tx.DeleteCommitsAfter(ctx, "s1", 1))
	})

	head, err := b.CommitHead(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, int64(1), head.CommitNum)

	other, err := b.CommitHead(ctx, "s2")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, int64(1), other.CommitNum)

	inTx(t, b, "s1", func(tx backend.Tx) {
		require.NoError(t, tx.DeleteCommitsAfter(ctx, "s1", 0))
	})
	head, err = b.CommitHead(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, head)
}

func testListCommitsPaging(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	inTx(t, b, "s1", func(tx backend.Tx) {
		for n := int64(1); n <= 5; n++ {
			require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", n)))
		}
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s2", 1)))
	})

	page, total, err := b.ListCommits(ctx, "s1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{4, 3}, []int64{page[0].CommitNum, page[1].CommitNum})
	assert.Equal(t, commitFor("s1", 4), page[0])

	page, total, err = b.ListCommits(ctx, "s1", 4, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, int64(1), page[0].CommitNum)

	page, total, err = b.ListCommits(ctx, "s1", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total, "total is reported past the last page")
	assert.Empty(t, page)

	page, total, err = b.ListCommits(ctx, "nobody", 0, 2)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, page)
}

func testRowLifecycle(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	var first backend.Row
	inTx(t, b, "s1", func(tx backend.Tx) {
		var err error
		first, err = tx.InsertRow(ctx, roleRow("s1", "o1", "admin", 1))
		require.NoError(t, err)
		assert.Positive(t, first.Seq)

		second, err := tx.InsertRow(ctx, roleRow("s1", "o1", "viewer", 1))
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		_, err = tx.InsertRow(ctx, roleRow("s1", "o1", "admin", 1))
		assert.True(t, model.IsConflict(err), "got %v", err)
	})

	got, err := b.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "admin"))
	require.NoError(t, err)
	assert.Equal(t, first.Seq, got.Seq)
	assert.Equal(t, "o1", got.Group)
	assert.JSONEq(t, `{"org_id":"o1","name":"admin"}`, string(got.Payload))

	inTx(t, b, "s1", func(tx backend.Tx) {
		updated := roleRow("s1", "o1", "admin", 2)
		updated.Payload = []byte(`{"org_id":"o1","name":"admin","active":true}`)
		require.NoError(t, tx.UpdateRow(ctx, updated))

		err := tx.UpdateRow(ctx, roleRow("s1", "o1", "ghost", 2))
		assert.True(t, model.IsNotFound(err), "got %v", err)
		err = tx.DeleteRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "ghost"))
		assert.True(t, model.IsNotFound(err), "got %v", err)

		require.NoError(t, tx.DeleteRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "viewer")))
	})

	got, err = b.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "admin"))
	require.NoError(t, err)
	assert.Equal(t, first.Seq, got.Seq, "update keeps seq")
	assert.Equal(t, int64(2), got.LastCommitNum)
	assert.JSONEq(t, `{"org_id":"o1","name":"admin","active":true}`, string(got.Payload))

	_, err = b.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "viewer"))
	assert.True(t, model.IsNotFound(err), "got %v", err)

	inTx(t, b, "s1", func(tx backend.Tx) {
		restored := roleRow("s1", "o1", "viewer", 1)
		restored.Seq = 2
		require.NoError(t, tx.RestoreRow(ctx, restored))
	})
	got, err = b.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "viewer"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Seq)
}

func testRollbackDiscardsWrites(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	tx, err := b.Begin(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 1)))
	_, err = tx.InsertRow(ctx, roleRow("s1", "o1", "admin", 1))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	head, err := b.CommitHead(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, head)
	_, err = b.GetRow(ctx, model.EntityRole, "s1", model.RoleKey("o1", "admin"))
	assert.True(t, model.IsNotFound(err), "got %v", err)

	// The writer slot must be free again.
	inTx(t, b, "s1", func(tx backend.Tx) {
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 1)))
	})
}

func testListOrderingAndPaging(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	names := []string{"delta", "alpha", "echo", "charlie", "bravo"}
	inTx(t, b, "s1", func(tx backend.Tx) {
		for _, n := range names {
			_, err := tx.InsertRow(ctx, roleRow("s1", "o1", n, 1))
			require.NoError(t, err)
		}
		_, err := tx.InsertRow(ctx, roleRow("s1", "o0", "zulu", 1))
		require.NoError(t, err)
	})

	var seen []string
	for offset := 0; offset < 6; offset += 2 {
		rows, total, err := b.ListRows(ctx, backend.ListQuery{
			Entity: model.EntityRole, ServiceID: "s1", Offset: offset, Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 6, total)
		for _, r := range rows {
			seen = append(seen, r.Key)
		}
	}
	assert.Equal(t, []string{
		model.RoleKey("o0", "zulu"),
		model.RoleKey("o1", "alpha"),
		model.RoleKey("o1", "bravo"),
		model.RoleKey("o1", "charlie"),
		model.RoleKey("o1", "delta"),
		model.RoleKey("o1", "echo"),
	}, seen)

	rows, total, err := b.ListRows(ctx, backend.ListQuery{
		Entity: model.EntityRole, ServiceID: "s1", Offset: 10, Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Empty(t, rows)
}

func testListGroupFilter(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	inTx(t, b, "s1", func(tx backend.Tx) {
		for _, r := range []backend.Row{
			roleRow("s1", "o1", "admin", 1),
			roleRow("s1", "o2", "admin", 1),
			roleRow("s1", "o2", "viewer", 1),
		} {
			_, err := tx.InsertRow(ctx, r)
			require.NoError(t, err)
		}
	})

	rows, total, err := b.ListRows(ctx, backend.ListQuery{
		Entity: model.EntityRole, ServiceID: "s1", Group: "o2", Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "o2", rows[0].Group)
	assert.Equal(t, "o2", rows[1].Group)
}

func testScopeIsolation(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	inTx(t, b, "s1", func(tx backend.Tx) {
		_, err := tx.InsertRow(ctx, roleRow("s1", "o1", "admin", 1))
		require.NoError(t, err)
		_, err = tx.InsertRow(ctx, roleRow("", "o1", "admin", 1))
		require.NoError(t, err, "same key in the global scope is a distinct record")
	})

	_, err := b.GetRow(ctx, model.EntityRole, "s2", model.RoleKey("o1", "admin"))
	assert.True(t, model.IsNotFound(err), "got %v", err)

	for _, svc := range []string{"", "s1", "s2"} {
		rows, total, err := b.ListRows(ctx, backend.ListQuery{Entity: model.EntityRole, ServiceID: svc, Limit: 10})
		require.NoError(t, err)
		for _, r := range rows {
			assert.Equal(t, svc, r.ServiceID)
		}
		if svc == "s2" {
			assert.Zero(t, total)
		} else {
			assert.Equal(t, 1, total)
		}
	}
}

func testUndoLog(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	prior := roleRow("s1", "o1", "admin", 1)
	prior.Seq = 7
	inTx(t, b, "s1", func(tx backend.Tx) {
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 1)))
		require.NoError(t, tx.InsertCommit(ctx, commitFor("s1", 2)))
		require.NoError(t, tx.SaveUndo(ctx, []backend.UndoEntry{
			{ServiceID: "s1", CommitNum: 1, Position: 0, Entity: model.EntityRole, Key: prior.Key},
			{ServiceID: "s1", CommitNum: 2, Position: 0, Entity: model.EntityRole, Key: prior.Key, Prior: &prior},
			{ServiceID: "s1", CommitNum: 2, Position: 1, Entity: model.EntityAgent, Key: "pk1"},
		}))
	})

	inTx(t, b, "s1", func(tx backend.Tx) {
		entries, err := tx.LoadUndoAfter(ctx, "s1", 1)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 0, entries[0].Position)
		require.NotNil(t, entries[0].Prior)
		assert.Equal(t, int64(7), entries[0].Prior.Seq)
		assert.Equal(t, "o1", entries[0].Prior.Group)
		assert.Equal(t, prior.Payload, entries[0].Prior.Payload)
		assert.Equal(t, model.EntityAgent, entries[1].Entity)
		assert.Nil(t, entries[1].Prior)

		require.NoError(t, tx.DeleteCommitsAfter(ctx, "s1", 1))
		entries, err = tx.LoadUndoAfter(ctx, "s1", 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(1), entries[0].CommitNum)
	})
}

func testBatches(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b2", "b1", "b3"} {
		require.NoError(t, b.InsertBatch(ctx, model.Batch{
			BatchID:         id,
			HeaderSignature: "sig-" + id,
			Submitter:       "pk",
			ServiceID:       "s1",
			Status:          model.BatchPending,
			SubmittedAt:     base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:       base.Add(time.Duration(i) * time.Minute),
		}))
	}
	err := b.InsertBatch(ctx, model.Batch{BatchID: "b1", HeaderSignature: "x", Submitter: "pk", Status: model.BatchPending})
	assert.True(t, model.IsConflict(err), "got %v", err)

	got, err := b.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "sig-b1", got.HeaderSignature)
	assert.Equal(t, model.BatchPending, got.Status)
	assert.True(t, got.SubmittedAt.Equal(base.Add(time.Minute)))

	_, err = b.GetBatch(ctx, "missing")
	assert.True(t, model.IsNotFound(err), "got %v", err)

	ok, err := b.CompareAndSetBatchStatus(ctx, "b1", model.BatchPending, model.BatchValid, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CompareAndSetBatchStatus(ctx, "b1", model.BatchPending, model.BatchInvalid, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status")

	_, err = b.CompareAndSetBatchStatus(ctx, "missing", model.BatchPending, model.BatchValid, base)
	assert.True(t, model.IsNotFound(err), "got %v", err)

	pending, err := b.ListBatchesByStatus(ctx, []model.BatchStatus{model.BatchPending}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b2", pending[0].BatchID)
	assert.Equal(t, "b3", pending[1].BatchID)

	some, err := b.ListBatchesByStatus(ctx, []model.BatchStatus{model.BatchPending, model.BatchValid}, 2)
	require.NoError(t, err)
	assert.Len(t, some, 2)
}
