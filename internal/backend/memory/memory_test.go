package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/internal/backend/backendtest"
	"github.com/tracegrid/tracegrid/pkg/model"
)

func TestContract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

func TestBeginWaitsForRunningTransaction(t *testing.T) {
	b := New()
	first, err := b.Begin(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Begin(ctx, "s2")
	assert.True(t, model.IsStorageUnavailable(err), "got %v", err)

	require.NoError(t, first.Rollback())
	second, err := b.Begin(context.Background(), "s2")
	require.NoError(t, err)
	require.NoError(t, second.Rollback())
}

func TestReadersDoNotSeeUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	b := New()
	tx, err := b.Begin(ctx, "s1")
	require.NoError(t, err)
	_, err = tx.InsertRow(ctx, backend.Row{Entity: model.EntityAgent, ServiceID: "s1", Key: "pk", Payload: []byte(`{}`)})
	require.NoError(t, err)

	_, err = b.GetRow(ctx, model.EntityAgent, "s1", "pk")
	assert.True(t, model.IsNotFound(err))

	require.NoError(t, tx.Commit())
	_, err = b.GetRow(ctx, model.EntityAgent, "s1", "pk")
	assert.NoError(t, err)
}

func TestClosedBackend(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.Close())

	assert.True(t, model.IsStorageUnavailable(b.Ping(ctx)))
	_, err := b.GetRow(ctx, model.EntityAgent, "s1", "pk")
	assert.True(t, model.IsStorageUnavailable(err))
	_, err = b.Begin(ctx, "s1")
	assert.True(t, model.IsStorageUnavailable(err))
}

func TestFinishedTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	b := New()
	tx, err := b.Begin(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = tx.InsertCommit(ctx, model.Commit{ServiceID: "s1", CommitNum: 1, CommitID: "c1"})
	assert.Equal(t, model.KindInternal, model.KindOf(err))
	assert.NoError(t, tx.Rollback())
}
