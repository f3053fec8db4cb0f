// Package memory implements the storage backend in process memory. It is
// used by tests and by ephemeral deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

// Name is the driver name of this backend.
const Name = "memory"

// Backend keeps all state in memory. Write transactions are serialized
// across all services; readers never block on a running transaction.
type Backend struct {
	mu     sync.RWMutex
	state  *state
	closed bool

	// writer admits one transaction at a time and lets Begin honor ctx.
	writer chan struct{}

	batchMu sync.RWMutex
	batches map[string]model.Batch
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty memory backend.
func New() *Backend {
	return &Backend{
		state:   newState(),
		writer:  make(chan struct{}, 1),
		batches: make(map[string]model.Batch),
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return Name }

// Migrate is a no-op for the memory backend.
func (b *Backend) Migrate(ctx context.Context) error { return ctx.Err() }

// Ping reports whether the backend is open.
func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return model.StorageUnavailable("memory.ping", errClosed)
	}
	return nil
}

// Close marks the backend closed. Later calls fail with StorageUnavailable.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// snapshot returns the current committed generation.
func (b *Backend) snapshot(ctx context.Context, op string) (*state, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Internal(op, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, model.StorageUnavailable(op, errClosed)
	}
	return b.state, nil
}

// GetRow implements backend.Reader.
func (b *Backend) GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (backend.Row, error) {
	const op = "memory.get_row"
	s, err := b.snapshot(ctx, op)
	if err != nil {
		return backend.Row{}, err
	}
	r, ok := s.row(entity, serviceID, key)
	if !ok {
		return backend.Row{}, model.NotFound(op, "%s not found", entity)
	}
	return r, nil
}

// ListRows implements backend.Reader.
func (b *Backend) ListRows(ctx context.Context, q backend.ListQuery) ([]backend.Row, int, error) {
	s, err := b.snapshot(ctx, "memory.list_rows")
	if err != nil {
		return nil, 0, err
	}
	rows, total := s.list(q)
	return rows, total, nil
}

// CommitHead implements backend.Reader.
func (b *Backend) CommitHead(ctx context.Context, serviceID string) (*model.Commit, error) {
	s, err := b.snapshot(ctx, "memory.commit_head")
	if err != nil {
		return nil, err
	}
	return s.head(serviceID), nil
}

// CommitByNum implements backend.Reader.
func (b *Backend) CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error) {
	const op = "memory.commit_by_num"
	s, err := b.snapshot(ctx, op)
	if err != nil {
		return model.Commit{}, err
	}
	c, ok := s.commitByNum(serviceID, num)
	if !ok {
		return model.Commit{}, model.NotFound(op, "commit %d not found", num)
	}
	return c, nil
}

// CommitByID implements backend.Reader.
func (b *Backend) CommitByID(ctx context.Context, serviceID, commitID string) (model.Commit, error) {
	const op = "memory.commit_by_id"
	s, err := b.snapshot(ctx, op)
	if err != nil {
		return model.Commit{}, err
	}
	c, ok := s.commitByID(serviceID, commitID)
	if !ok {
		return model.Commit{}, model.NotFound(op, "commit %q not found", commitID)
	}
	return c, nil
}

// ListCommits implements backend.Reader.
func (b *Backend) ListCommits(ctx context.Context, serviceID string, offset, limit int) ([]model.Commit, int, error) {
	s, err := b.snapshot(ctx, "memory.list_commits")
	if err != nil {
		return nil, 0, err
	}
	chain := s.commits[serviceID]
	desc := make([]model.Commit, len(chain))
	for i, c := range chain {
		desc[len(chain)-1-i] = c
	}
	return window(desc, offset, limit), len(chain), nil
}

// Begin implements backend.Backend. It waits for the running transaction,
// if any, until ctx is done.
func (b *Backend) Begin(ctx context.Context, serviceID string) (backend.Tx, error) {
	const op = "memory.begin"
	select {
	case b.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, model.StorageUnavailable(op, ctx.Err())
	}
	b.mu.RLock()
	closed, current := b.closed, b.state
	b.mu.RUnlock()
	if closed {
		<-b.writer
		return nil, model.StorageUnavailable(op, errClosed)
	}
	return &tx{backend: b, serviceID: serviceID, state: current.clone()}, nil
}

// publish swaps in a committed generation and releases the writer slot.
func (b *Backend) publish(s *state) error {
	defer func() { <-b.writer }()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return model.StorageUnavailable("memory.commit", errClosed)
	}
	b.state = s
	return nil
}

func (b *Backend) release() { <-b.writer }

// InsertBatch implements backend.BatchBackend.
func (b *Backend) InsertBatch(ctx context.Context, batch model.Batch) error {
	const op = "memory.insert_batch"
	if err := ctx.Err(); err != nil {
		return model.Internal(op, err)
	}
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	if _, ok := b.batches[batch.BatchID]; ok {
		return model.Conflict(op, "batch %q already exists", batch.BatchID)
	}
	b.batches[batch.BatchID] = batch
	return nil
}

// GetBatch implements backend.BatchBackend.
func (b *Backend) GetBatch(ctx context.Context, batchID string) (model.Batch, error) {
	const op = "memory.get_batch"
	if err := ctx.Err(); err != nil {
		return model.Batch{}, model.Internal(op, err)
	}
	b.batchMu.RLock()
	defer b.batchMu.RUnlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return model.Batch{}, model.NotFound(op, "batch %q not found", batchID)
	}
	return batch, nil
}

// CompareAndSetBatchStatus implements backend.BatchBackend.
func (b *Backend) CompareAndSetBatchStatus(ctx context.Context, batchID string, from, to model.BatchStatus, at time.Time) (bool, error) {
	const op = "memory.cas_batch_status"
	if err := ctx.Err(); err != nil {
		return false, model.Internal(op, err)
	}
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return false, model.NotFound(op, "batch %q not found", batchID)
	}
	if batch.Status != from {
		return false, nil
	}
	batch.Status = to
	batch.UpdatedAt = at
	b.batches[batchID] = batch
	return true, nil
}

// ListBatchesByStatus implements backend.BatchBackend.
func (b *Backend) ListBatchesByStatus(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Internal("memory.list_batches", err)
	}
	want := make(map[model.BatchStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	b.batchMu.RLock()
	var out []model.Batch
	for _, batch := range b.batches {
		if want[batch.Status] {
			out = append(out, batch)
		}
	}
	b.batchMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].BatchID < out[j].BatchID
	})
	return window(out, 0, limit), nil
}
