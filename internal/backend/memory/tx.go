package memory

import (
	"context"
	"errors"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

var (
	errClosed = errors.New("memory backend is closed")
	errTxDone = errors.New("transaction already finished")
)

// tx works on a private clone of the committed state.
type tx struct {
	backend   *Backend
	serviceID string
	state     *state
	done      bool
}

func (t *tx) check(ctx context.Context, op string) error {
	if t.done {
		return model.Internal(op, errTxDone)
	}
	if err := ctx.Err(); err != nil {
		return model.Internal(op, err)
	}
	return nil
}

func (t *tx) CommitHead(ctx context.Context, serviceID string) (*model.Commit, error) {
	if err := t.check(ctx, "memory.tx.commit_head"); err != nil {
		return nil, err
	}
	return t.state.head(serviceID), nil
}

func (t *tx) CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error) {
	const op = "memory.tx.commit_by_num"
	if err := t.check(ctx, op); err != nil {
		return model.Commit{}, err
	}
	c, ok := t.state.commitByNum(serviceID, num)
	if !ok {
		return model.Commit{}, model.NotFound(op, "commit %d not found", num)
	}
	return c, nil
}

func (t *tx) InsertCommit(ctx context.Context, c model.Commit) error {
	const op = "memory.tx.insert_commit"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	chain := t.state.commits[c.ServiceID]
	if c.CommitNum != int64(len(chain))+1 {
		return model.Conflict(op, "commit %d does not extend chain of length %d", c.CommitNum, len(chain))
	}
	if _, dup := t.state.commitByID(c.ServiceID, c.CommitID); dup {
		return model.Conflict(op, "commit %q already applied", c.CommitID)
	}
	t.state.commits[c.ServiceID] = append(chain, c)
	return nil
}

func (t *tx) DeleteCommitsAfter(ctx context.Context, serviceID string, num int64) error {
	if err := t.check(ctx, "memory.tx.delete_commits"); err != nil {
		return err
	}
	if num < 0 {
		num = 0
	}
	chain := t.state.commits[serviceID]
	if num < int64(len(chain)) {
		t.state.commits[serviceID] = chain[:num]
	}
	entries := t.state.undo[serviceID]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.CommitNum <= num {
			kept = append(kept, e)
		}
	}
	t.state.undo[serviceID] = kept
	return nil
}

func (t *tx) GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (backend.Row, error) {
	const op = "memory.tx.get_row"
	if err := t.check(ctx, op); err != nil {
		return backend.Row{}, err
	}
	r, ok := t.state.row(entity, serviceID, key)
	if !ok {
		return backend.Row{}, model.NotFound(op, "%s not found", entity)
	}
	return r, nil
}

func (t *tx) InsertRow(ctx context.Context, row backend.Row) (backend.Row, error) {
	const op = "memory.tx.insert_row"
	if err := t.check(ctx, op); err != nil {
		return backend.Row{}, err
	}
	table, ok := t.state.tables[row.Entity]
	if !ok {
		return backend.Row{}, model.InvalidArgument(op, "unknown entity type %q", row.Entity)
	}
	k := rowKey{serviceID: row.ServiceID, key: row.Key}
	if _, exists := table[k]; exists {
		return backend.Row{}, model.Conflict(op, "%s already exists", row.Entity)
	}
	t.state.seq[row.Entity]++
	row.Seq = t.state.seq[row.Entity]
	table[k] = row
	return row, nil
}

func (t *tx) UpdateRow(ctx context.Context, row backend.Row) error {
	const op = "memory.tx.update_row"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	k := rowKey{serviceID: row.ServiceID, key: row.Key}
	current, ok := t.state.tables[row.Entity][k]
	if !ok {
		return model.NotFound(op, "%s not found", row.Entity)
	}
	row.Seq = current.Seq
	t.state.tables[row.Entity][k] = row
	return nil
}

func (t *tx) DeleteRow(ctx context.Context, entity model.EntityType, serviceID, key string) error {
	const op = "memory.tx.delete_row"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	k := rowKey{serviceID: serviceID, key: key}
	if _, ok := t.state.tables[entity][k]; !ok {
		return model.NotFound(op, "%s not found", entity)
	}
	delete(t.state.tables[entity], k)
	return nil
}

func (t *tx) RestoreRow(ctx context.Context, row backend.Row) error {
	const op = "memory.tx.restore_row"
	if err := t.check(ctx, op); err != nil {
		return err
	}
	table, ok := t.state.tables[row.Entity]
	if !ok {
		return model.InvalidArgument(op, "unknown entity type %q", row.Entity)
	}
	table[rowKey{serviceID: row.ServiceID, key: row.Key}] = row
	if row.Seq > t.state.seq[row.Entity] {
		t.state.seq[row.Entity] = row.Seq
	}
	return nil
}

func (t *tx) SaveUndo(ctx context.Context, entries []backend.UndoEntry) error {
	if err := t.check(ctx, "memory.tx.save_undo"); err != nil {
		return err
	}
	for _, e := range entries {
		t.state.undo[e.ServiceID] = append(t.state.undo[e.ServiceID], e)
	}
	return nil
}

func (t *tx) LoadUndoAfter(ctx context.Context, serviceID string, num int64) ([]backend.UndoEntry, error) {
	if err := t.check(ctx, "memory.tx.load_undo"); err != nil {
		return nil, err
	}
	var out []backend.UndoEntry
	for _, e := range t.state.undo[serviceID] {
		if e.CommitNum > num {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) Commit() error {
	if t.done {
		return model.Internal("memory.tx.commit", errTxDone)
	}
	t.done = true
	return t.backend.publish(t.state)
}

// Rollback discards the clone. Calling it after Commit is a no-op.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.backend.release()
	return nil
}
