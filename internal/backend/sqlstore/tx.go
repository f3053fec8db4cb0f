package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

var errTxDone = errors.New("transaction already finished")

// tx owns its pooled connection until Commit or Rollback releases it.
type tx struct {
	store *Store
	conn  *sql.Conn
	tx    *sql.Tx
	done  bool
}

func (t *tx) d() Dialect { return t.store.dialect }

func (t *tx) check(op string) error {
	if t.done {
		return model.Internal(op, errTxDone)
	}
	return nil
}

func (t *tx) CommitHead(ctx context.Context, serviceID string) (*model.Commit, error) {
	const op = "sqlstore.tx.commit_head"
	if err := t.check(op); err != nil {
		return nil, err
	}
	head, err := commitHead(ctx, t.d(), t.tx, serviceID)
	return head, t.d().wrap(op, err)
}

func (t *tx) CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error) {
	const op = "sqlstore.tx.commit_by_num"
	if err := t.check(op); err != nil {
		return model.Commit{}, err
	}
	c, err := commitByNum(ctx, t.d(), t.tx, op, serviceID, num)
	return c, t.d().wrap(op, err)
}

func (t *tx) InsertCommit(ctx context.Context, c model.Commit) error {
	const op = "sqlstore.tx.insert_commit"
	if err := t.check(op); err != nil {
		return err
	}
	query := t.d().rebind(`INSERT INTO commits (` + commitColumns + `) VALUES (` + placeholders(5) + `)`)
	_, err := t.tx.ExecContext(ctx, query, c.ServiceID, c.CommitNum, c.CommitID, c.PreviousCommitID, toUnixNano(c.AppliedAt))
	if t.d().classify(err) == model.KindConflict {
		return model.Conflict(op, "commit %d (%s) already recorded", c.CommitNum, c.CommitID).Wrap(err)
	}
	return t.d().wrap(op, err)
}

func (t *tx) DeleteCommitsAfter(ctx context.Context, serviceID string, num int64) error {
	const op = "sqlstore.tx.delete_commits"
	if err := t.check(op); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, t.d().rebind(`DELETE FROM undo_log WHERE service_id = ? AND commit_num > ?`), serviceID, num); err != nil {
		return t.d().wrap(op, err)
	}
	_, err := t.tx.ExecContext(ctx, t.d().rebind(`DELETE FROM commits WHERE service_id = ? AND commit_num > ?`), serviceID, num)
	return t.d().wrap(op, err)
}

func (t *tx) GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (backend.Row, error) {
	const op = "sqlstore.tx.get_row"
	if err := t.check(op); err != nil {
		return backend.Row{}, err
	}
	r, err := getRow(ctx, t.d(), t.tx, op, entity, serviceID, key)
	return r, t.d().wrap(op, err)
}

// InsertRow checks for an existing key first so that a duplicate does not
// abort the surrounding PostgreSQL transaction.
func (t *tx) InsertRow(ctx context.Context, row backend.Row) (backend.Row, error) {
	const op = "sqlstore.tx.insert_row"
	if err := t.check(op); err != nil {
		return backend.Row{}, err
	}
	table, err := tableFor(op, row.Entity)
	if err != nil {
		return backend.Row{}, err
	}
	_, err = getRow(ctx, t.d(), t.tx, op, row.Entity, row.ServiceID, row.Key)
	switch {
	case err == nil:
		return backend.Row{}, model.Conflict(op, "%s already exists", row.Entity)
	case !model.IsNotFound(err):
		return backend.Row{}, t.d().wrap(op, err)
	}

	err = t.tx.QueryRowContext(ctx, t.d().rebind(t.d().insertRowSQL(table)),
		row.ServiceID, row.Key, row.Group, row.LastCommitNum, string(row.Payload)).Scan(&row.Seq)
	if err != nil {
		return backend.Row{}, t.d().wrap(op, err)
	}
	return row, nil
}

func (t *tx) UpdateRow(ctx context.Context, row backend.Row) error {
	const op = "sqlstore.tx.update_row"
	if err := t.check(op); err != nil {
		return err
	}
	table, err := tableFor(op, row.Entity)
	if err != nil {
		return err
	}
	query := t.d().rebind(fmt.Sprintf(`UPDATE %s SET group_key = ?, last_commit_num = ?, payload = ?
		WHERE service_id = ? AND natural_key = ?`, table))
	res, err := t.tx.ExecContext(ctx, query, row.Group, row.LastCommitNum, string(row.Payload), row.ServiceID, row.Key)
	if err != nil {
		return t.d().wrap(op, err)
	}
	return expectOne(op, res, row.Entity)
}

func (t *tx) DeleteRow(ctx context.Context, entity model.EntityType, serviceID, key string) error {
	const op = "sqlstore.tx.delete_row"
	if err := t.check(op); err != nil {
		return err
	}
	table, err := tableFor(op, entity)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.d().rebind(fmt.Sprintf(`DELETE FROM %s WHERE service_id = ? AND natural_key = ?`, table)), serviceID, key)
	if err != nil {
		return t.d().wrap(op, err)
	}
	return expectOne(op, res, entity)
}

func (t *tx) RestoreRow(ctx context.Context, row backend.Row) error {
	const op = "sqlstore.tx.restore_row"
	if err := t.check(op); err != nil {
		return err
	}
	table, err := tableFor(op, row.Entity)
	if err != nil {
		return err
	}
	query := t.d().rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (service_id, natural_key) DO UPDATE SET
			group_key = excluded.group_key,
			seq = excluded.seq,
			last_commit_num = excluded.last_commit_num,
			payload = excluded.payload`, table, rowColumns, placeholders(6)))
	_, err = t.tx.ExecContext(ctx, query, row.ServiceID, row.Key, row.Group, row.Seq, row.LastCommitNum, string(row.Payload))
	return t.d().wrap(op, err)
}

func (t *tx) SaveUndo(ctx context.Context, entries []backend.UndoEntry) error {
	const op = "sqlstore.tx.save_undo"
	if err := t.check(op); err != nil {
		return err
	}
	query := t.d().rebind(`INSERT INTO undo_log (service_id, commit_num, position, entity_type, natural_key,
		prior_group_key, prior_seq, prior_last_commit_num, prior_payload) VALUES (` + placeholders(9) + `)`)
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return t.d().wrap(op, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		var (
			group        string
			seq, lastNum int64
			payload      sql.NullString
		)
		if e.Prior != nil {
			group, seq, lastNum = e.Prior.Group, e.Prior.Seq, e.Prior.LastCommitNum
			payload = sql.NullString{String: string(e.Prior.Payload), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ServiceID, e.CommitNum, e.Position, string(e.Entity), e.Key,
			group, seq, lastNum, payload); err != nil {
			return t.d().wrap(op, err)
		}
	}
	return nil
}

func (t *tx) LoadUndoAfter(ctx context.Context, serviceID string, num int64) ([]backend.UndoEntry, error) {
	const op = "sqlstore.tx.load_undo"
	if err := t.check(op); err != nil {
		return nil, err
	}
	query := t.d().rebind(`SELECT service_id, commit_num, position, entity_type, natural_key,
		prior_group_key, prior_seq, prior_last_commit_num, prior_payload
		FROM undo_log WHERE service_id = ? AND commit_num > ?
		ORDER BY commit_num, position`)
	rows, err := t.tx.QueryContext(ctx, query, serviceID, num)
	if err != nil {
		return nil, t.d().wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []backend.UndoEntry
	for rows.Next() {
		var (
			e       backend.UndoEntry
			entity  string
			prior   backend.Row
			payload sql.NullString
		)
		if err := rows.Scan(&e.ServiceID, &e.CommitNum, &e.Position, &entity, &e.Key,
			&prior.Group, &prior.Seq, &prior.LastCommitNum, &payload); err != nil {
			return nil, t.d().wrap(op, err)
		}
		e.Entity = model.EntityType(entity)
		if payload.Valid {
			prior.Entity = e.Entity
			prior.ServiceID = e.ServiceID
			prior.Key = e.Key
			prior.Payload = []byte(payload.String)
			e.Prior = &prior
		}
		out = append(out, e)
	}
	return out, t.d().wrap(op, rows.Err())
}

func (t *tx) Commit() error {
	const op = "sqlstore.tx.commit"
	if err := t.check(op); err != nil {
		return err
	}
	t.done = true
	defer func() { _ = t.conn.Close() }()
	return t.d().wrap(op, t.tx.Commit())
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer func() { _ = t.conn.Close() }()
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return t.d().wrap("sqlstore.tx.rollback", err)
}

func expectOne(op string, res sql.Result, entity model.EntityType) error {
	n, err := res.RowsAffected()
	if err != nil {
		return model.Internal(op, err)
	}
	if n == 0 {
		return model.NotFound(op, "%s not found", entity)
	}
	return nil
}
