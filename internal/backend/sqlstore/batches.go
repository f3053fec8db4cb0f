package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tracegrid/tracegrid/pkg/model"
)

const batchColumns = `batch_id, header_signature, submitter, service_id, status, submitted_at, updated_at`

func scanBatch(sc scanner) (model.Batch, error) {
	var (
		b                      model.Batch
		status                 string
		submittedAt, updatedAt int64
	)
	if err := sc.Scan(&b.BatchID, &b.HeaderSignature, &b.Submitter, &b.ServiceID, &status, &submittedAt, &updatedAt); err != nil {
		return model.Batch{}, err
	}
	b.Status = model.BatchStatus(status)
	b.SubmittedAt = fromUnixNano(submittedAt)
	b.UpdatedAt = fromUnixNano(updatedAt)
	return b, nil
}

// InsertBatch implements backend.BatchBackend.
func (s *Store) InsertBatch(ctx context.Context, b model.Batch) error {
	const op = "sqlstore.insert_batch"
	return s.withConn(ctx, op, func(q queryer) error {
		query := s.dialect.rebind(`INSERT INTO batches (` + batchColumns + `) VALUES (` + placeholders(7) + `)`)
		_, err := q.ExecContext(ctx, query, b.BatchID, b.HeaderSignature, b.Submitter, b.ServiceID,
			string(b.Status), toUnixNano(b.SubmittedAt), toUnixNano(b.UpdatedAt))
		if s.dialect.classify(err) == model.KindConflict {
			return model.Conflict(op, "batch %q already exists", b.BatchID).Wrap(err)
		}
		return err
	})
}

// GetBatch implements backend.BatchBackend.
func (s *Store) GetBatch(ctx context.Context, batchID string) (model.Batch, error) {
	const op = "sqlstore.get_batch"
	var b model.Batch
	err := s.withConn(ctx, op, func(q queryer) error {
		var err error
		b, err = scanBatch(q.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`), batchID))
		if errors.Is(err, sql.ErrNoRows) {
			return model.NotFound(op, "batch %q not found", batchID)
		}
		return err
	})
	return b, err
}

// CompareAndSetBatchStatus implements backend.BatchBackend.
func (s *Store) CompareAndSetBatchStatus(ctx context.Context, batchID string, from, to model.BatchStatus, at time.Time) (bool, error) {
	const op = "sqlstore.cas_batch_status"
	var swapped bool
	err := s.withConn(ctx, op, func(q queryer) error {
		res, err := q.ExecContext(ctx, s.dialect.rebind(`UPDATE batches SET status = ?, updated_at = ? WHERE batch_id = ? AND status = ?`),
			string(to), toUnixNano(at), batchID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			swapped = true
			return nil
		}
		var exists int
		err = q.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM batches WHERE batch_id = ?`), batchID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NotFound(op, "batch %q not found", batchID)
		}
		return err
	})
	return swapped, err
}

// ListBatchesByStatus implements backend.BatchBackend.
func (s *Store) ListBatchesByStatus(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error) {
	const op = "sqlstore.list_batches"
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args, err := sqlx.In(`SELECT `+batchColumns+` FROM batches WHERE status IN (?)
		ORDER BY submitted_at, batch_id LIMIT ?`, names, limit)
	if err != nil {
		return nil, model.Internal(op, err)
	}
	query = s.dialect.rebind(query)

	var out []model.Batch
	err = s.withConn(ctx, op, func(q queryer) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			b, err := scanBatch(rows)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return rows.Err()
	})
	return out, err
}
