package sqlstore

import (
	"context"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

// GetRow implements backend.Reader.
func (s *Store) GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (backend.Row, error) {
	const op = "sqlstore.get_row"
	var r backend.Row
	err := s.withConn(ctx, op, func(q queryer) error {
		var err error
		r, err = getRow(ctx, s.dialect, q, op, entity, serviceID, key)
		return err
	})
	return r, err
}

// ListRows implements backend.Reader. Items and total come from one
// statement, so they always describe the same snapshot.
func (s *Store) ListRows(ctx context.Context, lq backend.ListQuery) ([]backend.Row, int, error) {
	const op = "sqlstore.list_rows"
	var (
		rows  []backend.Row
		total int
	)
	err := s.withConn(ctx, op, func(q queryer) error {
		var err error
		rows, total, err = listRows(ctx, s.dialect, q, op, lq)
		return err
	})
	return rows, total, err
}

// CommitHead implements backend.Reader.
func (s *Store) CommitHead(ctx context.Context, serviceID string) (*model.Commit, error) {
	var head *model.Commit
	err := s.withConn(ctx, "sqlstore.commit_head", func(q queryer) error {
		var err error
		head, err = commitHead(ctx, s.dialect, q, serviceID)
		return err
	})
	return head, err
}

// CommitByNum implements backend.Reader.
func (s *Store) CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error) {
	const op = "sqlstore.commit_by_num"
	var c model.Commit
	err := s.withConn(ctx, op, func(q queryer) error {
		var err error
		c, err = commitByNum(ctx, s.dialect, q, op, serviceID, num)
		return err
	})
	return c, err
}

// CommitByID implements backend.Reader.
func (s *Store) CommitByID(ctx context.Context, serviceID, commitID string) (model.Commit, error) {
	const op = "sqlstore.commit_by_id"
	var c model.Commit
	err := s.withConn(ctx, op, func(q queryer) error {
		var err error
		c, err = commitByID(ctx, s.dialect, q, op, serviceID, commitID)
		return err
	})
	return c, err
}

// ListCommits implements backend.Reader.
func (s *Store) ListCommits(ctx context.Context, serviceID string, offset, limit int) ([]model.Commit, int, error) {
	var (
		commits []model.Commit
		total   int
	)
	err := s.withConn(ctx, "sqlstore.list_commits", func(q queryer) error {
		var err error
		commits, total, err = listCommits(ctx, s.dialect, q, serviceID, offset, limit)
		return err
	})
	return commits, total, err
}
