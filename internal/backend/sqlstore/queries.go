package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
)

var tables = map[model.EntityType]string{
	model.EntityOrganization: "organizations",
	model.EntityAgent:        "agents",
	model.EntityRole:         "roles",
	model.EntitySchema:       "schemas",
	model.EntityProduct:      "products",
	model.EntityLocation:     "locations",
	model.EntityProvenance:   "provenance_records",
}

func tableFor(op string, entity model.EntityType) (string, error) {
	t, ok := tables[entity]
	if !ok {
		return "", model.InvalidArgument(op, "unknown entity type %q", entity)
	}
	return t, nil
}

const rowColumns = `service_id, natural_key, group_key, seq, last_commit_num, payload`

const commitColumns = `service_id, commit_num, commit_id, previous_commit_id, applied_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner, entity model.EntityType, extra ...any) (backend.Row, error) {
	r := backend.Row{Entity: entity}
	var payload string
	dest := append([]any{&r.ServiceID, &r.Key, &r.Group, &r.Seq, &r.LastCommitNum, &payload}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return backend.Row{}, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

func scanCommit(sc scanner, extra ...any) (model.Commit, error) {
	var c model.Commit
	var appliedAt int64
	dest := append([]any{&c.ServiceID, &c.CommitNum, &c.CommitID, &c.PreviousCommitID, &appliedAt}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return model.Commit{}, err
	}
	c.AppliedAt = fromUnixNano(appliedAt)
	return c, nil
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// The functions below run on either a pooled connection or a transaction.

func getRow(ctx context.Context, d Dialect, q queryer, op string, entity model.EntityType, serviceID, key string) (backend.Row, error) {
	table, err := tableFor(op, entity)
	if err != nil {
		return backend.Row{}, err
	}
	query := d.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE service_id = ? AND natural_key = ?`, rowColumns, table))
	r, err := scanRow(q.QueryRowContext(ctx, query, serviceID, key), entity)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.Row{}, model.NotFound(op, "%s not found", entity)
	}
	return r, err
}

func listRows(ctx context.Context, d Dialect, q queryer, op string, lq backend.ListQuery) ([]backend.Row, int, error) {
	table, err := tableFor(op, lq.Entity)
	if err != nil {
		return nil, 0, err
	}
	where := `service_id = ?`
	args := []any{lq.ServiceID}
	if lq.Group != "" {
		where += ` AND group_key = ?`
		args = append(args, lq.Group)
	}

	query := fmt.Sprintf(`SELECT %s, COUNT(*) OVER () FROM %s WHERE %s ORDER BY natural_key, seq LIMIT ? OFFSET ?`,
		rowColumns, table, where)
	rows, err := q.QueryContext(ctx, d.rebind(query), append(args, lq.Limit, lq.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []backend.Row
	total := 0
	for rows.Next() {
		r, err := scanRow(rows, lq.Entity, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && lq.Offset > 0 {
		// Past the end the window count is unavailable.
		count := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where)
		if err := q.QueryRowContext(ctx, d.rebind(count), args...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func commitHead(ctx context.Context, d Dialect, q queryer, serviceID string) (*model.Commit, error) {
	query := d.rebind(`SELECT ` + commitColumns + ` FROM commits WHERE service_id = ? ORDER BY commit_num DESC LIMIT 1`)
	c, err := scanCommit(q.QueryRowContext(ctx, query, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func commitByNum(ctx context.Context, d Dialect, q queryer, op, serviceID string, num int64) (model.Commit, error) {
	query := d.rebind(`SELECT ` + commitColumns + ` FROM commits WHERE service_id = ? AND commit_num = ?`)
	c, err := scanCommit(q.QueryRowContext(ctx, query, serviceID, num))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Commit{}, model.NotFound(op, "commit %d not found", num)
	}
	return c, err
}

func commitByID(ctx context.Context, d Dialect, q queryer, op, serviceID, commitID string) (model.Commit, error) {
	query := d.rebind(`SELECT ` + commitColumns + ` FROM commits WHERE service_id = ? AND commit_id = ?`)
	c, err := scanCommit(q.QueryRowContext(ctx, query, serviceID, commitID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Commit{}, model.NotFound(op, "commit %q not found", commitID)
	}
	return c, err
}

func listCommits(ctx context.Context, d Dialect, q queryer, serviceID string, offset, limit int) ([]model.Commit, int, error) {
	query := d.rebind(`SELECT ` + commitColumns + `, COUNT(*) OVER () FROM commits WHERE service_id = ?
		ORDER BY commit_num DESC LIMIT ? OFFSET ?`)
	rows, err := q.QueryContext(ctx, query, serviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Commit
	total := 0
	for rows.Next() {
		c, err := scanCommit(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && offset > 0 {
		// Past the end the window count is unavailable.
		if err := q.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM commits WHERE service_id = ?`), serviceID).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
