package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// ListFilter narrows a list to one value of the entity's group column: the
// owning organization for agents and roles, the owner for schemas, products
// and locations, the schema for provenance records. Organizations have no
// group column.
type ListFilter struct {
	Group string
}

// RecordStore is the read-only query surface of one domain read-model.
type RecordStore[T model.Record] struct {
	entity  model.EntityType
	reader  backend.Reader
	metrics *telemetry.Metrics
}

func newRecordStore[T model.Record](r backend.Reader, o *options) *RecordStore[T] {
	var zero T
	return &RecordStore[T]{entity: zero.Entity(), reader: r, metrics: o.metrics}
}

// Entity returns the entity type served by the store.
func (s *RecordStore[T]) Entity() model.EntityType {
	return s.entity
}

// Get returns the record with the given natural key in scope. Use
// model.JoinKey or model.RoleKey to build composite keys.
func (s *RecordStore[T]) Get(ctx context.Context, scope model.ServiceScope, key string) (*T, error) {
	op := s.op("get")
	if err := scope.Validate(op, s.entity); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, model.InvalidArgument(op, "natural key is required")
	}
	defer s.observe("get", time.Now())

	row, err := s.reader.GetRow(ctx, s.entity, scope.StorageID(), key)
	if err != nil {
		return nil, s.fail(op, err)
	}
	rec, err := s.decode(op, row)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return &rec, nil
}

// List returns a page of the scope's records ordered by natural key.
func (s *RecordStore[T]) List(ctx context.Context, scope model.ServiceScope, filter ListFilter, paging model.Paging) (model.Page[T], error) {
	op := s.op("list")
	if err := scope.Validate(op, s.entity); err != nil {
		return model.Page[T]{}, err
	}
	p, err := model.NewPaging(paging.Offset, paging.Limit)
	if err != nil {
		return model.Page[T]{}, err
	}
	defer s.observe("list", time.Now())

	rows, total, err := s.reader.ListRows(ctx, backend.ListQuery{
		Entity:    s.entity,
		ServiceID: scope.StorageID(),
		Group:     filter.Group,
		Offset:    p.Offset,
		Limit:     p.Limit,
	})
	if err != nil {
		return model.Page[T]{}, s.fail(op, err)
	}

	items := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := s.decode(op, row)
		if err != nil {
			return model.Page[T]{}, s.fail(op, err)
		}
		items = append(items, rec)
	}
	return model.NewPage(items, p, total), nil
}

type metaSetter interface {
	SetMeta(serviceID string, lastCommitNum int64)
}

// decode unmarshals a row payload and stamps the store-maintained fields.
func (s *RecordStore[T]) decode(op string, row backend.Row) (T, error) {
	var rec T
	if err := json.Unmarshal(row.Payload, &rec); err != nil {
		return rec, model.Internal(op, fmt.Errorf("decode %s payload: %w", s.entity, err))
	}
	if m, ok := any(&rec).(metaSetter); ok {
		m.SetMeta(row.ServiceID, row.LastCommitNum)
	}
	return rec, nil
}

func (s *RecordStore[T]) op(name string) string {
	return string(s.entity) + "." + name
}

func (s *RecordStore[T]) observe(operation string, start time.Time) {
	s.metrics.RecordQuery(string(s.entity), operation, time.Since(start))
}

func (s *RecordStore[T]) fail(op string, err error) error {
	e := model.AsError(op, err)
	s.metrics.RecordError(string(e.Kind), op)
	return e
}
