package stores

import (
	"context"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// CommitStore reads the applied commit chain of each service. The chain of
// the Global scope is addressed with an empty service id. Commits are written
// only by the Coordinator.
type CommitStore struct {
	reader  backend.Reader
	metrics *telemetry.Metrics
}

func newCommitStore(r backend.Reader, o *options) *CommitStore {
	return &CommitStore{reader: r, metrics: o.metrics}
}

// Current returns the head of the service's chain, or nil when the service
// has no history.
func (s *CommitStore) Current(ctx context.Context, serviceID string) (*model.CommitPosition, error) {
	const op = "commits.current"
	if err := validateServiceID(op, serviceID); err != nil {
		return nil, err
	}
	defer s.observe("current", time.Now())

	head, err := s.reader.CommitHead(ctx, serviceID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if head == nil {
		return nil, nil
	}
	pos := head.Position()
	return &pos, nil
}

// Get returns the commit with the given number.
func (s *CommitStore) Get(ctx context.Context, serviceID string, commitNum int64) (*model.Commit, error) {
	const op = "commits.get"
	if err := validateServiceID(op, serviceID); err != nil {
		return nil, err
	}
	if commitNum < 1 {
		return nil, model.InvalidArgument(op, "commit number must be positive, got %d", commitNum)
	}
	defer s.observe("get", time.Now())

	c, err := s.reader.CommitByNum(ctx, serviceID, commitNum)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return &c, nil
}

// FindByID returns the commit with the given ledger id.
func (s *CommitStore) FindByID(ctx context.Context, serviceID, commitID string) (*model.Commit, error) {
	const op = "commits.find_by_id"
	if err := validateServiceID(op, serviceID); err != nil {
		return nil, err
	}
	if commitID == "" {
		return nil, model.InvalidArgument(op, "commit id is required")
	}
	defer s.observe("find_by_id", time.Now())

	c, err := s.reader.CommitByID(ctx, serviceID, commitID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return &c, nil
}

// List returns a page of the service's commits, newest first.
func (s *CommitStore) List(ctx context.Context, serviceID string, paging model.Paging) (model.Page[model.Commit], error) {
	const op = "commits.list"
	if err := validateServiceID(op, serviceID); err != nil {
		return model.Page[model.Commit]{}, err
	}
	p, err := model.NewPaging(paging.Offset, paging.Limit)
	if err != nil {
		return model.Page[model.Commit]{}, err
	}
	defer s.observe("list", time.Now())

	items, total, err := s.reader.ListCommits(ctx, serviceID, p.Offset, p.Limit)
	if err != nil {
		return model.Page[model.Commit]{}, s.fail(op, err)
	}
	return model.NewPage(items, p, total), nil
}

func (s *CommitStore) observe(operation string, start time.Time) {
	s.metrics.RecordQuery("commit", operation, time.Since(start))
}

func (s *CommitStore) fail(op string, err error) error {
	e := model.AsError(op, err)
	s.metrics.RecordError(string(e.Kind), op)
	return e
}

// validateServiceID accepts the empty Global id or a well-formed service id.
func validateServiceID(op, serviceID string) error {
	if serviceID == "" {
		return nil
	}
	if err := model.ValidateKeyPart(serviceID); err != nil {
		return model.InvalidArgument(op, "invalid service id: %v", err)
	}
	return nil
}
