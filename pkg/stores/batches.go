package stores

import (
	"context"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// casAttempts bounds UpdateStatus retries after losing a status race.
const casAttempts = 2

// BatchStore tracks submitted batches. It is written by the submission path
// and by the status poller.
type BatchStore struct {
	backend backend.BatchBackend
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	clock   func() time.Time
}

func newBatchStore(b backend.BatchBackend, o *options) *BatchStore {
	return &BatchStore{
		backend: b,
		logger:  o.logger.NewComponentLogger("batch_store"),
		metrics: o.metrics,
		tracer:  o.tracer,
		events:  o.events,
		clock:   o.clock,
	}
}

// Submit records a new batch as pending. Resubmitting a known batch id with
// the same signature succeeds without creating a row; a batch left Unknown is
// moved back to Pending. A different signature under a known id is a Conflict.
// The stored batch is returned.
func (s *BatchStore) Submit(ctx context.Context, b model.Batch) (result *model.Batch, err error) {
	const op = "batches.submit"
	if err := b.Validate(); err != nil {
		s.metrics.RecordBatchSubmitted("invalid")
		return nil, err
	}

	ctx, span := s.tracer.StartBatchSpan(ctx, "batch.submit", b.BatchID)
	defer func() { telemetry.EndSpan(span, err) }()

	now := s.clock()
	b.Status = model.BatchPending
	b.SubmittedAt = now
	b.UpdatedAt = now

	err = s.backend.InsertBatch(ctx, b)
	if err == nil {
		s.metrics.RecordBatchSubmitted("created")
		_ = s.events.PublishBatchSubmitted(b.ServiceID, b.BatchID)
		s.logger.WithBatchID(b.BatchID).WithServiceID(b.ServiceID).Debug("batch submitted")
		return &b, nil
	}
	if !model.IsConflict(err) {
		return nil, s.fail(op, err)
	}

	existing, err := s.backend.GetBatch(ctx, b.BatchID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if existing.HeaderSignature != b.HeaderSignature {
		s.metrics.RecordBatchSubmitted("conflict")
		return nil, s.fail(op, model.Conflict(op, "batch %s already submitted with a different signature", b.BatchID))
	}

	if existing.Status == model.BatchUnknown {
		if err := s.UpdateStatus(ctx, b.BatchID, model.BatchPending); err != nil {
			return nil, err
		}
		existing.Status = model.BatchPending
		existing.UpdatedAt = now
		s.metrics.RecordBatchSubmitted("refreshed")
		return &existing, nil
	}

	s.metrics.RecordBatchSubmitted("duplicate")
	return &existing, nil
}

// UpdateStatus moves a batch to a new status. Unknown ids are NotFound and
// transitions the status machine forbids are InvalidState. Setting the
// current status again is a no-op.
func (s *BatchStore) UpdateStatus(ctx context.Context, batchID string, to model.BatchStatus) error {
	const op = "batches.update_status"
	if !to.Valid() {
		return model.InvalidArgument(op, "unknown batch status %q", to)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := s.backend.GetBatch(ctx, batchID)
		if err != nil {
			return s.fail(op, err)
		}
		if current.Status == to {
			return nil
		}
		if !model.CanTransition(current.Status, to) {
			return s.fail(op, model.InvalidState(op, "batch %s cannot move from %s to %s", batchID, current.Status, to))
		}

		swapped, err := s.backend.CompareAndSetBatchStatus(ctx, batchID, current.Status, to, s.clock())
		if err != nil {
			return s.fail(op, err)
		}
		if swapped {
			s.metrics.RecordBatchTransition(string(current.Status), string(to))
			_ = s.events.PublishBatchStatusChanged(batchID, string(current.Status), string(to))
			s.logger.WithBatchID(batchID).
				WithField("from", current.Status).
				WithField("to", to).
				Debug("batch status changed")
			return nil
		}
	}

	return s.fail(op, model.Conflict(op, "batch %s was modified concurrently", batchID))
}

// GetStatus returns the current status of a batch.
func (s *BatchStore) GetStatus(ctx context.Context, batchID string) (model.BatchStatus, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

// Get returns a batch by id.
func (s *BatchStore) Get(ctx context.Context, batchID string) (*model.Batch, error) {
	const op = "batches.get"
	if batchID == "" {
		return nil, model.InvalidArgument(op, "batch id is required")
	}
	b, err := s.backend.GetBatch(ctx, batchID)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return &b, nil
}

// ListPending returns up to limit non-terminal batches, oldest first.
func (s *BatchStore) ListPending(ctx context.Context, limit int) ([]model.Batch, error) {
	const op = "batches.list_pending"
	if limit <= 0 {
		limit = model.DefaultLimit
	}
	batches, err := s.backend.ListBatchesByStatus(ctx,
		[]model.BatchStatus{model.BatchPending, model.BatchValid, model.BatchUnknown}, limit)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return batches, nil
}

func (s *BatchStore) fail(op string, err error) error {
	e := model.AsError(op, err)
	s.metrics.RecordError(string(e.Kind), op)
	return e
}
