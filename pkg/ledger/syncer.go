package ledger

import (
	"context"
	"sync"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// DefaultQueueSize is the per-service event queue length.
const DefaultQueueSize = 64

// CommitApplier writes commits. *stores.Coordinator implements it.
type CommitApplier interface {
	Apply(ctx context.Context, commit model.Commit, changes []model.StateChange) (model.CommitPosition, error)
	RollbackTo(ctx context.Context, serviceID string, commitNum int64) error
}

// CommitReader reads the applied chain. *stores.CommitStore implements it.
type CommitReader interface {
	Current(ctx context.Context, serviceID string) (*model.CommitPosition, error)
	FindByID(ctx context.Context, serviceID, commitID string) (*model.Commit, error)
}

// ErrorHandler receives events that could not be applied. It is called from
// the worker of the event's service.
type ErrorHandler func(ev CommitEvent, err error)

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithQueueSize sets the per-service queue length.
func WithQueueSize(n int) SyncerOption {
	return func(s *Syncer) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithErrorHandler sets the callback for failed events.
func WithErrorHandler(h ErrorHandler) SyncerOption {
	return func(s *Syncer) { s.onError = h }
}

// WithSyncLogger sets the logger.
func WithSyncLogger(l *telemetry.Logger) SyncerOption {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l.NewComponentLogger("syncer")
		}
	}
}

// WithSyncMetrics sets the metrics collector.
func WithSyncMetrics(m *telemetry.Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncEvents sets the event publisher.
func WithSyncEvents(e *telemetry.EventPublisher) SyncerOption {
	return func(s *Syncer) { s.events = e }
}

// Syncer applies commit events from a Source. Events of one service are
// handled in order by a single worker; services are handled concurrently.
// Failed events are reported and dropped, never retried.
type Syncer struct {
	applier   CommitApplier
	reader    CommitReader
	queueSize int
	onError   ErrorHandler
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
}

// NewSyncer creates a Syncer.
func NewSyncer(applier CommitApplier, reader CommitReader, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		applier:   applier,
		reader:    reader,
		queueSize: DefaultQueueSize,
		logger:    telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run dispatches events until the source closes or ctx is done. It returns
// after every worker has finished; on a closed source the queued events are
// drained first.
func (s *Syncer) Run(ctx context.Context, src Source) error {
	var wg sync.WaitGroup
	queues := make(map[string]chan CommitEvent)
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.logger.Debug("commit source closed")
				return nil
			}
			serviceID := ev.Commit.ServiceID
			q, exists := queues[serviceID]
			if !exists {
				q = make(chan CommitEvent, s.queueSize)
				queues[serviceID] = q
				wg.Add(1)
				go s.worker(ctx, serviceID, q, &wg)
			}
			select {
			case q <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			s.metrics.SetSyncQueueDepth(serviceID, len(q))
		}
	}
}

func (s *Syncer) worker(ctx context.Context, serviceID string, q <-chan CommitEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			s.metrics.SetSyncQueueDepth(serviceID, len(q))
			if err := s.Handle(ctx, ev); err != nil {
				s.report(ev, err)
			}
		}
	}
}

// Handle applies one event synchronously. An event whose commit id is
// already in the chain is skipped. When the event does not continue the
// current head, the chain is first rolled back to the event's parent.
func (s *Syncer) Handle(ctx context.Context, ev CommitEvent) error {
	const op = "syncer.handle"
	c := ev.Commit
	log := s.logger.WithServiceID(c.ServiceID).WithCommit(c.CommitNum, c.CommitID)

	if _, err := s.reader.FindByID(ctx, c.ServiceID, c.CommitID); err == nil {
		s.metrics.RecordSyncSkipped()
		log.Debug("commit already applied, skipping")
		return nil
	} else if !model.IsNotFound(err) {
		return err
	}

	head, err := s.reader.Current(ctx, c.ServiceID)
	if err != nil {
		return err
	}

	if head != nil && c.PreviousCommitID != head.CommitID {
		ancestor, err := s.ancestor(ctx, c)
		if err != nil {
			return err
		}
		if c.CommitNum != 0 && c.CommitNum != ancestor+1 {
			return model.Conflict(op, "commit %s has number %d but its parent is %d", c.CommitID, c.CommitNum, ancestor)
		}
		log.WithField("ancestor", ancestor).
			WithField("head", head.CommitNum).
			Warn("fork detected, rolling back to common ancestor")
		if err := s.applier.RollbackTo(ctx, c.ServiceID, ancestor); err != nil {
			return err
		}
		s.metrics.RecordForkResolved()
		_ = s.events.PublishForkResolved(c.ServiceID, ancestor, c.CommitID)
	}

	_, err = s.applier.Apply(ctx, c, ev.Changes)
	return err
}

// ancestor returns the commit number of the event's parent in the applied
// chain. An empty parent id denotes the start of the chain.
func (s *Syncer) ancestor(ctx context.Context, c model.Commit) (int64, error) {
	const op = "syncer.ancestor"
	if c.PreviousCommitID == "" {
		return 0, nil
	}
	parent, err := s.reader.FindByID(ctx, c.ServiceID, c.PreviousCommitID)
	if model.IsNotFound(err) {
		return 0, model.Conflict(op, "parent %q of commit %s is not in the applied chain", c.PreviousCommitID, c.CommitID)
	}
	if err != nil {
		return 0, err
	}
	return parent.CommitNum, nil
}

func (s *Syncer) report(ev CommitEvent, err error) {
	kind := model.KindOf(err)
	s.logger.WithServiceID(ev.Commit.ServiceID).
		WithCommit(ev.Commit.CommitNum, ev.Commit.CommitID).
		WithError(err).
		WithField("kind", kind).
		Error("failed to apply commit event")
	s.metrics.RecordError(string(kind), "syncer.handle")
	_ = s.events.PublishSyncFailed(ev.Commit.ServiceID, ev.Commit.CommitID, string(kind))
	if s.onError != nil {
		s.onError(ev, err)
	}
}
