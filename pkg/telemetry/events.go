package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is an in-process notification about a store state change.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// ServiceID is the tenant the event concerns. Empty means Global.
	ServiceID string `json:"service_id,omitempty"`

	// CommitNum is the associated commit number, if applicable.
	CommitNum int64 `json:"commit_num,omitempty"`

	// BatchID is the associated batch, if applicable.
	BatchID string `json:"batch_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCommitApplied      = "commit.applied"
	EventTypeCommitRolledBack   = "commit.rolled_back"
	EventTypeForkResolved       = "commit.fork_resolved"
	EventTypeSyncFailed         = "sync.failed"
	EventTypeBatchSubmitted     = "batch.submitted"
	EventTypeBatchStatusChanged = "batch.status_changed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil or disabled
// publisher drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MinLevel != "" {
		ep.filters = append(ep.filters, FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. In async mode a full
// buffer drops the event and reports an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishCommitApplied publishes a commit applied event.
func (ep *EventPublisher) PublishCommitApplied(serviceID string, commitNum int64, commitID string, changes int) error {
	return ep.Publish(Event{
		Type:      EventTypeCommitApplied,
		Source:    "coordinator",
		ServiceID: serviceID,
		CommitNum: commitNum,
		Message:   fmt.Sprintf("Commit %d (%s) applied", commitNum, commitID),
		Data: map[string]interface{}{
			"commit_id": commitID,
			"changes":   changes,
		},
	})
}

// PublishCommitRolledBack publishes a rollback event. CommitNum is the new head.
func (ep *EventPublisher) PublishCommitRolledBack(serviceID string, toCommitNum, removed int64) error {
	return ep.Publish(Event{
		Type:      EventTypeCommitRolledBack,
		Source:    "coordinator",
		ServiceID: serviceID,
		CommitNum: toCommitNum,
		Level:     EventLevelWarning,
		Message:   fmt.Sprintf("Rolled back %d commit(s) to %d", removed, toCommitNum),
		Data:      map[string]interface{}{"removed": removed},
	})
}

// PublishForkResolved publishes a fork resolution event.
func (ep *EventPublisher) PublishForkResolved(serviceID string, ancestorNum int64, commitID string) error {
	return ep.Publish(Event{
		Type:      EventTypeForkResolved,
		Source:    "syncer",
		ServiceID: serviceID,
		CommitNum: ancestorNum,
		Level:     EventLevelWarning,
		Message:   fmt.Sprintf("Fork resolved at ancestor %d before applying %s", ancestorNum, commitID),
	})
}

// PublishSyncFailed publishes a failed commit ingestion.
func (ep *EventPublisher) PublishSyncFailed(serviceID, commitID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeSyncFailed,
		Source:    "syncer",
		ServiceID: serviceID,
		Level:     EventLevelError,
		Message:   fmt.Sprintf("Commit %s could not be applied: %s", commitID, reason),
		Data:      map[string]interface{}{"commit_id": commitID},
	})
}

// PublishBatchSubmitted publishes a batch submission event.
func (ep *EventPublisher) PublishBatchSubmitted(serviceID, batchID string) error {
	return ep.Publish(Event{
		Type:      EventTypeBatchSubmitted,
		Source:    "batch_store",
		ServiceID: serviceID,
		BatchID:   batchID,
		Message:   fmt.Sprintf("Batch %s submitted", batchID),
	})
}

// PublishBatchStatusChanged publishes a batch status transition.
func (ep *EventPublisher) PublishBatchStatusChanged(batchID, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeBatchStatusChanged,
		Source:  "batch_store",
		BatchID: batchID,
		Message: fmt.Sprintf("Batch %s moved from %s to %s", batchID, from, to),
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents batches buffered events and delivers them when the batch is
// full or the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent hands an event to every matching subscriber. Async delivery
// runs subscribers inline on the processing goroutine, preserving order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

var eventLevels = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	minLevelValue := eventLevels[minLevel]
	return func(event Event) bool {
		return eventLevels[event.Level] >= minLevelValue
	}
}

// EventSink returns a subscriber that writes every event to logger at the
// event's level and counts it in metrics. Either argument may be nil.
func EventSink(logger *Logger, metrics *Metrics) EventSubscriber {
	if logger == nil {
		logger = NewNopLogger()
	}
	return func(event Event) {
		metrics.RecordEvent(event.Type, event.Level)

		zl := logger.Zerolog()
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = zl.Error()
		case EventLevelWarning:
			e = zl.Warn()
		default:
			e = zl.Info()
		}
		if e == nil {
			return
		}
		serviceID := event.ServiceID
		if serviceID == "" {
			serviceID = "global"
		}
		e = e.Str("event_id", event.ID).
			Str("event_type", event.Type).
			Str("source", event.Source).
			Str("service_id", serviceID)
		if event.CommitNum != 0 {
			e = e.Int64("commit_num", event.CommitNum)
		}
		if event.BatchID != "" {
			e = e.Str("batch_id", event.BatchID)
		}
		if len(event.Data) > 0 {
			e = e.Fields(event.Data)
		}
		e.Msg(event.Message)
	}
}
