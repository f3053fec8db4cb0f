package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// Coordinator is the single writer of commits and domain records.
//
// Apply writes every state change of a commit, the undo entries reversing
// them, and the advanced commit head in one backend transaction. RollbackTo
// replays undo entries newest first and truncates the chain, also in one
// transaction. At most one Apply or RollbackTo runs per service at a time;
// different services proceed concurrently where the backend allows it.
type Coordinator struct {
	backend backend.Backend
	locks   *serviceLocks
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	clock   func() time.Time
}

func newCoordinator(b backend.Backend, o *options) *Coordinator {
	return &Coordinator{
		backend: b,
		locks:   newServiceLocks(),
		logger:  o.logger.NewComponentLogger("coordinator"),
		metrics: o.metrics,
		tracer:  o.tracer,
		events:  o.events,
		clock:   o.clock,
	}
}

// Apply applies one ledger commit and its state changes, in delivery order.
//
// commit.CommitNum may be 0 to take the next number; otherwise it must be
// exactly head+1. commit.PreviousCommitID must equal the current head's id
// unless the service has no history. Any failure aborts the whole commit and
// leaves no trace of it.
func (c *Coordinator) Apply(ctx context.Context, commit model.Commit, changes []model.StateChange) (pos model.CommitPosition, err error) {
	const op = "coordinator.apply"
	if err := validateCommit(op, commit, changes); err != nil {
		c.metrics.RecordCommitApplied(string(model.KindInvalidArgument), len(changes), 0)
		return model.CommitPosition{}, err
	}

	timer := telemetry.NewTimer()
	log := c.logger.WithServiceID(commit.ServiceID)
	ctx, span := c.tracer.StartCommitSpan(ctx, commit.ServiceID, commit.CommitNum, commit.CommitID)
	defer func() {
		telemetry.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = string(model.KindOf(err))
			log.WithCommit(commit.CommitNum, commit.CommitID).
				WithError(err).
				WithField("kind", result).
				Error("commit application failed")
			c.metrics.RecordError(result, op)
		}
		c.metrics.RecordCommitApplied(result, len(changes), timer.Duration())
	}()

	release, err := c.locks.lock(ctx, commit.ServiceID)
	if err != nil {
		return model.CommitPosition{}, model.Internal(op, err)
	}
	defer release()

	tx, err := c.backend.Begin(ctx, commit.ServiceID)
	if err != nil {
		return model.CommitPosition{}, model.AsError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := tx.CommitHead(ctx, commit.ServiceID)
	if err != nil {
		return model.CommitPosition{}, model.AsError(op, err)
	}
	next := int64(1)
	if head != nil {
		next = head.CommitNum + 1
	}
	if commit.CommitNum == 0 {
		commit.CommitNum = next
	}
	if commit.CommitNum != next {
		return model.CommitPosition{}, model.Conflict(op, "commit %s has number %d, expected %d", commit.CommitID, commit.CommitNum, next)
	}
	if head != nil && commit.PreviousCommitID != head.CommitID {
		return model.CommitPosition{}, model.Conflict(op, "commit %s follows %q but head is %q", commit.CommitID, commit.PreviousCommitID, head.CommitID)
	}

	undo := make([]backend.UndoEntry, 0, len(changes))
	for i, change := range changes {
		entry, err := c.applyChange(ctx, tx, commit, change)
		if err != nil {
			return model.CommitPosition{}, model.AsError(op, fmt.Errorf("change %d (%s %s): %w", i, change.Op, change.Entity, err))
		}
		entry.Position = i
		undo = append(undo, entry)
	}

	if len(undo) > 0 {
		if err := tx.SaveUndo(ctx, undo); err != nil {
			return model.CommitPosition{}, model.AsError(op, err)
		}
	}

	commit.AppliedAt = c.clock()
	if err := tx.InsertCommit(ctx, commit); err != nil {
		return model.CommitPosition{}, model.AsError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.CommitPosition{}, model.AsError(op, err)
	}

	log.WithCommit(commit.CommitNum, commit.CommitID).
		WithField("changes", len(changes)).
		Info("commit applied")
	_ = c.events.PublishCommitApplied(commit.ServiceID, commit.CommitNum, commit.CommitID, len(changes))

	return commit.Position(), nil
}

// applyChange performs one state change and returns the undo entry that
// reverses it.
func (c *Coordinator) applyChange(ctx context.Context, tx backend.Tx, commit model.Commit, change model.StateChange) (backend.UndoEntry, error) {
	const op = "coordinator.apply_change"
	key := change.Key
	if key == "" {
		key = change.Record.NaturalKey()
	}
	entry := backend.UndoEntry{
		ServiceID: commit.ServiceID,
		CommitNum: commit.CommitNum,
		Entity:    change.Entity,
		Key:       key,
	}

	prior, err := tx.GetRow(ctx, change.Entity, commit.ServiceID, key)
	exists := err == nil
	if err != nil && !model.IsNotFound(err) {
		return entry, err
	}
	if exists {
		entry.Prior = &prior
	}

	switch change.Op {
	case model.OpAdd:
		if exists {
			return entry, model.Conflict(op, "%s %q already exists", change.Entity, displayKey(key))
		}
		row, err := newRow(op, commit, key, change.Record)
		if err != nil {
			return entry, err
		}
		_, err = tx.InsertRow(ctx, row)
		return entry, err

	case model.OpUpdate:
		if !exists {
			return entry, model.NotFound(op, "%s %q does not exist", change.Entity, displayKey(key))
		}
		row, err := newRow(op, commit, key, change.Record)
		if err != nil {
			return entry, err
		}
		return entry, tx.UpdateRow(ctx, row)

	case model.OpDelete:
		if !exists {
			return entry, model.NotFound(op, "%s %q does not exist", change.Entity, displayKey(key))
		}
		return entry, tx.DeleteRow(ctx, change.Entity, commit.ServiceID, key)

	default:
		return entry, model.InvalidArgument(op, "unknown operation %q", change.Op)
	}
}

func newRow(op string, commit model.Commit, key string, rec model.Record) (backend.Row, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return backend.Row{}, model.InvalidArgument(op, "encode %s: %v", rec.Entity(), err)
	}
	return backend.Row{
		Entity:        rec.Entity(),
		ServiceID:     commit.ServiceID,
		Key:           key,
		Group:         rec.GroupKey(),
		LastCommitNum: commit.CommitNum,
		Payload:       payload,
	}, nil
}

// RollbackTo undoes every commit of the service numbered above commitNum.
// A target at or above the head is a no-op; 0 removes the whole history.
func (c *Coordinator) RollbackTo(ctx context.Context, serviceID string, commitNum int64) (err error) {
	const op = "coordinator.rollback"
	if err := validateServiceID(op, serviceID); err != nil {
		return err
	}
	if commitNum < 0 {
		return model.InvalidState(op, "rollback target must not be negative, got %d", commitNum)
	}

	timer := telemetry.NewTimer()
	log := c.logger.WithServiceID(serviceID).WithField("target", commitNum)
	ctx, span := c.tracer.StartRollbackSpan(ctx, serviceID, commitNum)
	var removed int64
	defer func() {
		telemetry.EndSpan(span, err)
		result := "ok"
		if err != nil {
			result = string(model.KindOf(err))
			log.WithError(err).WithField("kind", result).Error("rollback failed")
			c.metrics.RecordError(result, op)
		}
		c.metrics.RecordRollback(result, removed, timer.Duration())
	}()

	release, err := c.locks.lock(ctx, serviceID)
	if err != nil {
		return model.Internal(op, err)
	}
	defer release()

	tx, err := c.backend.Begin(ctx, serviceID)
	if err != nil {
		return model.AsError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := tx.CommitHead(ctx, serviceID)
	if err != nil {
		return model.AsError(op, err)
	}
	if head == nil || commitNum >= head.CommitNum {
		log.Debug("rollback target at or above head, nothing to do")
		return nil
	}
	if commitNum > 0 {
		if _, err := tx.CommitByNum(ctx, serviceID, commitNum); err != nil {
			return model.AsError(op, err)
		}
	}

	entries, err := tx.LoadUndoAfter(ctx, serviceID, commitNum)
	if err != nil {
		return model.AsError(op, err)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if err := revert(ctx, tx, entries[i]); err != nil {
			return model.AsError(op, fmt.Errorf("undo commit %d position %d: %w", entries[i].CommitNum, entries[i].Position, err))
		}
	}

	if err := tx.DeleteCommitsAfter(ctx, serviceID, commitNum); err != nil {
		return model.AsError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return model.AsError(op, err)
	}

	removed = head.CommitNum - commitNum
	log.WithField("removed", removed).Info("commits rolled back")
	_ = c.events.PublishCommitRolledBack(serviceID, commitNum, removed)
	return nil
}

// revert restores the key of one undo entry to its prior state.
func revert(ctx context.Context, tx backend.Tx, e backend.UndoEntry) error {
	if e.Prior == nil {
		return tx.DeleteRow(ctx, e.Entity, e.ServiceID, e.Key)
	}
	return tx.RestoreRow(ctx, *e.Prior)
}

func validateCommit(op string, commit model.Commit, changes []model.StateChange) error {
	if err := validateServiceID(op, commit.ServiceID); err != nil {
		return err
	}
	if err := model.ValidateKeyPart(commit.CommitID); err != nil {
		return model.InvalidArgument(op, "invalid commit id: %v", err)
	}
	if commit.CommitNum < 0 {
		return model.InvalidArgument(op, "commit number must not be negative, got %d", commit.CommitNum)
	}
	for i, change := range changes {
		if err := change.Validate(); err != nil {
			return model.InvalidArgument(op, "change %d: %v", i, err)
		}
		if commit.ServiceID == "" && !change.Entity.SupportsGlobal() {
			return model.InvalidArgument(op, "change %d: %s records require a service id", i, change.Entity)
		}
	}
	return nil
}

// displayKey renders a natural key with "/" between its parts.
func displayKey(key string) string {
	return strings.Join(model.SplitKey(key), "/")
}
