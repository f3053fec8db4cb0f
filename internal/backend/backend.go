// Package backend defines the persistence SPI shared by every storage driver.
//
// A Backend exposes read-only queries directly and hands out write access only
// through transactions obtained from Begin. The package is internal so that
// code outside this module can never reach a mutating handle; the stores
// package holds the only Backend reference and exposes read-only facades.
package backend

import (
	"context"
	"time"

	"github.com/tracegrid/tracegrid/pkg/model"
)

// Row is the persisted form of a domain record.
type Row struct {
	Entity        model.EntityType
	ServiceID     string
	Key           string
	Group         string
	Seq           int64
	LastCommitNum int64
	Payload       []byte
}

// UndoEntry restores one key to the state it had before a commit touched it.
// A nil Prior means the key did not exist and the row must be removed.
type UndoEntry struct {
	ServiceID string
	CommitNum int64
	Position  int
	Entity    model.EntityType
	Key       string
	Prior     *Row
}

// ListQuery selects a window of rows in one scope, ordered by natural key and
// then by insertion sequence.
type ListQuery struct {
	Entity    model.EntityType
	ServiceID string
	// Group filters on the entity's group column when non-empty.
	Group  string
	Offset int
	Limit  int
}

// Reader is the read view of a backend. Every call uses its own connection
// and observes only committed state.
type Reader interface {
	// GetRow returns the row or a NotFound error.
	GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (Row, error)
	// ListRows returns the requested window and the total count of the scope.
	ListRows(ctx context.Context, q ListQuery) ([]Row, int, error)
	// CommitHead returns the latest commit of a service, or nil when the
	// service has no history.
	CommitHead(ctx context.Context, serviceID string) (*model.Commit, error)
	CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error)
	CommitByID(ctx context.Context, serviceID, commitID string) (model.Commit, error)
	// ListCommits returns commits newest first with the total count.
	ListCommits(ctx context.Context, serviceID string, offset, limit int) ([]model.Commit, int, error)
}

// Tx is a write transaction scoped to one service. Nothing written through a
// Tx is visible to readers until Commit returns nil.
type Tx interface {
	CommitHead(ctx context.Context, serviceID string) (*model.Commit, error)
	CommitByNum(ctx context.Context, serviceID string, num int64) (model.Commit, error)
	// InsertCommit appends a commit. A duplicate number or id is a Conflict.
	InsertCommit(ctx context.Context, c model.Commit) error
	// DeleteCommitsAfter removes commits numbered above num together with
	// their undo entries.
	DeleteCommitsAfter(ctx context.Context, serviceID string, num int64) error

	GetRow(ctx context.Context, entity model.EntityType, serviceID, key string) (Row, error)
	// InsertRow stores a new row and returns it with its assigned Seq.
	// An existing key is a Conflict.
	InsertRow(ctx context.Context, row Row) (Row, error)
	// UpdateRow replaces payload, group and commit number, keeping Seq.
	UpdateRow(ctx context.Context, row Row) error
	DeleteRow(ctx context.Context, entity model.EntityType, serviceID, key string) error
	// RestoreRow writes row verbatim, Seq included, replacing any current row.
	RestoreRow(ctx context.Context, row Row) error

	SaveUndo(ctx context.Context, entries []UndoEntry) error
	// LoadUndoAfter returns the undo entries of commits numbered above num,
	// ordered by commit number then position, ascending.
	LoadUndoAfter(ctx context.Context, serviceID string, num int64) ([]UndoEntry, error)

	Commit() error
	Rollback() error
}

// BatchBackend persists submitted batches.
type BatchBackend interface {
	// InsertBatch stores a new batch. An existing id is a Conflict.
	InsertBatch(ctx context.Context, b model.Batch) error
	GetBatch(ctx context.Context, batchID string) (model.Batch, error)
	// CompareAndSetBatchStatus moves a batch from one status to another and
	// reports whether the stored status still equaled from.
	CompareAndSetBatchStatus(ctx context.Context, batchID string, from, to model.BatchStatus, at time.Time) (bool, error)
	// ListBatchesByStatus returns up to limit batches in any of the given
	// statuses, oldest submission first.
	ListBatchesByStatus(ctx context.Context, statuses []model.BatchStatus, limit int) ([]model.Batch, error)
}

// Backend is one storage driver instance owning one connection pool.
type Backend interface {
	Reader
	BatchBackend

	// Begin opens a write transaction for serviceID. Backends serialize
	// transactions of the same service.
	Begin(ctx context.Context, serviceID string) (Tx, error)
	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	// Name returns the driver name.
	Name() string
}
