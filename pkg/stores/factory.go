package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/tracegrid/tracegrid/internal/backend"
	"github.com/tracegrid/tracegrid/internal/backend/memory"
	"github.com/tracegrid/tracegrid/internal/backend/sqlstore"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Drivers lists every storage driver Open accepts.
var Drivers = []string{DriverMemory, DriverSQLite, DriverPostgres}

// Config selects and configures the storage backend.
type Config struct {
	// Driver is one of Drivers.
	Driver string
	// DSN is the SQLite database path or the PostgreSQL connection string.
	// The memory driver ignores it.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// AcquireTimeout bounds the wait for a pooled connection.
	AcquireTimeout time.Duration
	// BusyTimeout is how long SQLite waits on a locked database file.
	BusyTimeout time.Duration
	// SkipMigrate disables schema migration on open.
	SkipMigrate bool
}

// Option configures the instrumentation shared by the stores.
type Option func(*options)

type options struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	clock   func() time.Time
}

func defaultOptions() *options {
	return &options{
		logger: telemetry.NewNopLogger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithEvents sets the publisher receiving commit and batch events.
func WithEvents(e *telemetry.EventPublisher) Option {
	return func(o *options) { o.events = e }
}

// WithClock overrides the time source used to stamp commits and batches.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithTelemetry applies every component of a telemetry bundle.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			o.logger = t.Logger
		}
		o.metrics = t.Metrics
		o.tracer = t.Tracer
		o.events = t.Events
	}
}

// View is the read side of a store bundle. It carries no way to apply or
// roll back commits, so it is what read-only surfaces like the REST API get.
type View struct {
	Commits       *CommitStore
	Organizations *RecordStore[model.Organization]
	Agents        *RecordStore[model.Agent]
	Roles         *RecordStore[model.Role]
	Schemas       *RecordStore[model.Schema]
	Products      *RecordStore[model.Product]
	Locations     *RecordStore[model.Location]
	Provenance    *RecordStore[model.ProvenanceRecord]
	Batches       *BatchStore

	backend backend.Backend
}

// Stores bundles every store built over one backend. The embedded View
// holds the readers; Coordinator is the single writer.
type Stores struct {
	*View
	Coordinator *Coordinator

	logger *telemetry.Logger
}

// Open builds the backend named by cfg.Driver, migrates it unless
// cfg.SkipMigrate is set, and returns the store bundle.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Stores, error) {
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.SkipMigrate {
		if err := be.Migrate(ctx); err != nil {
			_ = be.Close()
			return nil, fmt.Errorf("failed to migrate %s storage: %w", be.Name(), err)
		}
	}

	return newStores(be, opts...), nil
}

func openBackend(ctx context.Context, cfg Config) (backend.Backend, error) {
	sc := sqlstore.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AcquireTimeout:  cfg.AcquireTimeout,
		BusyTimeout:     cfg.BusyTimeout,
	}

	switch cfg.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, sc)
	case DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, sc)
	default:
		return nil, model.InvalidArgument("stores.open", "unsupported storage driver %q (want one of %v)", cfg.Driver, Drivers)
	}
}

func newStores(be backend.Backend, opts ...Option) *Stores {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	view := &View{
		Commits:       newCommitStore(be, o),
		Organizations: newRecordStore[model.Organization](be, o),
		Agents:        newRecordStore[model.Agent](be, o),
		Roles:         newRecordStore[model.Role](be, o),
		Schemas:       newRecordStore[model.Schema](be, o),
		Products:      newRecordStore[model.Product](be, o),
		Locations:     newRecordStore[model.Location](be, o),
		Provenance:    newRecordStore[model.ProvenanceRecord](be, o),
		Batches:       newBatchStore(be, o),
		backend:       be,
	}
	return &Stores{
		View:        view,
		Coordinator: newCoordinator(be, o),
		logger:      o.logger.NewComponentLogger("stores"),
	}
}

// Driver returns the name of the backend in use.
func (v *View) Driver() string {
	return v.backend.Name()
}

// Ping checks that the backend is reachable.
func (v *View) Ping(ctx context.Context) error {
	return v.backend.Ping(ctx)
}

// Migrate brings the backend schema up to date.
func (s *Stores) Migrate(ctx context.Context) error {
	return s.backend.Migrate(ctx)
}

// Close releases the backend and its connection pool.
func (s *Stores) Close() error {
	err := s.backend.Close()
	if err != nil {
		s.logger.WithError(err).Warn("failed to close storage backend")
	}
	return err
}
