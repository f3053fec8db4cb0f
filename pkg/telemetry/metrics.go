package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for tracegrid. A nil or disabled
// Metrics accepts every Record call and does nothing.
type Metrics struct {
	config MetricsConfig

	// Commit chain metrics
	commitsApplied    *prometheus.CounterVec
	commitDuration    *prometheus.HistogramVec
	changesPerCommit  prometheus.Histogram
	rollbacks         *prometheus.CounterVec
	commitsRolledBack prometheus.Counter
	forksResolved     prometheus.Counter
	syncQueueDepth    *prometheus.GaugeVec
	syncEventsSkipped prometheus.Counter

	// Batch metrics
	batchesSubmitted  *prometheus.CounterVec
	batchTransitions  *prometheus.CounterVec
	batchPollDuration prometheus.Histogram

	// Query metrics
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Event metrics
	events *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commitsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_applied_total",
				Help:      "Total number of commit applications by result",
			},
			[]string{"result"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_operation_duration_seconds",
				Help:      "Duration of commit apply and rollback operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		changesPerCommit: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_state_changes",
				Help:      "Number of state changes per applied commit",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback requests by result",
			},
			[]string{"result"},
		),
		commitsRolledBack: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_rolled_back_total",
				Help:      "Total number of commits removed by rollbacks",
			},
		),
		forksResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forks_resolved_total",
				Help:      "Total number of ledger forks resolved by rolling back to a common ancestor",
			},
		),
		syncQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_queue_depth",
				Help:      "Number of commit events waiting per service worker",
			},
			[]string{"service_id"},
		),
		syncEventsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_events_skipped_total",
				Help:      "Commit events skipped because the commit was already applied",
			},
		),
		batchesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_submitted_total",
				Help:      "Total number of batch submissions by result",
			},
			[]string{"result"},
		),
		batchTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_status_transitions_total",
				Help:      "Total number of batch status transitions",
			},
			[]string{"from", "to"},
		),
		batchPollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_poll_duration_seconds",
				Help:      "Duration of one batch status polling round in seconds",
				Buckets:   buckets,
			},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_queries_total",
				Help:      "Total number of read-model queries",
			},
			[]string{"entity", "operation"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_query_duration_seconds",
				Help:      "Duration of read-model queries in seconds",
				Buckets:   buckets,
			},
			[]string{"entity", "operation"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of store errors by kind and operation",
			},
			[]string{"kind", "operation"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of store events delivered by type and level",
			},
			[]string{"type", "level"},
		),
	}

	registry.MustRegister(
		m.commitsApplied,
		m.commitDuration,
		m.changesPerCommit,
		m.rollbacks,
		m.commitsRolledBack,
		m.forksResolved,
		m.syncQueueDepth,
		m.syncEventsSkipped,
		m.batchesSubmitted,
		m.batchTransitions,
		m.batchPollDuration,
		m.queries,
		m.queryDuration,
		m.httpRequests,
		m.httpDuration,
		m.errorsByKind,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Commit Metrics

// RecordCommitApplied records one commit application attempt.
func (m *Metrics) RecordCommitApplied(result string, changes int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commitsApplied.WithLabelValues(result).Inc()
	m.commitDuration.WithLabelValues("apply").Observe(duration.Seconds())
	if result == "ok" {
		m.changesPerCommit.Observe(float64(changes))
	}
}

// RecordRollback records one rollback request and how many commits it removed.
func (m *Metrics) RecordRollback(result string, removed int64, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(result).Inc()
	m.commitDuration.WithLabelValues("rollback").Observe(duration.Seconds())
	if removed > 0 {
		m.commitsRolledBack.Add(float64(removed))
	}
}

// RecordForkResolved counts a resolved ledger fork.
func (m *Metrics) RecordForkResolved() {
	if !m.enabled() {
		return
	}
	m.forksResolved.Inc()
}

// RecordSyncSkipped counts a commit event dropped as already applied.
func (m *Metrics) RecordSyncSkipped() {
	if !m.enabled() {
		return
	}
	m.syncEventsSkipped.Inc()
}

// SetSyncQueueDepth sets the number of queued events of a service worker.
func (m *Metrics) SetSyncQueueDepth(serviceID string, depth int) {
	if !m.enabled() {
		return
	}
	m.syncQueueDepth.WithLabelValues(serviceID).Set(float64(depth))
}

// Batch Metrics

// RecordBatchSubmitted records a batch submission by result
// (created, duplicate, refreshed, conflict, error).
func (m *Metrics) RecordBatchSubmitted(result string) {
	if !m.enabled() {
		return
	}
	m.batchesSubmitted.WithLabelValues(result).Inc()
}

// RecordBatchTransition records a batch status change.
func (m *Metrics) RecordBatchTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.batchTransitions.WithLabelValues(from, to).Inc()
}

// RecordBatchPoll records the duration of a status polling round.
func (m *Metrics) RecordBatchPoll(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.batchPollDuration.Observe(duration.Seconds())
}

// Query Metrics

// RecordQuery records a read-model query.
func (m *Metrics) RecordQuery(entity, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.queries.WithLabelValues(entity, operation).Inc()
	m.queryDuration.WithLabelValues(entity, operation).Observe(duration.Seconds())
}

// HTTP Metrics

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by kind and operation.
func (m *Metrics) RecordError(kind, operation string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, operation).Inc()
}

// RecordEvent counts a delivered store event.
func (m *Metrics) RecordEvent(eventType, level string) {
	if !m.enabled() {
		return
	}
	m.events.WithLabelValues(eventType, level).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the registry backing this collector, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Serve exposes metrics on the dedicated listener until ctx is done. It
// returns immediately when no listen address is configured.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.WithField("address", m.config.ListenAddress).Info("metrics listener started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
