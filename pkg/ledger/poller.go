package ledger

import (
	"context"
	"time"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

// StatusClient asks the ledger for the status of batches. Ids the ledger
// does not report are omitted from the result.
type StatusClient interface {
	BatchStatuses(ctx context.Context, batchIDs []string) (map[string]model.BatchStatus, error)
}

// BatchTracker is the part of the batch store the poller drives.
// *stores.BatchStore implements it.
type BatchTracker interface {
	ListPending(ctx context.Context, limit int) ([]model.Batch, error)
	UpdateStatus(ctx context.Context, batchID string, to model.BatchStatus) error
}

// PollerConfig configures a StatusPoller.
type PollerConfig struct {
	// Interval between polls.
	Interval time.Duration
	// Timeout bounds each status request.
	Timeout time.Duration
	// BatchLimit caps the batches checked per poll.
	BatchLimit int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = model.DefaultLimit
	}
	return c
}

// StatusPoller moves non-terminal batches along as the ledger reports on
// them. A failed or timed-out status request marks every polled batch
// Unknown.
type StatusPoller struct {
	batches BatchTracker
	client  StatusClient
	cfg     PollerConfig
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewStatusPoller creates a poller. logger and metrics may be nil.
func NewStatusPoller(batches BatchTracker, client StatusClient, cfg PollerConfig, logger *telemetry.Logger, metrics *telemetry.Metrics) *StatusPoller {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &StatusPoller{
		batches: batches,
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  logger.NewComponentLogger("status_poller"),
		metrics: metrics,
	}
}

// Run polls every Interval until ctx is done. Poll failures are logged and
// do not stop the loop.
func (p *StatusPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.WithField("interval", p.cfg.Interval).Info("batch status poller started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("batch status poller stopped")
			return nil
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("batch status poll failed")
			}
		}
	}
}

// PollOnce checks every non-terminal batch once.
func (p *StatusPoller) PollOnce(ctx context.Context) error {
	timer := telemetry.NewTimer()
	defer func() { p.metrics.RecordBatchPoll(timer.Duration()) }()

	pending, err := p.batches.ListPending(ctx, p.cfg.BatchLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, len(pending))
	for i, b := range pending {
		ids[i] = b.BatchID
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	reported, err := p.client.BatchStatuses(callCtx, ids)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.WithError(err).WithField("batches", len(ids)).Warn("ledger unreachable, marking batches unknown")
		for _, b := range pending {
			p.advance(ctx, b, model.BatchUnknown)
		}
		return nil
	}

	for _, b := range pending {
		status, ok := reported[b.BatchID]
		if !ok {
			continue
		}
		p.advance(ctx, b, status)
	}
	return nil
}

// advance moves one batch to the reported status. A Pending batch reported
// Committed passes through Valid.
func (p *StatusPoller) advance(ctx context.Context, b model.Batch, to model.BatchStatus) {
	if b.Status == to {
		return
	}
	log := p.logger.WithBatchID(b.BatchID)

	if b.Status == model.BatchPending && to == model.BatchCommitted {
		if err := p.batches.UpdateStatus(ctx, b.BatchID, model.BatchValid); err != nil {
			log.WithError(err).Warn("failed to mark batch valid")
			return
		}
	}
	if err := p.batches.UpdateStatus(ctx, b.BatchID, to); err != nil {
		log.WithError(err).WithField("to", to).Warn("failed to update batch status")
	}
}
