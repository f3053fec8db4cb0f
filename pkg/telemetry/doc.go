// Package telemetry provides the observability stack shared by every tracegrid
// component: structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and in-process store events.
//
// # Usage
//
// Build the bundle once at startup and attach it to the root context:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Loggers carry component, service and commit fields:
//
//	log := tel.Logger.NewComponentLogger("coordinator").
//	    WithServiceID(serviceID).
//	    WithCommit(commit.CommitNum, commit.CommitID)
//	log.Info("commit applied")
//
// An empty service id is logged as "global".
//
// # Tracing
//
// Spans are exported over OTLP/gRPC or to stdout. With tracing disabled the
// tracer still produces valid (unexported) spans, so callers never branch:
//
//	ctx, span := tel.Tracer.StartCommitSpan(ctx, serviceID, num, id)
//	defer func() { telemetry.EndSpan(span, err) }()
//
// # Metrics
//
// Every collector lives in a private registry exposed through Metrics.Handler,
// which the REST server mounts at /metrics. A nil or disabled *Metrics accepts
// every Record call.
//
// # Events
//
// EventPublisher fans commit and batch events out to in-process subscribers,
// synchronously or through a buffered goroutine that flushes on size or on
// FlushInterval. EventSink is the subscriber the server installs: it logs
// each event at its level and counts it in events_total.
package telemetry
