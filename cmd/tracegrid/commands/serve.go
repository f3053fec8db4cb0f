package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tracegrid/tracegrid/pkg/config"
	"github.com/tracegrid/tracegrid/pkg/ledger"
	"github.com/tracegrid/tracegrid/pkg/restapi"
	"github.com/tracegrid/tracegrid/pkg/stores"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var listenAddress string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		Long: `Serve the read models over the REST API.

serve does not ingest ledger commits. The REST API only reads, so commits
must be written by another process through "tracegrid commit apply" or
"tracegrid commit rollback". For that writer's commits to be visible here,
both processes must share a SQL backend (sqlite or postgres); the memory
driver keeps a private store per process.

When ledger.status_url is configured, submitted batches are polled against
the ledger and their status is kept current. When metrics.listen_address is
configured, Prometheus metrics are also served on a dedicated listener.
Changes to the config file's log level take effect without a restart.`,
		Example: `  # Serve with defaults (in-memory storage on :8080)
  tracegrid serve

  # Serve a SQLite database
  TRACEGRID_STORAGE_DRIVER=sqlite TRACEGRID_SQLITE_PATH=tracegrid.db tracegrid serve

  # Serve with a config file, overriding the listen address
  tracegrid serve -c tracegrid.yaml --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.API.ListenAddress = listenAddress
			}
			return serve(cmd.Context(), opts.configPath, cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen", "", "REST API listen address (overrides config)")

	return cmd
}

func serve(ctx context.Context, configPath string, cfg *config.Config) error {
	// Loggers are built at the lowest level and gated by the global level,
	// so that a reload can lower it as well as raise it.
	tcfg := cfg.Telemetry
	tcfg.Logging.Level = "trace"
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	st, err := stores.Open(ctx, cfg.StoresConfig(), stores.WithTelemetry(tel))
	if err != nil {
		return err
	}
	defer closeStores(st)

	logger := tel.Logger.NewComponentLogger("serve")
	tel.Events.Subscribe(telemetry.EventSink(tel.Logger.NewComponentLogger("events"), tel.Metrics), nil)
	if st.Driver() == stores.DriverMemory {
		logger.Warn("memory storage is private to this process, commits applied elsewhere will not be visible")
	}
	logger.WithFields(map[string]interface{}{
		"driver":         st.Driver(),
		"listen_address": cfg.API.ListenAddress,
		"default_tenant": cfg.Tenancy.DefaultServiceID,
	}).Info("starting tracegrid")

	g, ctx := errgroup.WithContext(ctx)

	server := restapi.NewServer(cfg.APIServerConfig(), st.View, tel)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return tel.Metrics.Serve(ctx, logger) })

	if cfg.Ledger.StatusURL != "" {
		client := ledger.NewHTTPStatusClient(cfg.Ledger.StatusURL, nil)
		poller := ledger.NewStatusPoller(st.Batches, client, cfg.PollerConfig(), tel.Logger, tel.Metrics)
		g.Go(func() error { return poller.Run(ctx) })
	} else {
		logger.Info("ledger.status_url not set, batch status polling disabled")
	}

	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(next *config.Config) {
				level := next.Telemetry.Logging.Level
				telemetry.SetGlobalLevel(level)
				logger.WithField("level", level).Info("log level updated")
			})
		})
	}

	return g.Wait()
}
