package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/tracegrid/tracegrid/pkg/config"
	"github.com/tracegrid/tracegrid/pkg/stores"
	"github.com/tracegrid/tracegrid/pkg/telemetry"
)

func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("config", o.configPath).
		Str("driver", cfg.Storage.Driver).
		Msg("Configuration loaded")
	return cfg, nil
}

// openStores opens storage for a one-shot command. Events are delivered
// inline so nothing is lost when the command exits.
func (o *globalOptions) openStores(ctx context.Context, cfg *config.Config) (*stores.Stores, error) {
	tcfg := cfg.Telemetry
	tcfg.Tracing.Enabled = false
	tcfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return stores.Open(ctx, cfg.StoresConfig(), stores.WithTelemetry(tel))
}

func closeStores(st *stores.Stores) {
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close storage")
	}
}

// print writes v as indented JSON when --json is set and as text otherwise.
func (o *globalOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
