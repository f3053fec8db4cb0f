package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage schema migrations",
		Long: `Bring the configured database schema up to date.

Migrations are embedded in the binary and applied in order; running the
command against an up-to-date database is a no-op.`,
		Example: `  TRACEGRID_STORAGE_DRIVER=postgres TRACEGRID_POSTGRES_DSN=postgres://localhost/tracegrid tracegrid migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Storage.SkipMigrate = true

			st, err := opts.openStores(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStores(st)

			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info().Str("driver", st.Driver()).Msg("Schema is up to date")
			return nil
		},
	}
	return cmd
}
