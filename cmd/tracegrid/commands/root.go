package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	jsonOutput bool
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tracegrid",
		Short: "tracegrid - ledger state synchronization for supply-chain read models",
		Long: `tracegrid keeps a queryable copy of ledger state in sync with the ledger.

It applies committed ledger state changes to per-service read models
(organizations, agents, roles, schemas, products, locations and provenance
records), rolls them back when the ledger forks, tracks submitted batches
and serves the result over a REST API.

Storage backends: memory, sqlite, postgres.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newCommitCommand(opts))
	rootCmd.AddCommand(newBatchCommand(opts))

	return rootCmd
}
