package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tracegrid/tracegrid/pkg/ledger"
	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/stores"
)

func newCommitCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Inspect and manage applied ledger commits",
		Long: `Inspect and manage the commit chains applied to the read models.

Every service has its own chain; omit --service to address the Global chain.`,
	}

	cmd.AddCommand(newCommitHeadCommand(opts))
	cmd.AddCommand(newCommitListCommand(opts))
	cmd.AddCommand(newCommitApplyCommand(opts))
	cmd.AddCommand(newCommitRollbackCommand(opts))

	return cmd
}

// withStores loads configuration, opens storage and runs fn.
func (o *globalOptions) withStores(ctx context.Context, fn func(*stores.Stores) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	st, err := o.openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores(st)
	return fn(st)
}

func newCommitHeadCommand(opts *globalOptions) *cobra.Command {
	var serviceID string

	cmd := &cobra.Command{
		Use:   "head",
		Short: "Show the latest applied commit of a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				head, err := st.Commits.Current(cmd.Context(), serviceID)
				if err != nil {
					return err
				}
				if head == nil {
					return model.NotFound("commit.head", "no commits applied for %s", model.ForService(serviceID))
				}
				return opts.print(cmd.OutOrStdout(), head, func(w io.Writer) {
					fmt.Fprintf(w, "%d %s\n", head.CommitNum, head.CommitID)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&serviceID, "service", "s", "", "service id (empty for Global)")

	return cmd
}

func newCommitListCommand(opts *globalOptions) *cobra.Command {
	var (
		serviceID string
		offset    int
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List applied commits, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			paging, err := model.NewPaging(offset, limit)
			if err != nil {
				return err
			}
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				page, err := st.Commits.List(cmd.Context(), serviceID, paging)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), page, func(w io.Writer) {
					for _, c := range page.Items {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.CommitNum, c.CommitID, c.PreviousCommitID, c.AppliedAt.Format("2006-01-02T15:04:05Z07:00"))
					}
					fmt.Fprintf(w, "%d of %d\n", len(page.Items), page.Total)
				})
			})
		},
	}

	cmd.Flags().StringVarP(&serviceID, "service", "s", "", "service id (empty for Global)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of commits to skip")
	cmd.Flags().IntVar(&limit, "limit", model.DefaultLimit, "maximum number of commits to show")

	return cmd
}

func newCommitApplyCommand(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply commit events from a JSON file",
		Long: `Apply ledger commit events read from a JSON file.

The file holds one event or an array of events, each shaped as
{"commit": {...}, "changes": [...]}. Events go through the same
synchronizer the ledger feed uses: commits already applied are skipped and
a commit whose predecessor differs from the current head rolls the service
back to the common ancestor first.`,
		Example: `  tracegrid commit apply -f commits.json
  cat commit.json | tracegrid commit apply -f -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readCommitEvents(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				return applyEvents(cmd.Context(), st, events)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "commit event file, - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readCommitEvents(stdin io.Reader, file string) ([]ledger.CommitEvent, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var events []ledger.CommitEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("failed to parse commit events: %w", err)
		}
		return events, nil
	}
	var ev ledger.CommitEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse commit event: %w", err)
	}
	return []ledger.CommitEvent{ev}, nil
}

func applyEvents(ctx context.Context, st *stores.Stores, events []ledger.CommitEvent) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	syncer := ledger.NewSyncer(st.Coordinator, st.Commits,
		ledger.WithErrorHandler(func(ev ledger.CommitEvent, err error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, fmt.Errorf("commit %s (%s #%d): %w",
				ev.Commit.CommitID, model.ForService(ev.Commit.ServiceID), ev.Commit.CommitNum, err))
		}),
	)

	src := ledger.NewChanSource(len(events))
	for _, ev := range events {
		if err := src.Publish(ctx, ev); err != nil {
			return err
		}
	}
	src.Close()

	if err := syncer.Run(ctx, src); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info().Int("events", len(events)).Msg("Commit events applied")
	return nil
}

func newCommitRollbackCommand(opts *globalOptions) *cobra.Command {
	var (
		serviceID string
		to        int64
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll a service back to an earlier commit",
		Long: `Undo every commit after --to on the given service, restoring each
affected record to its state as of that commit. --to 0 clears the service's
history entirely.`,
		Example: `  tracegrid commit rollback --service circuit-01::svc-a --to 41`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				if err := st.Coordinator.RollbackTo(cmd.Context(), serviceID, to); err != nil {
					return err
				}
				log.Info().Str("service_id", serviceID).Int64("commit_num", to).Msg("Rolled back")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&serviceID, "service", "s", "", "service id (empty for Global)")
	cmd.Flags().Int64Var(&to, "to", 0, "commit number to keep")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}
