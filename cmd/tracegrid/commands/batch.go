package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tracegrid/tracegrid/pkg/model"
	"github.com/tracegrid/tracegrid/pkg/stores"
)

func newBatchCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Track submitted ledger batches",
	}

	cmd.AddCommand(newBatchSubmitCommand(opts))
	cmd.AddCommand(newBatchStatusCommand(opts))

	return cmd
}

func newBatchSubmitCommand(opts *globalOptions) *cobra.Command {
	var b model.Batch

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a submitted batch as pending",
		Long: `Record a batch submitted to the ledger so that its status can be tracked.

Submitting the same id and signature again is a no-op; a batch whose
status was lost is moved back to pending.`,
		Example: `  tracegrid batch submit --id 3f2a... --signature 3f2a... --submitter 02b7...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				saved, err := st.Batches.Submit(cmd.Context(), b)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), saved, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", saved.BatchID, saved.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&b.BatchID, "id", "", "batch id")
	cmd.Flags().StringVar(&b.HeaderSignature, "signature", "", "batch header signature")
	cmd.Flags().StringVar(&b.Submitter, "submitter", "", "submitter public key")
	cmd.Flags().StringVarP(&b.ServiceID, "service", "s", "", "service id the batch targets")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("signature")
	_ = cmd.MarkFlagRequired("submitter")

	return cmd
}

func newBatchStatusCommand(opts *globalOptions) *cobra.Command {
	var batchID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStores(cmd.Context(), func(st *stores.Stores) error {
				b, err := st.Batches.Get(cmd.Context(), batchID)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), b, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", b.BatchID, b.Status)
				})
			})
		},
	}

	cmd.Flags().StringVar(&batchID, "id", "", "batch id")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}
