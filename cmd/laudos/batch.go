package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"laudos/internal/access"
	"laudos/internal/app"
	"laudos/internal/domain"
	"laudos/internal/engine"
	"laudos/internal/repo"
)

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Manage assessment batches"}
	cmd.AddCommand(batchCreateCmd())
	cmd.AddCommand(batchListCmd())
	cmd.AddCommand(batchShowCmd())
	cmd.AddCommand(batchTransitionCmd("release", "Release a draft batch", access.OpBatchRelease,
		func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Batch, error) {
			return rt.Engine.ReleaseBatch(ctx, ac, id)
		}))
	cmd.AddCommand(batchTransitionCmd("complete", "Complete a released batch", access.OpBatchComplete,
		func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Batch, error) {
			return rt.Engine.CompleteBatch(ctx, ac, id)
		}))
	cmd.AddCommand(batchTransitionCmd("deliver", "Mark a sealed batch delivered", access.OpBatchDeliver,
		func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Batch, error) {
			return rt.Engine.MarkDelivered(ctx, ac, id)
		}))
	cmd.AddCommand(batchCancelCmd())
	cmd.AddCommand(batchRequestEmissionCmd())
	cmd.AddCommand(batchReprocessCmd())
	cmd.AddCommand(batchForceEmissionCmd())
	cmd.AddCommand(batchProgressCmd())
	return cmd
}

func batchCreateCmd() *cobra.Command {
	var id, title, tenantID, orgID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchCreate, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				b, err := rt.Engine.CreateBatch(ctx, ac, engine.BatchCreateOptions{
					ID:             id,
					TenantID:       tenantID,
					OrganizationID: orgID,
					Title:          title,
				})
				if err != nil {
					return err
				}
				return printBatch(b)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "batch title")
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "owning tenant (defaults to the acting scope)")
	cmd.Flags().StringVar(&orgID, "org-id", "", "owning organization")
	return cmd
}

func batchListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				items, err := rt.Engine.ListBatches(ctx, ac, repo.BatchFilter{State: domain.BatchState(state), Limit: limit})
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "#", "Title", "State", "Updated"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.TenantID, b.Ordinal, b.Title, b.State, b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max batches")
	return cmd
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show a batch and its assessment tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				b, err := rt.Engine.GetBatch(ctx, ac, args[0])
				if err != nil {
					return err
				}
				tally, err := rt.Engine.Tally(ctx, ac, b.ID)
				if err != nil {
					return err
				}
				if jsonMode() {
					return printJSON(map[string]any{"batch": b, "tally": tally})
				}
				if err := printBatch(b); err != nil {
					return err
				}
				fmt.Printf("assessments: %d total, %d completed, %d excluded, %d outstanding\n",
					tally.Total, tally.Completed, tally.Excluded, tally.Outstanding())
				return nil
			})
		},
	}
}

type batchAction func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Batch, error)

func batchTransitionCmd(use, short, op string, run batchAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), op, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				b, err := run(ctx, rt, ac, args[0])
				if err != nil {
					return err
				}
				return printBatch(b)
			})
		},
	}
}

func batchCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <batch-id>",
		Short: "Cancel a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchCancel, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				b, err := rt.Engine.CancelBatch(ctx, ac, args[0], reason)
				if err != nil {
					return err
				}
				return printBatch(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func batchRequestEmissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request-emission <batch-id>",
		Short: "Queue the batch's report for sealing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRequestEmission, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				entry, err := rt.Queue.Enqueue(ctx, ac, args[0])
				if err != nil {
					return err
				}
				return printEntries([]domain.EmissionEntry{entry})
			})
		},
	}
}

func batchReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <batch-id>",
		Short: "Requeue a failed emission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchReprocess, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				entry, err := rt.Queue.Reprocess(ctx, ac, args[0])
				if err != nil {
					return err
				}
				return printEntries([]domain.EmissionEntry{entry})
			})
		},
	}
}

func batchForceEmissionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "force-emission <batch-id>",
		Short: "Force emission of a completed or failed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchForceEmission, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				entry, err := rt.Queue.ForceEmission(ctx, ac, args[0], reason)
				if err != nil {
					return err
				}
				return printEntries([]domain.EmissionEntry{entry})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "justification recorded in the audit trail")
	return cmd
}

func batchProgressCmd() *cobra.Command {
	var wait bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "progress <batch-id>",
		Short: "Show emission progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				for {
					p, err := rt.Engine.Progress(ctx, ac, args[0])
					if err != nil {
						return err
					}
					if jsonMode() {
						if err := printJSON(p); err != nil {
							return err
						}
					} else {
						fmt.Printf("%-9s %3d%%  %s\n", p.Stage, p.Percent, p.Message)
					}
					if !wait || p.Stage.Terminal() {
						return nil
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(every):
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until sealed or failed")
	cmd.Flags().DurationVar(&every, "every", time.Second, "poll interval with --wait")
	return cmd
}

func printBatch(b domain.Batch) error {
	if jsonMode() {
		return printJSON(b)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", b.ID},
		{"Tenant", b.TenantID},
		{"Organization", deref(b.OrganizationID)},
		{"Ordinal", b.Ordinal},
		{"Title", b.Title},
		{"State", b.State},
		{"Updated", b.UpdatedAt},
	})
	if b.CancelReason != nil {
		tw.AppendRow(table.Row{"Cancel reason", *b.CancelReason})
	}
	tw.Render()
	return nil
}

func printEntries(items []domain.EmissionEntry) error {
	if jsonMode() {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Entry", "Batch", "Status", "Phase", "Attempts", "Last error", "Updated"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.BatchID, e.Status, e.Phase, e.Attempts, deref(e.LastError), e.UpdatedAt})
	}
	tw.Render()
	return nil
}
