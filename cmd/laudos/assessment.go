package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"laudos/internal/access"
	"laudos/internal/app"
	"laudos/internal/domain"
	"laudos/internal/engine"
)

func assessmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assessment", Short: "Manage assessments inside a batch"}
	cmd.AddCommand(assessmentAssignCmd())
	cmd.AddCommand(assessmentListCmd())
	cmd.AddCommand(assessmentMoveCmd("start", "Start an assessment",
		func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Assessment, error) {
			return rt.Engine.StartAssessment(ctx, ac, id)
		}))
	cmd.AddCommand(assessmentMoveCmd("complete", "Complete an assessment",
		func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Assessment, error) {
			return rt.Engine.CompleteAssessment(ctx, ac, id)
		}))
	cmd.AddCommand(assessmentExcludeCmd())
	return cmd
}

func assessmentAssignCmd() *cobra.Command {
	var id, subject string
	cmd := &cobra.Command{
		Use:   "assign <batch-id>",
		Short: "Assign a subject to a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpAssessmentWrite, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				a, err := rt.Engine.AssignAssessment(ctx, ac, engine.AssessmentAssignOptions{ID: id, BatchID: args[0], SubjectID: subject})
				if err != nil {
					return err
				}
				return printAssessments([]domain.Assessment{a})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "assessment id (generated when empty)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <batch-id>",
		Short: "List a batch's assessments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpBatchRead, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				items, err := rt.Engine.ListAssessments(ctx, ac, args[0])
				if err != nil {
					return err
				}
				return printAssessments(items)
			})
		},
	}
}

type assessmentAction func(ctx context.Context, rt *app.Runtime, ac access.Context, id string) (domain.Assessment, error)

func assessmentMoveCmd(use, short string, run assessmentAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <assessment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpAssessmentWrite, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				a, err := run(ctx, rt, ac, args[0])
				if err != nil {
					return err
				}
				return printAssessments([]domain.Assessment{a})
			})
		},
	}
}

func assessmentExcludeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "exclude <assessment-id>",
		Short: "Exclude an assessment from completion accounting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccess(cmd.Context(), access.OpAssessmentWrite, func(ctx context.Context, rt *app.Runtime, ac access.Context) error {
				a, err := rt.Engine.ExcludeAssessment(ctx, ac, args[0], reason)
				if err != nil {
					return err
				}
				return printAssessments([]domain.Assessment{a})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "justification, at least 10 characters")
	return cmd
}

func printAssessments(items []domain.Assessment) error {
	if jsonMode() {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Batch", "Subject", "State", "Completed", "Exclusion reason"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.BatchID, a.SubjectID, a.State, deref(a.CompletedAt), deref(a.ExclusionReason)})
	}
	tw.Render()
	return nil
}
