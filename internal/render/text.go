// Package render produces the report artifact sealed for a batch.
package render

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"laudos/internal/domain"
)

// Text renders a plain-text report. The output depends only on the batch and
// its assessments, so rendering an unsealed batch again yields the same bytes.
type Text struct{}

func (Text) Render(ctx context.Context, b domain.Batch, assessments []domain.Assessment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := append([]domain.Assessment(nil), assessments...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SubjectID != rows[j].SubjectID {
			return rows[i].SubjectID < rows[j].SubjectID
		}
		return rows[i].ID < rows[j].ID
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "LAUDO %s\n", b.ID)
	head := table.NewWriter()
	head.AppendRows([]table.Row{
		{"Tenant", b.TenantID},
		{"Organization", deref(b.OrganizationID)},
		{"Title", b.Title},
		{"Ordinal", b.Ordinal},
		{"Released", deref(b.ReleasedAt)},
		{"Released by", deref(b.ReleasedBy)},
		{"Completed", deref(b.CompletedAt)},
	})
	sb.WriteString(head.Render())
	sb.WriteString("\n\n")

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Subject", "Assessment", "State", "Completed", "Exclusion reason"})
	var tally domain.Tally
	for _, a := range rows {
		tw.AppendRow(table.Row{a.SubjectID, a.ID, string(a.State), deref(a.CompletedAt), deref(a.ExclusionReason)})
		tally.Total++
		switch a.State {
		case domain.AssessmentCompleted:
			tally.Completed++
		case domain.AssessmentExcluded:
			tally.Excluded++
		}
	}
	tw.AppendFooter(table.Row{"Total", tally.Total, fmt.Sprintf("%d completed", tally.Completed), fmt.Sprintf("%d excluded", tally.Excluded), ""})
	sb.WriteString(tw.Render())
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
