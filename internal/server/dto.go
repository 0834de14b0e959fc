package server

import (
	"laudos/internal/domain"
	"laudos/internal/progress"
	"laudos/internal/sealing"
)

// Request payloads

type CreateBatchRequest struct {
	ID             string `json:"id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Title          string `json:"title" minLength:"1"`
}

type AssignAssessmentRequest struct {
	ID        string `json:"id,omitempty"`
	SubjectID string `json:"subject_id" minLength:"1"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type BatchResponse struct {
	Batch domain.Batch `json:"batch"`
	Tally domain.Tally `json:"tally"`
}

type BatchList struct {
	Items []domain.Batch `json:"items"`
}

type AssessmentList struct {
	Items []domain.Assessment `json:"items"`
	Tally domain.Tally        `json:"tally"`
}

type EntryList struct {
	Items []domain.EmissionEntry `json:"items"`
}

type ReportResponse struct {
	Report domain.Report `json:"report"`
}

type VerificationResponse struct {
	Verification sealing.Verification `json:"verification"`
}

type ProgressResponse = progress.Projection

type EventList struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func batchesOrEmpty(items []domain.Batch) []domain.Batch {
	if items == nil {
		return []domain.Batch{}
	}
	return items
}

func assessmentsOrEmpty(items []domain.Assessment) []domain.Assessment {
	if items == nil {
		return []domain.Assessment{}
	}
	return items
}

func entriesOrEmpty(items []domain.EmissionEntry) []domain.EmissionEntry {
	if items == nil {
		return []domain.EmissionEntry{}
	}
	return items
}
