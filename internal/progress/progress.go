// Package progress projects persisted batch, report and queue state into the
// stage a polling client displays.
package progress

import (
	"fmt"

	"laudos/internal/domain"
)

type Stage string

const (
	StageIdle      Stage = "idle"
	StageRequested Stage = "requested"
	StageRendering Stage = "rendering"
	StageUploading Stage = "uploading"
	StageSealed    Stage = "sealed"
	StageFailed    Stage = "failed"
)

var percentages = map[Stage]int{
	StageIdle:      0,
	StageRequested: 10,
	StageRendering: 40,
	StageUploading: 75,
	StageSealed:    100,
	StageFailed:    0,
}

// Percent returns the fixed completion percentage of a stage.
func Percent(s Stage) int {
	return percentages[s]
}

// Terminal reports whether a poller can stop at s.
func (s Stage) Terminal() bool {
	return s == StageSealed || s == StageFailed
}

// Input is the persisted state the projection reads. Entry fields describe
// the batch's most recent queue entry and are ignored when HasEntry is false.
type Input struct {
	BatchID      string
	BatchState   domain.BatchState
	ReportStatus domain.ReportStatus
	HasEntry     bool
	EntryStatus  domain.EntryStatus
	EntryPhase   domain.EntryPhase
	Attempts     int
	LastError    string
}

type Projection struct {
	BatchID    string            `json:"batch_id"`
	Stage      Stage             `json:"stage"`
	Percent    int               `json:"percent"`
	Message    string            `json:"message"`
	BatchState domain.BatchState `json:"batch_state"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
}

// Project maps in to a projection. It has no side effects.
func Project(in Input) Projection {
	p := Projection{BatchID: in.BatchID, BatchState: in.BatchState}
	if in.HasEntry {
		p.Attempts = in.Attempts
	}
	set := func(s Stage, msg string) Projection {
		p.Stage = s
		p.Percent = Percent(s)
		p.Message = msg
		return p
	}
	switch {
	case in.BatchState == domain.BatchCancelled:
		return set(StageIdle, "Batch cancelled")
	case in.ReportStatus == domain.ReportDelivered || in.BatchState == domain.BatchDelivered:
		return set(StageSealed, "Report sealed and delivered")
	case in.ReportStatus == domain.ReportSealed || in.BatchState == domain.BatchSealed:
		return set(StageSealed, "Report sealed")
	}
	if in.HasEntry {
		switch in.EntryStatus {
		case domain.EntryFailed:
			p.Error = in.LastError
			if in.LastError == "" {
				return set(StageFailed, "Emission failed")
			}
			return set(StageFailed, "Emission failed: "+in.LastError)
		case domain.EntryProcessing:
			if in.EntryPhase == domain.PhaseUploading {
				return set(StageUploading, "Uploading sealed report")
			}
			return set(StageRendering, "Rendering report")
		case domain.EntryPending:
			if in.Attempts > 0 {
				return set(StageRequested, fmt.Sprintf("Emission queued for attempt %d", in.Attempts+1))
			}
			return set(StageRequested, "Emission queued")
		case domain.EntrySucceeded:
			return set(StageSealed, "Report sealed")
		}
	}
	switch in.BatchState {
	case domain.BatchDraft:
		return set(StageIdle, "Batch not released")
	case domain.BatchReleased:
		return set(StageIdle, "Waiting for assessments")
	case domain.BatchCompleted:
		return set(StageIdle, "Ready for emission")
	case domain.BatchEmissionRequested, domain.BatchSealing:
		return set(StageRequested, "Emission queued")
	}
	return set(StageIdle, "")
}
