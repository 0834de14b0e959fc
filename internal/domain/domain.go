package domain

import "time"

// TimeLayout is the persisted timestamp format. Fixed width so values order lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp formats t for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTimestamp parses a stored timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type BatchState string

const (
	BatchDraft             BatchState = "draft"
	BatchReleased          BatchState = "released"
	BatchCompleted         BatchState = "completed"
	BatchEmissionRequested BatchState = "emission_requested"
	BatchSealing           BatchState = "sealing"
	BatchSealed            BatchState = "sealed"
	BatchDelivered         BatchState = "delivered"
	BatchCancelled         BatchState = "cancelled"
)

func (s BatchState) Valid() bool {
	switch s {
	case BatchDraft, BatchReleased, BatchCompleted, BatchEmissionRequested,
		BatchSealing, BatchSealed, BatchDelivered, BatchCancelled:
		return true
	}
	return false
}

// Sealed reports whether the batch carries a sealed report.
func (s BatchState) Sealed() bool {
	return s == BatchSealed || s == BatchDelivered
}

// FreezesAssessments reports whether assessments of a batch in this state are read-only.
func (s BatchState) FreezesAssessments() bool {
	return s == BatchSealing || s.Sealed()
}

type AssessmentState string

const (
	AssessmentDraft      AssessmentState = "draft"
	AssessmentInProgress AssessmentState = "in_progress"
	AssessmentCompleted  AssessmentState = "completed"
	AssessmentExcluded   AssessmentState = "excluded"
)

type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntrySucceeded  EntryStatus = "succeeded"
	EntryFailed     EntryStatus = "failed"
)

// InFlight reports whether the entry still occupies the batch's queue slot.
func (s EntryStatus) InFlight() bool {
	return s == EntryPending || s == EntryProcessing
}

// EntryPhase is the sealing step a processing entry last reported.
type EntryPhase string

const (
	PhaseNone      EntryPhase = ""
	PhaseRendering EntryPhase = "rendering"
	PhaseUploading EntryPhase = "uploading"
)

type ReportStatus string

const (
	ReportPlaceholder ReportStatus = "placeholder"
	ReportSealed      ReportStatus = "sealed"
	ReportDelivered   ReportStatus = "delivered"
)

type Batch struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	Title          string     `json:"title"`
	Ordinal        int        `json:"ordinal"`
	State          BatchState `json:"state"`
	ReleasedBy     *string    `json:"released_by,omitempty"`
	CancelReason   *string    `json:"cancel_reason,omitempty"`
	CreatedAt      string     `json:"created_at"`
	ReleasedAt     *string    `json:"released_at,omitempty"`
	CompletedAt    *string    `json:"completed_at,omitempty"`
	CancelledAt    *string    `json:"cancelled_at,omitempty"`
	UpdatedAt      string     `json:"updated_at"`
}

type Assessment struct {
	ID              string          `json:"id"`
	BatchID         string          `json:"batch_id"`
	TenantID        string          `json:"tenant_id"`
	SubjectID       string          `json:"subject_id"`
	State           AssessmentState `json:"state"`
	ExclusionReason *string         `json:"exclusion_reason,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type EmissionEntry struct {
	ID          int64       `json:"id"`
	BatchID     string      `json:"batch_id"`
	TenantID    string      `json:"tenant_id"`
	RequestedBy string      `json:"requested_by"`
	Status      EntryStatus `json:"status"`
	Phase       EntryPhase  `json:"phase,omitempty"`
	Attempts    int         `json:"attempts"`
	LastError   *string     `json:"last_error,omitempty"`
	ClaimedAt   *string     `json:"claimed_at,omitempty"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

type Report struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Status      ReportStatus `json:"status"`
	ContentHash *string      `json:"content_hash,omitempty"`
	Locator     *string      `json:"locator,omitempty"`
	SizeBytes   *int64       `json:"size_bytes,omitempty"`
	IssuedBy    *string      `json:"issued_by,omitempty"`
	SealedAt    *string      `json:"sealed_at,omitempty"`
	DeliveredAt *string      `json:"delivered_at,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// Tally counts a batch's assessments by state.
type Tally struct {
	Total      int `json:"total"`
	Draft      int `json:"draft"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Excluded   int `json:"excluded"`
}

// Outstanding is the number of assessments still blocking completion.
func (t Tally) Outstanding() int {
	return t.Total - t.Completed - t.Excluded
}

// Active is the number of assessments not excluded.
func (t Tally) Active() int {
	return t.Total - t.Excluded
}

// Finished reports completed + excluded == total.
func (t Tally) Finished() bool {
	return t.Total > 0 && t.Outstanding() == 0
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID             string  `json:"id"`
	PrincipalID    string  `json:"principal_id"`
	Role           string  `json:"role"`
	TenantID       *string `json:"tenant_id,omitempty"`
	OrganizationID *string `json:"organization_id,omitempty"`
	Name           string  `json:"name"`
	KeyHash        string  `json:"-"`
	CreatedAt      string  `json:"created_at"`
}
