package runs

import "time"

// Run is one execution of a campaign against a batch of rows.
//
// Multi-tenant invariant: OrgID is required on every row.
//
// Metadata is the run's only durable aggregate (counters + lifecycle timestamps).
// It is mutated incrementally through the metrics aggregator; only the consistency
// auditor may recompute it from ground truth.
type Run struct {
	ID         string `json:"id" db:"id"`
	OrgID      string `json:"org_id" db:"org_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`

	Name   string    `json:"name" db:"name"`
	Status RunStatus `json:"status" db:"status"`

	// CustomPrompt optionally overrides the campaign prompt for this run.
	CustomPrompt string `json:"custom_prompt,omitempty" db:"custom_prompt"`

	Metadata Metadata `json:"metadata" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RunStatus string

const (
	RunStatusDraft     RunStatus = "draft"
	RunStatusReady     RunStatus = "ready"
	RunStatusScheduled RunStatus = "scheduled"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer be processed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Row is one unit of work within a run: a single patient-call intent with the
// source variables uploaded for it.
type Row struct {
	ID        string `json:"id" db:"id"`
	RunID     string `json:"run_id" db:"run_id"`
	PatientID string `json:"patient_id,omitempty" db:"patient_id"`

	Status RowStatus `json:"status" db:"status"`

	// Variables maps campaign-defined field keys to uploaded values (phone, name, ...).
	Variables map[string]any `json:"variables" db:"variables"`

	// SortIndex is the stable dispatch order; lowest index is dialed first.
	SortIndex int `json:"sort_index" db:"sort_index"`

	// ProviderCallID is set once dispatch succeeds.
	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Error    string         `json:"error,omitempty" db:"error"`
	Analysis map[string]any `json:"analysis,omitempty" db:"analysis"`

	// Metadata carries reconciliation tags (callCompleted, extracted insights).
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type RowStatus string

const (
	RowStatusPending   RowStatus = "pending"
	RowStatusCalling   RowStatus = "calling"
	RowStatusCompleted RowStatus = "completed"
	RowStatusFailed    RowStatus = "failed"
	RowStatusSkipped   RowStatus = "skipped"
	RowStatusCallback  RowStatus = "callback"
)

// Terminal reports whether the row needs no further dispatch or reconciliation.
func (s RowStatus) Terminal() bool {
	switch s {
	case RowStatusCompleted, RowStatusFailed, RowStatusSkipped:
		return true
	default:
		return false
	}
}
