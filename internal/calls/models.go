package calls

import "time"

// Call represents one telephony interaction with a patient.
//
// Multi-tenant invariant: OrgID is required on every record.
//
// A call is the call-centric view of an interaction; the row it may be linked to is
// the work-item view. The two carry different status vocabularies on purpose, and
// the provider-status mapping to each is different (see internal/provider).
//
// Linkage invariant: at most one call record exists per provider call id within an
// organization. Writers must look up by (org_id, provider_call_id) before inserting
// to stay idempotent under webhook retries.
type Call struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	// Weak references: the linked row/run/campaign/patient may be archived without
	// invalidating this record's historical value.
	PatientID  string `json:"patient_id,omitempty" db:"patient_id"`
	RunID      string `json:"run_id,omitempty" db:"run_id"`
	RowID      string `json:"row_id,omitempty" db:"row_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`

	ProviderCallID string `json:"provider_call_id,omitempty" db:"provider_call_id"`

	Direction Direction  `json:"direction" db:"direction"`
	Status    CallStatus `json:"status" db:"status"`

	FromNumber string `json:"from_number,omitempty" db:"from_number"`
	ToNumber   string `json:"to_number,omitempty" db:"to_number"`
	AgentID    string `json:"agent_id,omitempty" db:"agent_id"`

	// DurationSeconds is the call duration in seconds (provider reports ms).
	DurationSeconds int `json:"duration" db:"duration"`

	RecordingURL string         `json:"recording_url,omitempty" db:"recording_url"`
	Transcript   string         `json:"transcript,omitempty" db:"transcript"`
	Analysis     map[string]any `json:"analysis,omitempty" db:"analysis"`
	Error        string         `json:"error,omitempty" db:"error"`

	StartTime *time.Time `json:"start_time,omitempty" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusVoicemail  CallStatus = "voicemail"
	CallStatusNoAnswer   CallStatus = "no_answer"
)

// Terminal reports whether the call has received its terminating webhook (or an
// auditor repair).
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusVoicemail, CallStatusNoAnswer:
		return true
	default:
		return false
	}
}
