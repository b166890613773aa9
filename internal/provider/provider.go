package provider

import "context"

// Dialer is the provider-agnostic interface used to place outbound calls.
//
// Rules:
// - No provider SDK calls outside this package.
// - Keep request/response types provider-agnostic; raw payloads stay at the boundary.
type Dialer interface {
	Name() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// PlaceCallRequest carries everything the voice agent needs for one outbound call.
type PlaceCallRequest struct {
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number"`
	AgentID    string `json:"agent_id"`

	// Variables are the row's campaign variables, made available to the agent as
	// dynamic conversation context.
	Variables map[string]any `json:"variables,omitempty"`

	// Metadata is echoed back on webhooks so they can be correlated.
	Metadata CallMetadata `json:"metadata"`
}

// CallMetadata correlates provider webhooks back to engine records.
type CallMetadata struct {
	RunID      string `json:"run_id,omitempty"`
	RowID      string `json:"row_id,omitempty"`
	OrgID      string `json:"org_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
}

// PlaceCallResult is the provider's acknowledgement of a placed call.
type PlaceCallResult struct {
	// CallID is the provider's unique handle for the call.
	CallID string `json:"call_id"`
}
