package provider

// Webhook payload types for the voice-AI provider. The provider sends JSON; field
// names follow its wire format.

// InboundEvent is delivered when a patient dials one of the organization's numbers,
// while the call is still being set up. The response's variables feed the live
// conversation, so handling must never hard-fail.
type InboundEvent struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	AgentID    string `json:"agent_id,omitempty"`
	LLMID      string `json:"llm_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
}

// PostCallEvent is delivered after a call ends (and on status changes). Deliveries
// may be retried, duplicated, or arrive out of order.
type PostCallEvent struct {
	CallID     string        `json:"call_id"`
	Direction  string        `json:"direction"`
	FromNumber string        `json:"from_number"`
	ToNumber   string        `json:"to_number"`
	AgentID    string        `json:"agent_id,omitempty"`
	Metadata   *CallMetadata `json:"metadata,omitempty"`

	// CallStatus is one of registered, ongoing, ended, error.
	CallStatus string `json:"call_status"`

	RecordingURL        string `json:"recording_url,omitempty"`
	DisconnectionReason string `json:"disconnection_reason,omitempty"`

	CallAnalysis *CallAnalysis `json:"call_analysis,omitempty"`

	DurationMs     int64 `json:"duration_ms,omitempty"`
	StartTimestamp int64 `json:"start_timestamp,omitempty"` // unix ms
	EndTimestamp   int64 `json:"end_timestamp,omitempty"`   // unix ms
}

// CallAnalysis is the provider's post-call analysis envelope.
type CallAnalysis struct {
	Transcript string `json:"transcript,omitempty"`

	// CustomAnalysisData holds the campaign-schema fields the agent extracted.
	CustomAnalysisData map[string]any `json:"custom_analysis_data,omitempty"`

	// InVoicemail is the provider's own voicemail indicator.
	InVoicemail *bool `json:"in_voicemail,omitempty"`
}

// Inbound reports whether the event describes an inbound call.
func (e PostCallEvent) Inbound() bool { return e.Direction == "inbound" }

// MergedAnalysis combines the provider's custom analysis with a voicemail_detected
// flag derived from its own voicemail indicator. The returned map is a copy.
func (e PostCallEvent) MergedAnalysis() map[string]any {
	out := map[string]any{}
	if e.CallAnalysis != nil {
		for k, v := range e.CallAnalysis.CustomAnalysisData {
			out[k] = v
		}
		if e.CallAnalysis.InVoicemail != nil {
			out["voicemail_detected"] = *e.CallAnalysis.InVoicemail
		}
	}
	return out
}

// Transcript returns the transcript, if any.
func (e PostCallEvent) Transcript() string {
	if e.CallAnalysis == nil {
		return ""
	}
	return e.CallAnalysis.Transcript
}
