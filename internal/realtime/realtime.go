package realtime

import "context"

// Publisher fans out real-time events to UI subscribers.
//
// Delivery is fire-and-forget, at-most-once. Data records stay the source of truth;
// a dropped event is corrected by the next read or by the consistency auditor, so
// callers log publish errors and move on.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Channel naming.
func OrgChannel(orgID string) string           { return "org-" + orgID }
func RunChannel(runID string) string           { return "run-" + runID }
func CampaignChannel(campaignID string) string { return "campaign-" + campaignID }

// Event names.
const (
	EventInboundCall      = "inbound-call"
	EventCallStarted      = "call-started"
	EventCallUpdated      = "call-updated"
	EventCallCompleted    = "call-completed"
	EventMetricsUpdated   = "metrics-updated"
	EventRunUpdated       = "run-updated"
	EventRunPaused        = "run-paused"
	EventRunStatusChanged = "run-status-changed"
)
