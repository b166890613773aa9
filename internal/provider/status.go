package provider

import (
	"carecall-platform/internal/calls"
	"carecall-platform/internal/runs"
)

// Provider call-status vocabulary.
const (
	StatusRegistered = "registered"
	StatusOngoing    = "ongoing"
	StatusEnded      = "ended"
	StatusError      = "error"
)

// MapCallStatus translates the provider vocabulary into the call-centric one.
// Unknown statuses map to pending: the webhook pipeline must never reject a payload
// over an unrecognized status.
func MapCallStatus(providerStatus string) calls.CallStatus {
	switch providerStatus {
	case StatusRegistered:
		return calls.CallStatusPending
	case StatusOngoing:
		return calls.CallStatusInProgress
	case StatusEnded:
		return calls.CallStatusCompleted
	case StatusError:
		return calls.CallStatusFailed
	default:
		return calls.CallStatusPending
	}
}

// MapRowStatus translates the provider vocabulary into the work-item one.
// The asymmetry with MapCallStatus (ongoing → calling, not in_progress) is
// intentional; the two vocabularies describe different things.
func MapRowStatus(providerStatus string) runs.RowStatus {
	switch providerStatus {
	case StatusRegistered:
		return runs.RowStatusPending
	case StatusOngoing:
		return runs.RowStatusCalling
	case StatusEnded:
		return runs.RowStatusCompleted
	case StatusError:
		return runs.RowStatusFailed
	default:
		return runs.RowStatusPending
	}
}
