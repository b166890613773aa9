package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)

// Store is the persistence contract for call records.
type Store interface {
	Insert(ctx context.Context, c Call) error
	Get(ctx context.Context, callID string) (Call, error)
	Update(ctx context.Context, c Call) error

	// GetByProviderID resolves the unique call for a provider call id within an
	// organization. The boolean reports presence; absence is not an error (the
	// reconciler treats it as "insert a new record").
	GetByProviderID(ctx context.Context, orgID, providerCallID string) (Call, bool, error)

	// ListRecentByPatient returns the most recent calls to a patient, newest first.
	ListRecentByPatient(ctx context.Context, orgID, patientID string, limit int) ([]Call, error)

	// ListByRun returns all calls linked to a run.
	ListByRun(ctx context.Context, runID string) ([]Call, error)

	// ListStuck returns in-progress calls whose start time is before cutoff,
	// scoped to an org (runID optional).
	ListStuck(ctx context.Context, orgID, runID string, cutoff time.Time) ([]Call, error)

	// ListCompletedWithVoicemailFlag returns completed calls whose analysis carries
	// a true voicemail_detected flag (auditor misclassification scan).
	ListCompletedWithVoicemailFlag(ctx context.Context, orgID, runID string) ([]Call, error)
}
