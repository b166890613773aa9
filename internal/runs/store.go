package runs

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("runs: not found")
	ErrInvalidArgument = errors.New("runs: invalid argument")
)

// Store is the persistence contract for runs and their rows.
//
// Tenancy invariant: callers resolve the run before touching rows; row methods are
// scoped by run id, run methods by run id (org scoping is enforced by the control
// layer, which always loads the run and checks OrgID).
type Store interface {
	CreateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// UpdateRun replaces status, custom prompt and metadata; it is the single
	// write path for run state.
	UpdateRun(ctx context.Context, r Run) error

	CreateRows(ctx context.Context, rows []Row) error
	GetRow(ctx context.Context, rowID string) (Row, error)
	UpdateRow(ctx context.Context, row Row) error

	// ListPendingRows returns up to limit pending rows for the run ordered by
	// sort_index ascending, ties broken by creation order.
	ListPendingRows(ctx context.Context, runID string, limit int) ([]Row, error)
	// CountRowsByStatus counts rows in the run whose status is one of statuses.
	CountRowsByStatus(ctx context.Context, runID string, statuses ...RowStatus) (int, error)
	// ListRowsByRun returns all rows of a run (auditor / drift recompute).
	ListRowsByRun(ctx context.Context, runID string) ([]Row, error)
}
