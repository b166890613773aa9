package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresStore persists call records in Postgres.
//
// NOTE: This store assumes a calls table with analysis JSONB and a unique index:
// UNIQUE (org_id, provider_call_id) WHERE provider_call_id IS NOT NULL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const callColumns = `
id, org_id, COALESCE(patient_id, ''), COALESCE(run_id, ''), COALESCE(row_id, ''),
COALESCE(campaign_id, ''), COALESCE(provider_call_id, ''), direction, status,
from_number, to_number, agent_id, duration, recording_url, transcript, analysis,
error, start_time, end_time, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, c Call) error {
	if c.ID == "" || c.OrgID == "" {
		return ErrInvalidArgument
	}
	analysis, err := json.Marshal(orEmpty(c.Analysis))
	if err != nil {
		return err
	}
	const q = `
INSERT INTO calls (id, org_id, patient_id, run_id, row_id, campaign_id, provider_call_id,
                   direction, status, from_number, to_number, agent_id, duration,
                   recording_url, transcript, analysis, error, start_time, end_time,
                   created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
`
	_, err = s.db.ExecContext(ctx, q,
		c.ID, c.OrgID, null(c.PatientID), null(c.RunID), null(c.RowID), null(c.CampaignID),
		null(c.ProviderCallID), c.Direction, c.Status, c.FromNumber, c.ToNumber, c.AgentID,
		c.DurationSeconds, c.RecordingURL, c.Transcript, analysis, c.Error,
		c.StartTime, c.EndTime, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, callID string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) Update(ctx context.Context, c Call) error {
	analysis, err := json.Marshal(orEmpty(c.Analysis))
	if err != nil {
		return err
	}
	const q = `
UPDATE calls
SET patient_id = $2, run_id = $3, row_id = $4, campaign_id = $5, provider_call_id = $6,
    status = $7, duration = $8, recording_url = $9, transcript = $10, analysis = $11,
    error = $12, start_time = $13, end_time = $14, updated_at = $15
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		c.ID, null(c.PatientID), null(c.RunID), null(c.RowID), null(c.CampaignID),
		null(c.ProviderCallID), c.Status, c.DurationSeconds, c.RecordingURL, c.Transcript,
		analysis, c.Error, c.StartTime, c.EndTime, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetByProviderID(ctx context.Context, orgID, providerCallID string) (Call, bool, error) {
	if providerCallID == "" {
		return Call{}, false, nil
	}
	q := `SELECT ` + callColumns + ` FROM calls WHERE org_id = $1 AND provider_call_id = $2`
	c, err := scanCall(s.db.QueryRowContext(ctx, q, orgID, providerCallID))
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, false, nil
	}
	if err != nil {
		return Call{}, false, err
	}
	return c, true, nil
}

func (s *PostgresStore) ListRecentByPatient(ctx context.Context, orgID, patientID string, limit int) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls
WHERE org_id = $1 AND patient_id = $2
ORDER BY created_at DESC
LIMIT $3`
	return s.query(ctx, q, orgID, patientID, limit)
}

func (s *PostgresStore) ListByRun(ctx context.Context, runID string) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE run_id = $1 ORDER BY created_at ASC`
	return s.query(ctx, q, runID)
}

func (s *PostgresStore) ListStuck(ctx context.Context, orgID, runID string, cutoff time.Time) ([]Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls
WHERE org_id = $1 AND status = $2 AND start_time < $3`
	args := []any{orgID, CallStatusInProgress, cutoff}
	if runID != "" {
		q += ` AND run_id = $4`
		args = append(args, runID)
	}
	q += ` ORDER BY start_time ASC`
	return s.query(ctx, q, args...)
}

func (s *PostgresStore) ListCompletedWithVoicemailFlag(ctx context.Context, orgID, runID string) ([]Call, error) {
	// voicemail_detected may be stored as a JSON bool or a "true"/"yes" string.
	q := `SELECT ` + callColumns + ` FROM calls
WHERE org_id = $1 AND status = $2
  AND (analysis->>'voicemail_detected') IN ('true', 'yes')`
	args := []any{orgID, CallStatusCompleted}
	if runID != "" {
		q += ` AND run_id = $3`
		args = append(args, runID)
	}
	q += ` ORDER BY created_at ASC`
	return s.query(ctx, q, args...)
}

type callScanner interface {
	Scan(dest ...any) error
}

func scanCall(sc callScanner) (Call, error) {
	var c Call
	var analysis []byte
	var start, end sql.NullTime
	if err := sc.Scan(
		&c.ID, &c.OrgID, &c.PatientID, &c.RunID, &c.RowID, &c.CampaignID, &c.ProviderCallID,
		&c.Direction, &c.Status, &c.FromNumber, &c.ToNumber, &c.AgentID, &c.DurationSeconds,
		&c.RecordingURL, &c.Transcript, &analysis, &c.Error, &start, &end,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	if len(analysis) > 0 {
		if err := json.Unmarshal(analysis, &c.Analysis); err != nil {
			return Call{}, err
		}
	}
	if start.Valid {
		t := start.Time
		c.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		c.EndTime = &t
	}
	return c, nil
}

func (s *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Call, error) {
	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []Call
	for rs.Next() {
		c, err := scanCall(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rs.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}
