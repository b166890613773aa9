package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"carecall-platform/pkg/utils"
)

// PostgresStore persists runs and rows in Postgres.
//
// NOTE: This store assumes the following tables exist:
// - runs (metadata JSONB)
// - run_rows (variables/analysis/metadata JSONB)
// with an index on run_rows (run_id, status, sort_index).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" || r.OrgID == "" {
		return ErrInvalidArgument
	}
	md, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO runs (id, org_id, campaign_id, name, status, custom_prompt, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err = s.db.ExecContext(ctx, q, r.ID, r.OrgID, r.CampaignID, r.Name, r.Status, r.CustomPrompt, md, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	const q = `
SELECT id, org_id, campaign_id, name, status, custom_prompt, metadata, created_at, updated_at
FROM runs
WHERE id = $1
`
	var r Run
	var md []byte
	err := s.db.QueryRowContext(ctx, q, runID).Scan(
		&r.ID, &r.OrgID, &r.CampaignID, &r.Name, &r.Status, &r.CustomPrompt, &md, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	if err := unmarshalJSON(md, &r.Metadata); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r Run) error {
	md, err := marshalJSON(r.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE runs
SET status = $2, custom_prompt = $3, metadata = $4, updated_at = $5
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, r.ID, r.Status, r.CustomPrompt, md, r.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) CreateRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	// Bulk insert inside one transaction so a partial upload never leaves a torn batch.
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO run_rows (id, run_id, patient_id, status, variables, sort_index, provider_call_id, error, analysis, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
		for _, row := range rows {
			if row.ID == "" || row.RunID == "" {
				return ErrInvalidArgument
			}
			vars, err := marshalJSON(row.Variables)
			if err != nil {
				return err
			}
			analysis, err := marshalJSON(row.Analysis)
			if err != nil {
				return err
			}
			md, err := marshalJSON(row.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q,
				row.ID, row.RunID, nullable(row.PatientID), row.Status, vars, row.SortIndex,
				nullable(row.ProviderCallID), row.Error, analysis, md, row.CreatedAt, row.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetRow(ctx context.Context, rowID string) (Row, error) {
	const q = rowSelect + ` WHERE id = $1`
	row, err := scanRow(s.db.QueryRowContext(ctx, q, rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	return row, err
}

func (s *PostgresStore) UpdateRow(ctx context.Context, row Row) error {
	vars, err := marshalJSON(row.Variables)
	if err != nil {
		return err
	}
	analysis, err := marshalJSON(row.Analysis)
	if err != nil {
		return err
	}
	md, err := marshalJSON(row.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE run_rows
SET patient_id = $2, status = $3, variables = $4, provider_call_id = $5, error = $6, analysis = $7, metadata = $8, updated_at = $9
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q,
		row.ID, nullable(row.PatientID), row.Status, vars, nullable(row.ProviderCallID), row.Error, analysis, md, row.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListPendingRows(ctx context.Context, runID string, limit int) ([]Row, error) {
	const q = rowSelect + `
WHERE run_id = $1 AND status = $2
ORDER BY sort_index ASC, created_at ASC
LIMIT $3
`
	return s.queryRows(ctx, q, runID, RowStatusPending, limit)
}

func (s *PostgresStore) CountRowsByStatus(ctx context.Context, runID string, statuses ...RowStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{runID}
	holders := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, st)
		holders[i] = fmt.Sprintf("$%d", i+2)
	}
	q := `SELECT COUNT(*) FROM run_rows WHERE run_id = $1 AND status IN (` + strings.Join(holders, ", ") + `)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) ListRowsByRun(ctx context.Context, runID string) ([]Row, error) {
	const q = rowSelect + `
WHERE run_id = $1
ORDER BY sort_index ASC, created_at ASC
`
	return s.queryRows(ctx, q, runID)
}

const rowSelect = `
SELECT id, run_id, COALESCE(patient_id, ''), status, variables, sort_index,
       COALESCE(provider_call_id, ''), error, analysis, metadata, created_at, updated_at
FROM run_rows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Row, error) {
	var row Row
	var vars, analysis, md []byte
	if err := sc.Scan(
		&row.ID, &row.RunID, &row.PatientID, &row.Status, &vars, &row.SortIndex,
		&row.ProviderCallID, &row.Error, &analysis, &md, &row.CreatedAt, &row.UpdatedAt,
	); err != nil {
		return Row{}, err
	}
	if err := unmarshalJSON(vars, &row.Variables); err != nil {
		return Row{}, err
	}
	if err := unmarshalJSON(analysis, &row.Analysis); err != nil {
		return Row{}, err
	}
	if err := unmarshalJSON(md, &row.Metadata); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (s *PostgresStore) queryRows(ctx context.Context, q string, args ...any) ([]Row, error) {
	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		row, err := scanRow(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](b []byte, dst *T) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
