package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresStore reads campaigns from Postgres. Campaign CRUD is owned by the
// surrounding application; the engine only needs lookups.
//
// NOTE: assumes a campaigns table with analysis_fields JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Get(ctx context.Context, campaignID string) (Campaign, error) {
	const q = `
SELECT id, org_id, name, agent_id, COALESCE(prompt, ''), COALESCE(voicemail_message, ''),
       analysis_fields, created_at, updated_at
FROM campaigns
WHERE id = $1
`
	var c Campaign
	var fields []byte
	err := s.db.QueryRowContext(ctx, q, campaignID).Scan(
		&c.ID, &c.OrgID, &c.Name, &c.AgentID, &c.Prompt, &c.VoicemailMessage,
		&fields, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.AnalysisFields); err != nil {
			return Campaign{}, err
		}
	}
	return c, nil
}
