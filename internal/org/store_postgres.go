package org

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore reads organizations from Postgres. Organization CRUD is owned by
// the surrounding application; the engine only needs lookups.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Get(ctx context.Context, orgID string) (Organization, error) {
	const q = `
SELECT id, name, outbound_number, concurrent_call_limit, COALESCE(inbound_agent_id, ''),
       created_at, updated_at
FROM organizations
WHERE id = $1
`
	var o Organization
	err := s.db.QueryRowContext(ctx, q, orgID).Scan(
		&o.ID, &o.Name, &o.OutboundNumber, &o.ConcurrentCallLimit, &o.InboundAgentID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, err
	}
	return o, nil
}
