package patient

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresResolver finds and creates patients in Postgres.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver { return &PostgresResolver{db: db} }

const patientColumns = `id, org_id, first_name, last_name, phone, COALESCE(dob, ''), created_at`

func (r *PostgresResolver) FindByPhone(ctx context.Context, orgID, phone string) (Patient, bool, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return Patient{}, false, nil
	}
	q := `SELECT ` + patientColumns + ` FROM patients WHERE org_id = $1 AND phone = $2 LIMIT 1`
	p, err := scanPatient(r.db.QueryRowContext(ctx, q, orgID, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, false, nil
	}
	if err != nil {
		return Patient{}, false, err
	}
	return p, true, nil
}

func (r *PostgresResolver) Get(ctx context.Context, orgID, patientID string) (Patient, error) {
	// The org predicate is the cross-tenant gate; a hit in another org is a miss.
	q := `SELECT ` + patientColumns + ` FROM patients WHERE id = $1 AND org_id = $2`
	p, err := scanPatient(r.db.QueryRowContext(ctx, q, patientID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	return p, err
}

func (r *PostgresResolver) Create(ctx context.Context, p Patient) (Patient, error) {
	const q = `
INSERT INTO patients (id, org_id, first_name, last_name, phone, dob, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := r.db.ExecContext(ctx, q, p.ID, p.OrgID, p.FirstName, p.LastName, p.Phone, p.DOB, p.CreatedAt)
	if err != nil {
		return Patient{}, err
	}
	return p, nil
}

func scanPatient(row *sql.Row) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.OrgID, &p.FirstName, &p.LastName, &p.Phone, &p.DOB, &p.CreatedAt)
	return p, err
}
