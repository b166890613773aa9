package patient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient: not found")

// Patient is a minimal identity record; identity resolution beyond phone lookup is
// owned elsewhere.
type Patient struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`

	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Phone     string `json:"phone" db:"phone"`

	// DOB is a date-only value (YYYY-MM-DD).
	DOB string `json:"dob,omitempty" db:"dob"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Resolver finds or creates patients by phone within an organization.
type Resolver interface {
	FindByPhone(ctx context.Context, orgID, phone string) (Patient, bool, error)
	// Get returns a patient and verifies it is linked to the org.
	Get(ctx context.Context, orgID, patientID string) (Patient, error)
	Create(ctx context.Context, p Patient) (Patient, error)
}

// NormalizePhone strips formatting characters; providers send E.164 but uploaded
// rows often carry dashes and spaces.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Placeholder builds the minimal record inserted when an unknown caller dials in.
// Today's date stands in for the unknown DOB until staff correct the record.
func Placeholder(orgID, phone string, now time.Time) Patient {
	return Patient{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		FirstName: "Unknown",
		LastName:  "Caller",
		Phone:     NormalizePhone(phone),
		DOB:       now.UTC().Format("2006-01-02"),
		CreatedAt: now.UTC(),
	}
}

// MemoryResolver is an in-memory Resolver useful for tests.
type MemoryResolver struct {
	mu       sync.Mutex
	patients map[string]Patient
}

func NewMemoryResolver() *MemoryResolver { return &MemoryResolver{patients: map[string]Patient{}} }

func (r *MemoryResolver) FindByPhone(ctx context.Context, orgID, phone string) (Patient, bool, error) {
	phone = NormalizePhone(phone)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patients {
		if p.OrgID == orgID && p.Phone == phone {
			return p, true, nil
		}
	}
	return Patient{}, false, nil
}

func (r *MemoryResolver) Get(ctx context.Context, orgID, patientID string) (Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[patientID]
	if !ok || p.OrgID != orgID {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryResolver) Create(ctx context.Context, p Patient) (Patient, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
	return p, nil
}
