package campaign

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("campaign: not found")

// Campaign defines the script and schemas a run executes against.
type Campaign struct {
	ID    string `json:"id" db:"id"`
	OrgID string `json:"org_id" db:"org_id"`
	Name  string `json:"name" db:"name"`

	// AgentID is the voice agent placing outbound calls for this campaign.
	AgentID string `json:"agent_id" db:"agent_id"`

	Prompt           string `json:"prompt,omitempty" db:"prompt"`
	VoicemailMessage string `json:"voicemail_message,omitempty" db:"voicemail_message"`

	// AnalysisFields is the post-call analysis schema the provider agent fills in.
	AnalysisFields []AnalysisField `json:"analysis_fields,omitempty" db:"analysis_fields"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AnalysisField describes one campaign-defined analysis key.
type AnalysisField struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Required bool   `json:"required,omitempty"`

	// MainKPI marks the field as the campaign's primary conversion signal.
	MainKPI bool `json:"main_kpi,omitempty"`
}

// KPIKeys returns the keys flagged as main KPI, in schema order.
func (c Campaign) KPIKeys() []string {
	var keys []string
	for _, f := range c.AnalysisFields {
		if f.MainKPI {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// RequiredKeys returns the keys flagged as required, in schema order.
func (c Campaign) RequiredKeys() []string {
	var keys []string
	for _, f := range c.AnalysisFields {
		if f.Required {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// Store is the read contract the engine and reconciler depend on.
type Store interface {
	Get(ctx context.Context, campaignID string) (Campaign, error)
}

// MemoryStore is an in-memory Store useful for tests.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]Campaign
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{campaigns: map[string]Campaign{}} }

func (s *MemoryStore) Put(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
}

func (s *MemoryStore) Get(ctx context.Context, campaignID string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}
