package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store useful for tests and single-node development.
// It is not intended for production use.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call
	seq   map[string]int
	n     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[string]Call{}, seq: map[string]int{}}
}

func (s *MemoryStore) Insert(ctx context.Context, c Call) error {
	if c.ID == "" || c.OrgID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.ID] = cloneCall(c)
	s.n++
	s.seq[c.ID] = s.n
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (s *MemoryStore) Update(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; !ok {
		return ErrNotFound
	}
	s.calls[c.ID] = cloneCall(c)
	return nil
}

func (s *MemoryStore) GetByProviderID(ctx context.Context, orgID, providerCallID string) (Call, bool, error) {
	if providerCallID == "" {
		return Call{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.OrgID == orgID && c.ProviderCallID == providerCallID {
			return cloneCall(c), true, nil
		}
	}
	return Call{}, false, nil
}

func (s *MemoryStore) ListRecentByPatient(ctx context.Context, orgID, patientID string, limit int) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.OrgID == orgID && c.PatientID == patientID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] > s.seq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.RunID == runID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) ListStuck(ctx context.Context, orgID, runID string, cutoff time.Time) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.OrgID != orgID || c.Status != CallStatusInProgress {
			continue
		}
		if runID != "" && c.RunID != runID {
			continue
		}
		if c.StartTime == nil || !c.StartTime.Before(cutoff) {
			continue
		}
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) ListCompletedWithVoicemailFlag(ctx context.Context, orgID, runID string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.OrgID != orgID || c.Status != CallStatusCompleted {
			continue
		}
		if runID != "" && c.RunID != runID {
			continue
		}
		if !voicemailFlag(c.Analysis) {
			continue
		}
		out = append(out, cloneCall(c))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func voicemailFlag(analysis map[string]any) bool {
	if analysis == nil {
		return false
	}
	switch v := analysis["voicemail_detected"].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "yes"
	default:
		return false
	}
}

func cloneCall(c Call) Call {
	if c.Analysis != nil {
		a := make(map[string]any, len(c.Analysis))
		for k, v := range c.Analysis {
			a[k] = v
		}
		c.Analysis = a
	}
	if c.StartTime != nil {
		t := *c.StartTime
		c.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		c.EndTime = &t
	}
	return c
}
