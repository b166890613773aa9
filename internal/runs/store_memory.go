package runs

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store useful for tests and single-node development.
// It is not intended for production use.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]Run
	rows map[string]Row
	// seq preserves insertion order for sort_index tie-breaks.
	seq map[string]int
	n   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: map[string]Run{},
		rows: map[string]Row{},
		seq:  map[string]int{},
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return ErrNotFound
	}
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *MemoryStore) CreateRows(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if row.ID == "" || row.RunID == "" {
			return ErrInvalidArgument
		}
		s.rows[row.ID] = cloneRow(row)
		s.n++
		s.seq[row.ID] = s.n
	}
	return nil
}

func (s *MemoryStore) GetRow(ctx context.Context, rowID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return cloneRow(row), nil
}

func (s *MemoryStore) UpdateRow(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[row.ID]; !ok {
		return ErrNotFound
	}
	s.rows[row.ID] = cloneRow(row)
	return nil
}

func (s *MemoryStore) ListPendingRows(ctx context.Context, runID string, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, row := range s.rows {
		if row.RunID == runID && row.Status == RowStatusPending {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortIndex != out[j].SortIndex {
			return out[i].SortIndex < out[j].SortIndex
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountRowsByStatus(ctx context.Context, runID string, statuses ...RowStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.rows {
		if row.RunID != runID {
			continue
		}
		for _, st := range statuses {
			if row.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *MemoryStore) ListRowsByRun(ctx context.Context, runID string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, row := range s.rows {
		if row.RunID == runID {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortIndex != out[j].SortIndex {
			return out[i].SortIndex < out[j].SortIndex
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out, nil
}

func cloneRun(r Run) Run {
	r.Metadata = r.Metadata.Clone()
	return r
}

func cloneRow(row Row) Row {
	row.Variables = cloneAnyMap(row.Variables)
	row.Analysis = cloneAnyMap(row.Analysis)
	row.Metadata = cloneAnyMap(row.Metadata)
	return row
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
