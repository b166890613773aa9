package org

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("org: not found")

// Store is the read contract the engine and reconciler depend on.
type Store interface {
	Get(ctx context.Context, orgID string) (Organization, error)
}

// MemoryStore is an in-memory Store useful for tests.
type MemoryStore struct {
	mu   sync.Mutex
	orgs map[string]Organization
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{orgs: map[string]Organization{}} }

func (s *MemoryStore) Put(o Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = o
}

func (s *MemoryStore) Get(ctx context.Context, orgID string) (Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return o, nil
}
