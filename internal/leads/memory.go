package leads

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory [Store] for tests and single-process
// deployments. The zero value is ready to use.
type MemoryStore struct {
	mu    sync.RWMutex
	leads map[string]Lead
}

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, lead Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leads == nil {
		s.leads = make(map[string]Lead)
	}
	s.leads[lead.ID] = lead
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return lead, nil
}

// ByCall implements Store.
func (s *MemoryStore) ByCall(_ context.Context, callID string) ([]Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Lead{}
	for _, lead := range s.leads {
		if lead.CallID == callID {
			out = append(out, lead)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

// Len reports the number of stored leads.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leads)
}
