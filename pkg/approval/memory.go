package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node dev runs.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

func (s *MemoryStore) CreateApprovals(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if _, dup := s.recs[r.ID]; dup {
			return fmt.Errorf("approval %s already exists", r.ID)
		}
	}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, res Resource) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.recs {
		if r.Operation == res.Operation && r.ResourceType == res.ResourceType && r.ResourceID == res.ResourceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ResolveApproval(_ context.Context, id string, to Status, approvedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	if to == StatusApproved && r.Tier == Tier3Dual {
		for _, o := range s.recs {
			if o.ID != id && o.Status == StatusApproved && o.ApprovedBy == approvedBy &&
				o.Operation == r.Operation && o.ResourceType == r.ResourceType && o.ResourceID == r.ResourceID {
				return false, nil
			}
		}
	}
	r.Status = to
	r.ApprovedBy = approvedBy
	r.ResolvedAt = &at
	s.recs[id] = r
	return true, nil
}
