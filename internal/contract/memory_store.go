package contract

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
	}
}

func (s *MemoryStore) CreateContract(ctx context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = copyContract(c)
	return nil
}

func (s *MemoryStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return copyContract(c), nil
}

func (s *MemoryStore) UpdateMilestone(ctx context.Context, m *Milestone, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[m.ContractID]
	if !ok {
		return ErrContractNotFound
	}
	for i, existing := range c.Milestones {
		if existing.ID != m.ID {
			continue
		}
		if existing.Version != expectedVersion {
			return ErrConcurrencyConflict
		}
		saved := copyMilestone(m)
		saved.Version = expectedVersion + 1
		c.Milestones[i] = saved
		c.UpdatedAt = m.UpdatedAt
		m.Version = saved.Version
		return nil
	}
	return ErrMilestoneNotFound
}

func (s *MemoryStore) SyncContractStatus(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return "", ErrContractNotFound
	}
	derived := c.DeriveStatus()
	if derived != c.Status {
		c.Status = derived
		c.UpdatedAt = time.Now()
	}
	return derived, nil
}

func (s *MemoryStore) CancelContract(ctx context.Context, id string, refunded []*Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return ErrContractNotFound
	}
	// Judge closure from the milestone rows, not the status column: the
	// column can lag a release that just landed on a sibling milestone.
	if c.Status == StatusCancelled || c.DeriveStatus() == StatusCompleted {
		return ErrContractClosed
	}
	// Version-check every refunded milestone before touching anything so the
	// cancellation stays all-or-nothing.
	updates := make(map[string]int, len(refunded))
	for _, r := range refunded {
		found := false
		for i, existing := range c.Milestones {
			if existing.ID != r.ID {
				continue
			}
			if existing.Version != r.Version {
				return ErrConcurrencyConflict
			}
			updates[r.ID] = i
			found = true
			break
		}
		if !found {
			return ErrMilestoneNotFound
		}
	}
	for _, r := range refunded {
		saved := copyMilestone(r)
		saved.Version = r.Version + 1
		c.Milestones[updates[r.ID]] = saved
		r.Version = saved.Version
	}
	c.Status = StatusCancelled
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListByParty(ctx context.Context, clientID, freelancerID string, limit int) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Contract
	for _, c := range s.contracts {
		if clientID != "" && c.ClientID != clientID {
			continue
		}
		if freelancerID != "" && c.FreelancerID != freelancerID {
			continue
		}
		out = append(out, copyContract(c))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func copyContract(c *Contract) *Contract {
	cp := *c
	cp.Milestones = make([]*Milestone, len(c.Milestones))
	for i, m := range c.Milestones {
		cp.Milestones[i] = copyMilestone(m)
	}
	return &cp
}

func copyMilestone(m *Milestone) *Milestone {
	cp := *m
	if m.Submission != nil {
		sub := *m.Submission
		cp.Submission = &sub
	}
	cp.Revisions = append([]RevisionRequest(nil), m.Revisions...)
	return &cp
}
