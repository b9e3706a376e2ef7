package quota

import (
	"context"
	"sync"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// Store persists committed usage counters and the allocation split. The
// ledger layers pending reservations and atomicity on top; implementations
// only need per-call consistency.
type Store interface {
	Count(ctx context.Context, key domain.QuotaKey) (int, error)
	Add(ctx context.Context, key domain.QuotaKey, amount int) error
	Allocation(ctx context.Context) (domain.Allocation, error)
	SetAllocation(ctx context.Context, alloc domain.Allocation) error
}

// MemoryStore keeps counters in process memory. It backs tests and
// deployments without a database; counters are lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[domain.QuotaKey]int
	alloc  domain.Allocation
}

// NewMemoryStore creates an in-memory store seeded with the given split.
func NewMemoryStore(alloc domain.Allocation) *MemoryStore {
	return &MemoryStore{
		counts: make(map[domain.QuotaKey]int),
		alloc:  alloc,
	}
}

func (s *MemoryStore) Count(_ context.Context, key domain.QuotaKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key], nil
}

func (s *MemoryStore) Add(_ context.Context, key domain.QuotaKey, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] += amount
	return nil
}

func (s *MemoryStore) Allocation(_ context.Context) (domain.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc, nil
}

func (s *MemoryStore) SetAllocation(_ context.Context, alloc domain.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alloc = alloc
	return nil
}

var _ Store = (*MemoryStore)(nil)
