package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// Ledger enforces the per-user, per-mode daily quota. Reservations are held
// in memory (jobs do not survive restart, so neither must their holds);
// committed usage goes to the Store. Reserve and Commit are atomic per
// (user, mode, day) key: a single mutex guards the pending table and is held
// across the store reads and writes, which is cheap at human-triggered job
// volumes.
type Ledger struct {
	store      Store
	budget     int
	privileged map[string]bool
	now        func() time.Time

	mu           sync.Mutex
	pending      map[domain.QuotaKey]int
	reservations map[string]*reservationState
}

type reservationState struct {
	key    domain.QuotaKey
	amount int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrivilegedUsers marks user ids that bypass reservation entirely.
func WithPrivilegedUsers(ids []string) Option {
	return func(l *Ledger) {
		for _, id := range ids {
			l.privileged[id] = true
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store with the fixed daily budget.
func NewLedger(store Store, budget int, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		budget:       budget,
		privileged:   make(map[string]bool),
		now:          time.Now,
		pending:      make(map[domain.QuotaKey]int),
		reservations: make(map[string]*reservationState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Privileged reports whether userID bypasses quota checks.
func (l *Ledger) Privileged(userID string) bool {
	return l.privileged[userID]
}

// Reserve holds amount against the caller's current-day bucket. It returns
// domain.ErrQuotaExceeded without mutating state when the hold would push
// committed plus pending usage past the bucket's allocation; the caller
// decides whether to fall back to an unmetered variant or reject.
func (l *Ledger) Reserve(ctx context.Context, userID string, mode domain.JobMode, amount int) (*domain.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	key := domain.QuotaKey{UserID: userID, Mode: mode.QuotaMode(), Day: domain.DayUTC(l.now())}

	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, err := l.store.Allocation(ctx)
	if err != nil {
		return nil, fmt.Errorf("load allocation: %w", err)
	}
	count, err := l.store.Count(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if count+l.pending[key]+amount > alloc.For(key.Mode) {
		return nil, domain.ErrQuotaExceeded
	}

	res := &domain.Reservation{ID: uuid.NewString(), Key: key, Amount: amount}
	l.pending[key] += amount
	l.reservations[res.ID] = &reservationState{key: key, amount: amount}
	return res, nil
}

// Commit turns a reservation into committed usage. It is an idempotent no-op
// for reservations already settled or unknown (stale), so a job can never be
// charged twice. On a store failure the hold stays in place and Commit can
// be retried.
func (l *Ledger) Commit(ctx context.Context, res *domain.Reservation) error {
	if res == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.reservations[res.ID]
	if !ok {
		return nil
	}

	// The store write happens under the mutex: a concurrent Reserve must see
	// this usage either as the pending hold or as committed count, never
	// neither.
	if err := l.store.Add(ctx, state.key, state.amount); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}

	l.pending[state.key] -= state.amount
	if l.pending[state.key] <= 0 {
		delete(l.pending, state.key)
	}
	delete(l.reservations, res.ID)
	return nil
}

// Release discards a reservation without counting it, used on failure and
// cancellation. Safe to call more than once and after Commit.
func (l *Ledger) Release(res *domain.Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.reservations[res.ID]
	if !ok {
		return
	}
	l.pending[state.key] -= state.amount
	if l.pending[state.key] <= 0 {
		delete(l.pending, state.key)
	}
	delete(l.reservations, res.ID)
}

// SetAllocations replaces the split. A split that does not sum to the daily
// budget is rejected and the previous allocation stays in force.
func (l *Ledger) SetAllocations(ctx context.Context, alloc domain.Allocation) error {
	if alloc.Single < 0 || alloc.Batch < 0 || alloc.Frame < 0 {
		return domain.ErrInvalidAllocation
	}
	if alloc.Sum() != l.budget {
		return domain.ErrInvalidAllocation
	}
	return l.store.SetAllocation(ctx, alloc)
}

// Allocations returns the current split.
func (l *Ledger) Allocations(ctx context.Context) (domain.Allocation, error) {
	return l.store.Allocation(ctx)
}

// Usage reports today's committed counts per metered mode for userID.
func (l *Ledger) Usage(ctx context.Context, userID string) (map[domain.JobMode]int, error) {
	day := domain.DayUTC(l.now())
	out := make(map[domain.JobMode]int, 3)
	for _, mode := range []domain.JobMode{domain.JobModeSingle, domain.JobModeBatch, domain.JobModeFrame} {
		count, err := l.store.Count(ctx, domain.QuotaKey{UserID: userID, Mode: mode, Day: day})
		if err != nil {
			return nil, err
		}
		out[mode] = count
	}
	return out, nil
}
