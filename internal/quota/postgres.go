package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// PostgresStore persists quota state in Postgres so counters survive service
// restarts and are shared across instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool and ensures a
// seed allocation row exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, seed domain.Allocation) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	query := `
INSERT INTO quota_allocations (id, single, batch, frame)
VALUES (TRUE, $1, $2, $3)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := pool.Exec(ctx, query, seed.Single, seed.Batch, seed.Frame); err != nil {
		return nil, fmt.Errorf("seed allocation: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Count(ctx context.Context, key domain.QuotaKey) (int, error) {
	query := `
SELECT count
FROM quota_usage
WHERE user_id = $1 AND mode = $2 AND day = $3;
`
	var count int
	err := s.pool.QueryRow(ctx, query, key.UserID, string(key.Mode), key.Day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) Add(ctx context.Context, key domain.QuotaKey, amount int) error {
	query := `
INSERT INTO quota_usage (user_id, mode, day, count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, mode, day)
DO UPDATE SET count = quota_usage.count + EXCLUDED.count;
`
	_, err := s.pool.Exec(ctx, query, key.UserID, string(key.Mode), key.Day, amount)
	return err
}

func (s *PostgresStore) Allocation(ctx context.Context) (domain.Allocation, error) {
	query := `
SELECT single, batch, frame
FROM quota_allocations
WHERE id = TRUE;
`
	var alloc domain.Allocation
	if err := s.pool.QueryRow(ctx, query).Scan(&alloc.Single, &alloc.Batch, &alloc.Frame); err != nil {
		return domain.Allocation{}, err
	}
	return alloc, nil
}

func (s *PostgresStore) SetAllocation(ctx context.Context, alloc domain.Allocation) error {
	query := `
UPDATE quota_allocations
SET single = $1, batch = $2, frame = $3, updated_at = NOW()
WHERE id = TRUE;
`
	_, err := s.pool.Exec(ctx, query, alloc.Single, alloc.Batch, alloc.Frame)
	return err
}

var _ Store = (*PostgresStore)(nil)
