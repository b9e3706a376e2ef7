package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProviderClip names the upstream generation provider whose bearer token the
// orchestrator consumes. The token is captured and refreshed out-of-band by
// an external tool; this store only reads and swaps it.
const ProviderClip = "clip"

// Store resolves the upstream bearer credential. An env override takes
// precedence; otherwise the token comes from the integration_tokens table,
// where the external capture tool writes refreshed values.
type Store struct {
	pool     *pgxpool.Pool
	override string

	mu     sync.RWMutex
	cached string
}

// NewStore creates a credential store. pool may be nil when only the env
// override is in use.
func NewStore(pool *pgxpool.Pool, override string) *Store {
	return &Store{pool: pool, override: strings.TrimSpace(override)}
}

// Token returns the current bearer credential, empty when none is
// configured.
func (s *Store) Token(ctx context.Context) (string, error) {
	if s.override != "" {
		return s.override, nil
	}
	if s.pool == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.cached, nil
	}

	query := `
SELECT token
FROM integration_tokens
WHERE provider = $1;
`
	var token string
	err := s.pool.QueryRow(ctx, query, ProviderClip).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

// SetToken stores a refreshed credential.
func (s *Store) SetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if s.pool == nil {
		s.mu.Lock()
		s.cached = token
		s.mu.Unlock()
		return nil
	}

	query := `
INSERT INTO integration_tokens (provider, token, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (provider)
DO UPDATE SET token = EXCLUDED.token, updated_at = NOW();
`
	_, err := s.pool.Exec(ctx, query, ProviderClip, token)
	return err
}
