package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// JobRepositoryPG persists generation job rows in PostgreSQL as an audit
// trail. Live jobs are owned by the in-memory registry; these rows are
// history, not recovery state.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Insert records a freshly created job.
func (r *JobRepositoryPG) Insert(ctx context.Context, job domain.Job) error {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	query := `
INSERT INTO generation_jobs (id, user_id, mode, model, state, attempts, results_json, fail_reason, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		string(job.Mode),
		job.Model,
		string(job.State),
		job.Attempts,
		results,
		string(job.FailReason),
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// UpdateState writes the job's current state, attempts and results.
func (r *JobRepositoryPG) UpdateState(ctx context.Context, job domain.Job) error {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	query := `
UPDATE generation_jobs
SET state = $2,
    model = $3,
    attempts = $4,
    results_json = $5,
    fail_reason = $6,
    error_message = $7,
    updated_at = NOW()
WHERE id = $1;
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		string(job.State),
		job.Model,
		job.Attempts,
		results,
		string(job.FailReason),
		job.ErrorMessage,
	)
	return err
}

// GetByID fetches one job row.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, user_id, mode, model, state, attempts, results_json, fail_reason, error_message, created_at, updated_at
FROM generation_jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var (
		job     domain.Job
		mode    string
		state   string
		reason  string
		results []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&mode,
		&job.Model,
		&state,
		&job.Attempts,
		&results,
		&reason,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	job.Mode = domain.JobMode(mode)
	job.State = domain.JobState(state)
	job.FailReason = domain.FailReason(reason)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &job, nil
}

// ListByUser returns the user's most recent job rows.
func (r *JobRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, user_id, mode, model, state, attempts, fail_reason, error_message, created_at, updated_at
FROM generation_jobs
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job    domain.Job
			mode   string
			state  string
			reason string
		)
		if err := rows.Scan(
			&job.ID,
			&job.UserID,
			&mode,
			&job.Model,
			&state,
			&job.Attempts,
			&reason,
			&job.ErrorMessage,
			&job.CreatedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, err
		}
		job.Mode = domain.JobMode(mode)
		job.State = domain.JobState(state)
		job.FailReason = domain.FailReason(reason)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
