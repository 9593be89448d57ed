package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillstats/rankwatch/internal/jobs"
)

// ExecutionStore persists job executions. The start transition runs
// inside a transaction holding a per-job advisory lock, which closes
// the check-then-start race across processes.
type ExecutionStore struct {
	pool db
}

// NewExecutionStore connects a pool and returns an ExecutionStore.
func NewExecutionStore(ctx context.Context, dsn string) (*ExecutionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ExecutionStore{pool: pool}, nil
}

// NewExecutionStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewExecutionStoreWithPool(pool db) (*ExecutionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ExecutionStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ExecutionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a new pending execution.
func (s *ExecutionStore) Create(ctx context.Context, exec jobs.Execution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	query := `
		INSERT INTO executions (id, job_id, source_id, status, created_at, retry_count, batch)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	if _, err := s.pool.Exec(ctx, query,
		exec.ID, exec.JobID, exec.SourceID, string(exec.Status), exec.Created, exec.RetryCount, exec.Batch,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// TryStart atomically moves the execution from pending to running,
// failing when it is not pending or another execution of the same job
// is already running.
func (s *ExecutionStore) TryStart(ctx context.Context, executionID string, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize concurrent starts of the same job for the duration of
	// the transaction.
	if _, err := tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtext((SELECT job_id FROM executions WHERE id = $1)));
	`, executionID); err != nil {
		return false, fmt.Errorf("lock job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE executions SET status = 'running', started_at = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM executions other
			WHERE other.job_id = executions.job_id AND other.status = 'running'
		  );
	`, executionID, at)
	if err != nil {
		return false, fmt.Errorf("start execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit start: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish records a terminal status with error text and item count.
func (s *ExecutionStore) Finish(ctx context.Context, executionID string, status jobs.Status, errText string, items int, at time.Time) error {
	query := `
		UPDATE executions
		SET status = $2, last_error = $3, items_crawled = $4, completed_at = $5
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, executionID, string(status), errText, items, at)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// SetChildren records batch fan-out results on the parent.
func (s *ExecutionStore) SetChildren(ctx context.Context, executionID string, childIDs []string) error {
	query := `UPDATE executions SET child_ids = $2 WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query, executionID, childIDs)
	if err != nil {
		return fmt.Errorf("set children: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

const executionColumns = `
	id, job_id, source_id, status, created_at, started_at, completed_at,
	retry_count, last_error, items_crawled, batch, child_ids
`

// Get looks up one execution by id.
func (s *ExecutionStore) Get(ctx context.Context, executionID string) (jobs.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1;`
	exec, err := scanExecution(s.pool.QueryRow(ctx, query, executionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Execution{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Execution{}, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionStore) List(ctx context.Context, filter jobs.ListFilter) ([]jobs.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		query += fmt.Sprintf(" AND job_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.PageSize > 0 {
		args = append(args, filter.PageSize)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, (page-1)*filter.PageSize)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	query += ";"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []jobs.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

// RunningCount returns the number of running executions for a job.
func (s *ExecutionStore) RunningCount(ctx context.Context, jobID string) (int, error) {
	var count int
	query := `SELECT count(*) FROM executions WHERE job_id = $1 AND status = 'running';`
	if err := s.pool.QueryRow(ctx, query, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("running count: %w", err)
	}
	return count, nil
}

// PruneBefore removes terminal executions completed before cutoff.
func (s *ExecutionStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed') AND completed_at < $1;
	`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanExecution(row pgx.Row) (jobs.Execution, error) {
	var (
		exec   jobs.Execution
		status string
	)
	if err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&exec.SourceID,
		&status,
		&exec.Created,
		&exec.Started,
		&exec.Completed,
		&exec.RetryCount,
		&exec.LastError,
		&exec.ItemsCrawled,
		&exec.Batch,
		&exec.ChildIDs,
	); err != nil {
		return jobs.Execution{}, err
	}
	exec.Status = jobs.Status(status)
	return exec, nil
}
