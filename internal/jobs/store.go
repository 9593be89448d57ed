package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an execution id is unknown.
var ErrNotFound = errors.New("execution not found")

// ListFilter narrows ListExecutions results. Zero values match all.
type ListFilter struct {
	Status   Status
	JobID    string
	Page     int
	PageSize int
}

// ExecutionStore is the single source of truth for execution state.
// All transitions are atomic read-modify-write; TryStart provides the
// compare-and-swap that enforces at most one running execution per
// definition even under concurrent manual triggers.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error

	// TryStart atomically transitions the execution from pending to
	// running at the given time, failing (false, nil) when the
	// execution is not pending or another execution of the same job
	// is already running.
	TryStart(ctx context.Context, executionID string, at time.Time) (bool, error)

	// Finish records a terminal status with error text and item count.
	Finish(ctx context.Context, executionID string, status Status, errText string, items int, at time.Time) error

	// SetChildren records batch fan-out results on the parent.
	SetChildren(ctx context.Context, executionID string, childIDs []string) error

	Get(ctx context.Context, executionID string) (Execution, error)
	List(ctx context.Context, filter ListFilter) ([]Execution, error)

	// RunningCount returns the number of running executions for a job.
	RunningCount(ctx context.Context, jobID string) (int, error)

	// PruneBefore removes terminal executions completed before cutoff
	// and returns how many were dropped.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}
