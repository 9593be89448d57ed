package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quillstats/rankwatch/internal/jobs"
)

// ExecutionStore implements jobs.ExecutionStore in process memory.
// The single mutex makes every transition an atomic read-modify-write,
// which is what gives TryStart its compare-and-swap semantics.
type ExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]jobs.Execution
}

// NewExecutionStore constructs an ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{execs: make(map[string]jobs.Execution)}
}

// Create stores a new execution record.
func (s *ExecutionStore) Create(_ context.Context, exec jobs.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return errors.New("execution already exists")
	}
	s.execs[exec.ID] = exec
	return nil
}

// TryStart transitions pending -> running unless the execution is no
// longer pending or another execution of the same job is running.
func (s *ExecutionStore) TryStart(_ context.Context, executionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if exec.Status != jobs.StatusPending {
		return false, nil
	}
	for id, other := range s.execs {
		if id != executionID && other.JobID == exec.JobID && other.Status == jobs.StatusRunning {
			return false, nil
		}
	}
	started := at
	exec.Status = jobs.StatusRunning
	exec.Started = &started
	s.execs[executionID] = exec
	return true, nil
}

// Finish records a terminal status.
func (s *ExecutionStore) Finish(_ context.Context, executionID string, status jobs.Status, errText string, items int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return jobs.ErrNotFound
	}
	completed := at
	exec.Status = status
	exec.LastError = errText
	exec.ItemsCrawled = items
	exec.Completed = &completed
	s.execs[executionID] = exec
	return nil
}

// SetChildren records batch fan-out children on the parent.
func (s *ExecutionStore) SetChildren(_ context.Context, executionID string, childIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return jobs.ErrNotFound
	}
	exec.ChildIDs = append([]string(nil), childIDs...)
	s.execs[executionID] = exec
	return nil
}

// Get fetches one execution by id.
func (s *ExecutionStore) Get(_ context.Context, executionID string) (jobs.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return jobs.Execution{}, jobs.ErrNotFound
	}
	return exec, nil
}

// List returns executions matching the filter, newest first.
func (s *ExecutionStore) List(_ context.Context, filter jobs.ListFilter) ([]jobs.Execution, error) {
	s.mu.RLock()
	var out []jobs.Execution
	for _, exec := range s.execs {
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.JobID != "" && exec.JobID != filter.JobID {
			continue
		}
		out = append(out, exec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })

	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		start := (page - 1) * filter.PageSize
		if start >= len(out) {
			return nil, nil
		}
		end := start + filter.PageSize
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

// RunningCount returns the number of running executions for a job.
func (s *ExecutionStore) RunningCount(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, exec := range s.execs {
		if exec.JobID == jobID && exec.Status == jobs.StatusRunning {
			n++
		}
	}
	return n, nil
}

// PruneBefore drops terminal executions completed before cutoff.
func (s *ExecutionStore) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, exec := range s.execs {
		if exec.Status.IsTerminal() && exec.Completed != nil && exec.Completed.Before(cutoff) {
			delete(s.execs, id)
			dropped++
		}
	}
	return dropped, nil
}
