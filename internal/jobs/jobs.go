// Package jobs defines the job model shared by the scheduler, the
// execution stores and the task monitor.
package jobs

import (
	"time"
)

// Status represents the lifecycle state of one execution.
type Status string

// Execution status values persisted in the execution store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TriggerKind selects how a definition fires.
type TriggerKind string

// Trigger kinds supported by the scheduler.
const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerOneShot  TriggerKind = "oneshot"
)

// TriggerSpec describes when a job fires. Exactly one of Every,
// CronExpr or RunAt is meaningful, selected by Kind.
type TriggerSpec struct {
	Kind     TriggerKind   `json:"kind"`
	Every    time.Duration `json:"every,omitempty"`
	CronExpr string        `json:"cron,omitempty"`
	RunAt    time.Time     `json:"run_at,omitempty"`
}

// Definition is the immutable description of a scheduled unit of work.
// A definition targeting more than one source fans out into child
// executions, one per source.
type Definition struct {
	ID          string        `json:"id"`
	Sources     []string      `json:"sources"`
	Trigger     TriggerSpec   `json:"trigger"`
	MaxRetries  int           `json:"max_retries"`
	BackoffBase time.Duration `json:"backoff_base"`
}

// Batch reports whether the definition fans out over multiple sources.
func (d Definition) Batch() bool { return len(d.Sources) > 1 }

// Execution is one concrete run of a definition. Mutable state is
// owned exclusively by the ExecutionStore; everywhere else an
// Execution is a value snapshot.
type Execution struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	SourceID     string     `json:"source_id,omitempty"`
	Status       Status     `json:"status"`
	Created      time.Time  `json:"created_at"`
	Started      *time.Time `json:"started_at,omitempty"`
	Completed    *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastError    string     `json:"last_error,omitempty"`
	ItemsCrawled int        `json:"items_crawled"`
	Batch        bool       `json:"batch,omitempty"`
	ChildIDs     []string   `json:"child_ids,omitempty"`
}
