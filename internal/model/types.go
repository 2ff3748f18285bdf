// Package model defines the persisted shapes shared by the store, the
// batch and task services, and the interruption controller.
package model

import "time"

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchStatusActive      BatchStatus = "active"
	BatchStatusInterrupted BatchStatus = "interrupted"
	BatchStatusCompleted   BatchStatus = "completed"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// DefaultMaxAttempt is the per-task retry budget used when the caller does
// not supply one.
const DefaultMaxAttempt = 3

// Batch groups related tasks and carries an optional interruption policy.
type Batch struct {
	ID                   string                     `json:"id"`
	Code                 string                     `json:"code"`
	Type                 string                     `json:"type,omitempty"`
	Status               BatchStatus                `json:"status"`
	CreatedAt            time.Time                  `json:"created_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
	Metadata             []byte                     `json:"metadata,omitempty"`
	InterruptionCriteria *BatchInterruptionCriteria `json:"interruption_criteria,omitempty"`
}

// Task is a single unit of work.
type Task struct {
	ID          string     `json:"id"`
	BatchID     *string    `json:"batch_id,omitempty"`
	Type        string     `json:"type"`
	Status      TaskStatus `json:"status"`
	Payload     []byte     `json:"payload,omitempty"`
	Result      []byte     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempt  int        `json:"max_attempt"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
}

// InterruptionReason tags why a batch was interrupted.
type InterruptionReason string

const (
	ReasonErrorRateExceeded         InterruptionReason = "error_rate_exceeded"
	ReasonFailedTasksExceeded       InterruptionReason = "failed_tasks_exceeded"
	ReasonConsecutiveFailures       InterruptionReason = "consecutive_failures_exceeded"
	ReasonRateLimitHitsExceeded     InterruptionReason = "rate_limit_hits_exceeded"
	ReasonConcurrencyErrorsExceeded InterruptionReason = "concurrency_errors_exceeded"
	ReasonTaskTimeout               InterruptionReason = "task_timeout"
	ReasonBatchRuntimeExceeded      InterruptionReason = "batch_runtime_exceeded"
	ReasonManual                    InterruptionReason = "manual"
)

// InterruptionEvent records one interruption action against a batch.
type InterruptionEvent struct {
	ID            string             `json:"id"`
	BatchID       string             `json:"batch_id"`
	Reason        InterruptionReason `json:"reason"`
	Message       string             `json:"message"`
	StatsSnapshot BatchStats         `json:"stats_snapshot"`
	CreatedAt     time.Time          `json:"created_at"`
}

// BatchStats is the aggregated count-by-status snapshot for a batch.
type BatchStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchInterruptionCriteria is the policy record evaluated against a
// batch's live stats and worker-supplied counters. Any zero-value field
// disables that check.
type BatchInterruptionCriteria struct {
	MaxErrorRate           *float64 `json:"max_error_rate,omitempty"`
	MaxFailedTasks         *int     `json:"max_failed_tasks,omitempty"`
	MaxConsecutiveFailures *int     `json:"max_consecutive_failures,omitempty"`
	MaxRateLimitHits       *int     `json:"max_rate_limit_hits,omitempty"`
	MaxConcurrencyErrors   *int     `json:"max_concurrency_errors,omitempty"`
	TaskTimeoutMs          *int64   `json:"task_timeout_ms,omitempty"`
	MaxBatchRuntimeMs      *int64   `json:"max_batch_runtime_ms,omitempty"`
}

// IsEmpty reports whether no threshold is configured.
func (c *BatchInterruptionCriteria) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.MaxErrorRate == nil && c.MaxFailedTasks == nil && c.MaxConsecutiveFailures == nil &&
		c.MaxRateLimitHits == nil && c.MaxConcurrencyErrors == nil && c.TaskTimeoutMs == nil &&
		c.MaxBatchRuntimeMs == nil
}

// Merge returns the result of layering override on top of base, with
// override's set fields winning on conflict. Either argument may be nil.
func Merge(base, override *BatchInterruptionCriteria) *BatchInterruptionCriteria {
	if base == nil && override == nil {
		return nil
	}
	merged := &BatchInterruptionCriteria{}
	if base != nil {
		*merged = *base
	}
	if override != nil {
		if override.MaxErrorRate != nil {
			merged.MaxErrorRate = override.MaxErrorRate
		}
		if override.MaxFailedTasks != nil {
			merged.MaxFailedTasks = override.MaxFailedTasks
		}
		if override.MaxConsecutiveFailures != nil {
			merged.MaxConsecutiveFailures = override.MaxConsecutiveFailures
		}
		if override.MaxRateLimitHits != nil {
			merged.MaxRateLimitHits = override.MaxRateLimitHits
		}
		if override.MaxConcurrencyErrors != nil {
			merged.MaxConcurrencyErrors = override.MaxConcurrencyErrors
		}
		if override.TaskTimeoutMs != nil {
			merged.TaskTimeoutMs = override.TaskTimeoutMs
		}
		if override.MaxBatchRuntimeMs != nil {
			merged.MaxBatchRuntimeMs = override.MaxBatchRuntimeMs
		}
	}
	return merged
}

// WorkerCounters are the accumulated, worker-owned failure counters passed
// by value into the interruption controller's evaluation. They are never
// shared state.
type WorkerCounters struct {
	ConsecutiveFailures  int
	RateLimitHits        int
	ConcurrencyErrors    int
	CurrentTaskRuntimeMs int64
}
