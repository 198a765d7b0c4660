package queue

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrTaskNotFound = errors.New("task not found")

type TaskType string

const (
	TypeTabularAnalysis  TaskType = "tabular_analysis"
	TypeDatasetIngestion TaskType = "dataset_ingestion"
	TypeModelTraining    TaskType = "model_training"
)

func AllTypes() []TaskType {
	return []TaskType{TypeTabularAnalysis, TypeDatasetIngestion, TypeModelTraining}
}

type State string

const (
	StateEnqueued       State = "ENQUEUED"
	StateRunning        State = "RUNNING"
	StateSucceeded      State = "SUCCEEDED"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateFailedTerminal State = "FAILED_TERMINAL"
)

func (s State) IsFinal() bool {
	return s == StateSucceeded || s == StateFailedTerminal
}

type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	State      State           `json:"state"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	LeaseUntil *time.Time      `json:"lease_until,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// W3C trace context of the request that enqueued the task.
	TraceParent string `json:"trace_parent,omitempty"`
	TraceState  string `json:"trace_state,omitempty"`
}

// RetryBudgetExhausted reports whether the task has already run more times
// than its retry budget allows. This happens when leases of crashed workers
// are repaired.
func (t *Task) RetryBudgetExhausted() bool {
	return t.Attempts > t.MaxRetries+1
}

// Event is a follow-up notification emitted by a successful task.
type Event struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	SourceID  string          `json:"source_id,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

type TypeStats struct {
	Type       TaskType `json:"type"`
	Ready      int64    `json:"ready"`
	Delayed    int64    `json:"delayed"`
	InProgress int64    `json:"in_progress"`
	DLQ        int64    `json:"dlq"`
}
