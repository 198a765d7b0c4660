// Package pipeline executes queued tasks: it claims work, runs the handler
// registered for the task type, applies the retry policy and publishes the
// follow-up events of successful tasks.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "succeeded"
	case OutcomeRetryable:
		return "retry_scheduled"
	default:
		return "failed_terminal"
	}
}

// Outcome is what a handler reports for one attempt. Retry counting and
// backoff belong to the Runner, not to handlers.
type Outcome struct {
	Kind   OutcomeKind
	Result any
	Events []queue.Event
	Err    error
}

func Success(result any, events ...queue.Event) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result, Events: events}
}

func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

func Terminal(err error) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: err}
}

// FromError classifies a failure: invalid input can never succeed on a
// retry, anything else might.
func FromError(err error) Outcome {
	if utils.IsInvalidInput(err) {
		return Terminal(err)
	}
	return Retryable(err)
}

// NewEvent builds a follow-up event carrying payload as JSON.
func NewEvent(name string, payload any) queue.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return queue.Event{Name: name, Payload: raw}
}

// Handler executes one task type.
type Handler interface {
	Type() queue.TaskType
	Handle(ctx context.Context, task *queue.Task) Outcome
	// OnFailure runs once, when the task is given up on.
	OnFailure(ctx context.Context, task *queue.Task, err error)
}

var errNoHandler = errors.New("no handler registered for task type")
