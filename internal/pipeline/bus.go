package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// Trigger reacts to a published event, usually by enqueueing a task.
type Trigger func(ctx context.Context, ev queue.Event) error

// Outbox parks events whose trigger failed.
type Outbox interface {
	PushOutbox(ctx context.Context, ev queue.Event) error
	PopOutbox(ctx context.Context) (*queue.Event, error)
}

// Enqueuer is the write side of the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ queue.TaskType, payload any) (*queue.Task, error)
}

// EnqueueTrigger enqueues one task of typ whose payload is the event payload.
func EnqueueTrigger(q Enqueuer, typ queue.TaskType) Trigger {
	return func(ctx context.Context, ev queue.Event) error {
		_, err := q.Enqueue(ctx, typ, ev.Payload)
		return err
	}
}

// Bus delivers events to at most one trigger per event name. Events that
// cannot be delivered are parked in the outbox until ReconcileOutbox
// succeeds, so delivery is at-least-once.
type Bus struct {
	mu       sync.RWMutex
	triggers map[string]Trigger
	outbox   Outbox
	logger   *utils.Logger
}

func NewBus(outbox Outbox, logger *utils.Logger) *Bus {
	return &Bus{
		triggers: make(map[string]Trigger),
		outbox:   outbox,
		logger:   logger,
	}
}

func (b *Bus) Subscribe(event string, tr Trigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.triggers[event]; dup {
		panic("pipeline: duplicate trigger for " + event)
	}
	b.triggers[event] = tr
}

func (b *Bus) trigger(event string) (Trigger, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tr, ok := b.triggers[event]
	return tr, ok
}

// Publish delivers ev. It only fails when the trigger failed and the event
// could not be parked either.
func (b *Bus) Publish(ctx context.Context, ev queue.Event) error {
	tr, ok := b.trigger(ev.Name)
	if !ok {
		b.logger.Debug("No trigger for event, dropping", "event", ev.Name)
		return nil
	}

	err := tr(ctx, ev)
	if err == nil {
		metrics.OutboxEventsTotal.WithLabelValues(ev.Name, "delivered").Inc()
		return nil
	}

	b.logger.Warn("Event delivery failed, parking in outbox", "event", ev.Name, "source_id", ev.SourceID, "error", err)
	ev.Attempts++
	if perr := b.outbox.PushOutbox(ctx, ev); perr != nil {
		return fmt.Errorf("park event %s: %w (delivery error: %v)", ev.Name, perr, err)
	}
	metrics.OutboxEventsTotal.WithLabelValues(ev.Name, "parked").Inc()
	return nil
}

// ReconcileOutbox redelivers parked events until the outbox is empty, limit
// events were handled, or a delivery fails. A failed event is parked again.
func (b *Bus) ReconcileOutbox(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	delivered := 0
	for delivered < limit {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		ev, err := b.outbox.PopOutbox(ctx)
		if err != nil {
			return delivered, err
		}
		if ev == nil {
			return delivered, nil
		}

		tr, ok := b.trigger(ev.Name)
		if !ok {
			b.logger.Warn("Dropping parked event without trigger", "event", ev.Name)
			continue
		}
		if err := tr(ctx, *ev); err != nil {
			ev.Attempts++
			if perr := b.outbox.PushOutbox(ctx, *ev); perr != nil {
				b.logger.Error("Lost parked event", "event", ev.Name, "source_id", ev.SourceID, "error", perr)
			}
			return delivered, fmt.Errorf("redeliver %s: %w", ev.Name, err)
		}

		metrics.OutboxEventsTotal.WithLabelValues(ev.Name, "redelivered").Inc()
		b.logger.Info("Parked event redelivered", "event", ev.Name, "source_id", ev.SourceID, "attempts", ev.Attempts)
		delivered++
	}
	return delivered, nil
}
