package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/backoff"
	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/tracing"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	WorkerID    string
	Concurrency int
	// PollInterval is the first wait after an empty claim; waits double up
	// to MaxBackoff while the queue stays empty.
	PollInterval time.Duration
	MaxBackoff   time.Duration
	// TaskTimeout bounds one attempt. Zero means unbounded.
	TaskTimeout time.Duration
	// ReconcileInterval is how often parked events are redelivered. Zero
	// disables the loop.
	ReconcileInterval time.Duration
	Backoff           *backoff.Policy
}

type Runner struct {
	q        queue.Queue
	bus      *Bus
	handlers map[queue.TaskType]Handler
	types    []queue.TaskType
	cfg      Config
	logger   *utils.Logger
	tracer   trace.Tracer
}

func NewRunner(q queue.Queue, bus *Bus, cfg Config, logger *utils.Logger, handlers ...Handler) *Runner {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(30*time.Second, cfg.PollInterval)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewPolicy(backoff.Fixed, time.Minute, 15*time.Minute)
	}

	r := &Runner{
		q:        q,
		bus:      bus,
		handlers: make(map[queue.TaskType]Handler, len(handlers)),
		cfg:      cfg,
		logger:   logger.With("worker_id", cfg.WorkerID),
		tracer:   otel.Tracer("upload-insights/pipeline"),
	}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
		r.types = append(r.types, h.Type())
	}
	return r
}

// Run starts the worker slots and blocks until ctx is cancelled. Slots stop
// claiming on cancellation and tasks already running are allowed to finish.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Worker starting", "concurrency", r.cfg.Concurrency, "types", r.types)

	var wg sync.WaitGroup
	for slot := 0; slot < r.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			r.slotLoop(ctx, workerID)
		}(fmt.Sprintf("%s-%d", r.cfg.WorkerID, slot))
	}

	if r.cfg.ReconcileInterval > 0 && r.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reconcileLoop(ctx)
		}()
	}

	<-ctx.Done()
	r.logger.Info("Context cancelled, waiting for running tasks to finish")
	wg.Wait()
	r.logger.Info("Worker stopped")
	return ctx.Err()
}

func (r *Runner) slotLoop(ctx context.Context, workerID string) {
	wait := r.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		found, err := r.processNext(ctx, workerID)
		if err != nil {
			r.logger.Error("Claim failed", "slot", workerID, "error", err)
		}
		if found {
			wait = r.cfg.PollInterval
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, r.cfg.MaxBackoff)
	}
}

func (r *Runner) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.bus.ReconcileOutbox(ctx, 0)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("Outbox reconciliation incomplete", "redelivered", n, "error", err)
			} else if n > 0 {
				r.logger.Info("Outbox reconciled", "redelivered", n)
			}
		}
	}
}

// ProcessNext claims and executes at most one task. It reports whether a
// task was found.
func (r *Runner) ProcessNext(ctx context.Context) (bool, error) {
	return r.processNext(ctx, r.cfg.WorkerID)
}

func (r *Runner) processNext(ctx context.Context, workerID string) (bool, error) {
	task, ok, err := r.q.Claim(ctx, workerID, r.types)
	if err != nil || !ok {
		return false, err
	}
	// in-flight work outlives shutdown
	r.execute(context.WithoutCancel(ctx), task)
	return true, nil
}

func (r *Runner) execute(ctx context.Context, task *queue.Task) {
	logger := r.logger.With("task_id", task.ID, "type", task.Type, "attempt", task.Attempts)

	ctx = tracing.ContextWithRemoteParent(ctx, task.TraceParent, task.TraceState)
	ctx, span := r.tracer.Start(ctx, "task "+string(task.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", string(task.Type)),
			attribute.Int("task.attempt", task.Attempts),
		),
	)
	defer span.End()

	h, ok := r.handlers[task.Type]
	if !ok {
		logger.Error("Claimed task without handler")
		if err := r.q.Fail(ctx, task.ID, errNoHandler.Error()); err != nil {
			logger.Error("Failed to dead-letter task", "error", err)
		}
		return
	}

	if task.RetryBudgetExhausted() {
		r.giveUp(ctx, logger, h, task, fmt.Errorf("retry budget exhausted: %s", task.LastError))
		span.SetStatus(codes.Error, "retry budget exhausted")
		return
	}

	metrics.TaskAttemptsTotal.WithLabelValues(string(task.Type)).Inc()
	logger.Info("Task started")
	start := time.Now()
	out := r.invoke(ctx, h, task)
	metrics.TaskDurationSeconds.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}

	switch out.Kind {
	case OutcomeSuccess:
		// Events are delivered or parked before the task is marked done, so a
		// crash in between re-runs the task instead of losing the follow-up.
		if err := r.publish(ctx, task, out.Events); err != nil {
			if task.Attempts <= task.MaxRetries {
				delay := r.cfg.Backoff.Delay(task.Attempts)
				if rerr := r.q.Retry(ctx, task.ID, delay, errString(err)); rerr != nil {
					logger.Error("Failed to schedule retry", "error", rerr)
					return
				}
				logger.Warn("Follow-up event not delivered, task will run again", "delay", delay, "error", err)
				return
			}
			logger.Error("Follow-up event lost", "error", err)
		}
		if err := r.q.Complete(ctx, task.ID, out.Result); err != nil {
			logger.Error("Failed to record task success", "error", err)
			return
		}
		metrics.TaskOutcomesTotal.WithLabelValues(string(task.Type), out.Kind.String()).Inc()
		logger.Info("Task succeeded", "duration", time.Since(start))

	case OutcomeRetryable:
		if task.Attempts > task.MaxRetries {
			r.giveUp(ctx, logger, h, task, out.Err)
			return
		}
		delay := r.cfg.Backoff.Delay(task.Attempts)
		if err := r.q.Retry(ctx, task.ID, delay, errString(out.Err)); err != nil {
			logger.Error("Failed to schedule retry", "error", err)
			return
		}
		metrics.TaskOutcomesTotal.WithLabelValues(string(task.Type), out.Kind.String()).Inc()
		logger.Warn("Task failed, retry scheduled", "delay", delay, "error", out.Err)

	default:
		r.giveUp(ctx, logger, h, task, out.Err)
	}
}

// publish stops at the first event that was neither delivered nor parked.
func (r *Runner) publish(ctx context.Context, task *queue.Task, events []queue.Event) error {
	if r.bus == nil {
		return nil
	}
	for _, ev := range events {
		ev.SourceID = task.ID
		if err := r.bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// invoke runs the handler under the task timeout. Panics become retryable
// failures.
func (r *Runner) invoke(ctx context.Context, h Handler, task *queue.Task) (out Outcome) {
	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked", "task_id", task.ID, "panic", p, "stack", string(debug.Stack()))
			out = Retryable(fmt.Errorf("handler panic: %v", p))
		}
	}()

	out = h.Handle(ctx, task)
	if out.Kind != OutcomeSuccess && out.Err == nil {
		out.Err = errors.New("task failed without error")
	}
	if out.Kind == OutcomeRetryable && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.Err = fmt.Errorf("task timed out after %s: %w", r.cfg.TaskTimeout, out.Err)
	}
	return out
}

func (r *Runner) giveUp(ctx context.Context, logger *utils.Logger, h Handler, task *queue.Task, cause error) {
	h.OnFailure(ctx, task, cause)
	if err := r.q.Fail(ctx, task.ID, errString(cause)); err != nil {
		logger.Error("Failed to dead-letter task", "error", err)
		return
	}
	metrics.TaskOutcomesTotal.WithLabelValues(string(task.Type), OutcomeTerminal.String()).Inc()
	logger.Error("Task failed permanently", "error", cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
