package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/tracing"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Queue is a durable, at-least-once task queue with per-type FIFO ordering.
type Queue interface {
	Enqueue(ctx context.Context, typ TaskType, payload any) (*Task, error)
	Claim(ctx context.Context, workerID string, types []TaskType) (*Task, bool, error)
	Complete(ctx context.Context, id string, result any) error
	Retry(ctx context.Context, id string, delay time.Duration, reason string) error
	Fail(ctx context.Context, id string, reason string) error
	Get(ctx context.Context, id string) (*Task, error)
	PushOutbox(ctx context.Context, ev Event) error
	PopOutbox(ctx context.Context) (*Event, error)
}

const (
	defaultMaxRetries   = 3
	defaultLease        = 30 * time.Minute
	defaultRetention    = 24 * time.Hour
	defaultInspectLimit = 200
)

type Options struct {
	// MaxRetries is copied onto every enqueued task.
	MaxRetries int
	// Lease bounds how long a claimed task may stay invisible before it is
	// handed to another worker.
	Lease time.Duration
	// Retention is how long finished task records are kept for lookups.
	Retention time.Duration
}

type RedisQueue struct {
	rdb    *redis.Client
	opts   Options
	logger *utils.Logger
}

func NewRedisQueue(rdb *redis.Client, opts Options, logger *utils.Logger) *RedisQueue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &RedisQueue{rdb: rdb, opts: opts, logger: logger}
}

// ===== Keys =====

func keyTasksHash() string           { return "insights:tasks" }
func keyTTLIndex() string            { return "insights:tasks:ttl" }
func keyOutbox() string              { return "insights:outbox" }
func keyLease(id string) string      { return "insights:lease:" + id }
func keyPending(typ TaskType) string { return fmt.Sprintf("insights:q:%s:pending", typ) }
func keyInprog(typ TaskType) string  { return fmt.Sprintf("insights:q:%s:inprog", typ) }
func keyDelayed(typ TaskType) string { return fmt.Sprintf("insights:q:%s:delayed", typ) }
func keyDLQ(typ TaskType) string     { return fmt.Sprintf("insights:q:%s:dlq", typ) }

func (q *RedisQueue) now() time.Time { return time.Now().UTC() }

func scoreAt(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// bumpTTL extends the retention of a task record.
func (q *RedisQueue) bumpTTL(ctx context.Context, id string) {
	z := &redis.Z{Score: float64(q.now().Add(q.opts.Retention).Unix()), Member: id}
	_ = q.rdb.ZAdd(ctx, keyTTLIndex(), z).Err()
}

func unmarshalTask(js string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(js), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Task, error) {
	js, err := q.rdb.HGet(ctx, keyTasksHash(), id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET task: %w", err)
	}
	t, err := unmarshalTask(js)
	if err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return t, nil
}

// ===== Operations =====

func (q *RedisQueue) Enqueue(ctx context.Context, typ TaskType, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	now := q.now()
	t := &Task{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    raw,
		State:      StateEnqueued,
		MaxRetries: q.opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.TraceParent, t.TraceState = tracing.TraceContextStrings(ctx)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keyTasksHash(), t.ID, marshal(t))
	pipe.LPush(ctx, keyPending(typ), t.ID)
	pipe.ZAdd(ctx, keyTTLIndex(), &redis.Z{Score: float64(now.Add(q.opts.Retention).Unix()), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", typ, err)
	}

	metrics.TaskEnqueuedTotal.WithLabelValues(string(typ)).Inc()
	q.logger.Debug("Task enqueued", "task_id", t.ID, "type", typ)
	return t, nil
}

// claimMoveScript atomically pops the oldest pending id and records it as
// in progress. SADD returning 0 means a duplicate id, which is skipped.
//
// KEYS[1] = pending list key
// KEYS[2] = in-progress set key
// ARGV[1] = max inner iterations (int)
var claimMoveScript = redis.NewScript(`
local src = KEYS[1]
local dst = KEYS[2]
local maxIter = tonumber(ARGV[1]) or 1
for i=1,maxIter do
  local id = redis.call("RPOP", src)
  if not id then
    return false
  end
  if redis.call("SADD", dst, id) == 1 then
    return id
  end
end
return false
`)

// Claim hands the oldest ready task of the first non-empty type to workerID.
// Due delayed tasks are promoted and expired leases repaired first.
func (q *RedisQueue) Claim(ctx context.Context, workerID string, types []TaskType) (*Task, bool, error) {
	for _, typ := range types {
		if _, err := q.moveDueDelayed(ctx, typ); err != nil {
			return nil, false, err
		}
		if _, err := q.requeueExpired(ctx, typ); err != nil {
			return nil, false, err
		}
	}

	for _, typ := range types {
		t, ok, err := q.tryPop(ctx, workerID, typ)
		if err != nil || ok {
			return t, ok, err
		}
	}
	return nil, false, nil
}

func (q *RedisQueue) tryPop(ctx context.Context, workerID string, typ TaskType) (*Task, bool, error) {
	src, dst := keyPending(typ), keyInprog(typ)

	for i := 0; i < defaultInspectLimit; i++ {
		res, err := claimMoveScript.Run(ctx, q.rdb, []string{src, dst}, 1).Result()
		if err == redis.Nil {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim move script: %w", err)
		}
		id, ok := res.(string)
		if !ok || id == "" {
			return nil, false, nil
		}

		t, err := q.load(ctx, id)
		if err != nil {
			// record was cleaned up underneath us
			_ = q.rdb.SRem(ctx, dst, id).Err()
			continue
		}

		if err := q.rdb.SetEX(ctx, keyLease(id), workerID, q.opts.Lease).Err(); err != nil {
			_ = q.rdb.SRem(ctx, dst, id).Err()
			_ = q.rdb.RPush(ctx, src, id).Err()
			return nil, false, fmt.Errorf("SETEX lease: %w", err)
		}
		leaseUntil := q.now().Add(q.opts.Lease)

		t.State = StateRunning
		t.WorkerID = workerID
		t.LeaseUntil = &leaseUntil
		t.Attempts++
		t.UpdatedAt = q.now()
		if err := q.rdb.HSet(ctx, keyTasksHash(), t.ID, marshal(t)).Err(); err != nil {
			return nil, false, fmt.Errorf("HSET task running: %w", err)
		}
		q.bumpTTL(ctx, t.ID)
		return t, true, nil
	}
	return nil, false, nil
}

func (q *RedisQueue) moveDueDelayed(ctx context.Context, typ TaskType) (int, error) {
	delayed := keyDelayed(typ)
	zrange := &redis.ZRangeBy{Min: "-inf", Max: scoreAt(q.now()), Count: defaultInspectLimit}

	ids, err := q.rdb.ZRangeByScore(ctx, delayed, zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ZRANGEBYSCORE delayed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayed, id)
		pipe.LPush(ctx, keyPending(typ), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}

	for _, id := range ids {
		if t, err := q.load(ctx, id); err == nil {
			t.State = StateEnqueued
			t.WorkerID = ""
			t.LeaseUntil = nil
			t.UpdatedAt = q.now()
			_ = q.rdb.HSet(ctx, keyTasksHash(), id, marshal(t)).Err()
		}
	}
	return len(ids), nil
}

// requeueExpired returns tasks whose lease key is gone to the pending list.
// The attempt already counted stays counted.
func (q *RedisQueue) requeueExpired(ctx context.Context, typ TaskType) (int, error) {
	inprog := keyInprog(typ)
	ids, err := q.rdb.SRandMemberN(ctx, inprog, defaultInspectLimit).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("SRANDMEMBER inprog: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	ttlCmds := make([]*redis.DurationCmd, 0, len(ids))
	for _, id := range ids {
		ttlCmds = append(ttlCmds, pipe.TTL(ctx, keyLease(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("pipeline TTL leases: %w", err)
	}

	moved := 0
	for i, id := range ids {
		ttl, err := ttlCmds[i].Result()
		if err != nil && err != redis.Nil {
			return moved, fmt.Errorf("TTL lease: %w", err)
		}
		if ttl > 0 {
			continue
		}
		removed, err := q.rdb.SRem(ctx, inprog, id).Result()
		if err != nil {
			return moved, fmt.Errorf("SREM inprog: %w", err)
		}
		if removed == 0 {
			// another worker repaired it first
			continue
		}

		metrics.LeaseExpiredTotal.WithLabelValues(string(typ)).Inc()
		if t, err := q.load(ctx, id); err == nil {
			t.State = StateRetryScheduled
			t.LastError = "LEASE_EXPIRED"
			t.WorkerID = ""
			t.LeaseUntil = nil
			t.UpdatedAt = q.now()
			_ = q.rdb.HSet(ctx, keyTasksHash(), id, marshal(t)).Err()
		}
		if err := q.rdb.LPush(ctx, keyPending(typ), id).Err(); err != nil {
			return moved, fmt.Errorf("LPUSH pending: %w", err)
		}
		q.logger.Warn("Task lease expired, requeued", "task_id", id, "type", typ)
		moved++
	}
	return moved, nil
}

// finish drops the lease and the in-progress entry and stores t.
func (q *RedisQueue) finish(ctx context.Context, t *Task, extra func(redis.Pipeliner)) error {
	t.WorkerID = ""
	t.LeaseUntil = nil
	t.UpdatedAt = q.now()

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, keyInprog(t.Type), t.ID)
	pipe.Del(ctx, keyLease(t.ID))
	pipe.HSet(ctx, keyTasksHash(), t.ID, marshal(t))
	if extra != nil {
		extra(pipe)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	q.bumpTTL(ctx, t.ID)
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, id string, result any) error {
	t, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		t.Result = raw
	}
	t.State = StateSucceeded
	t.LastError = ""
	return q.finish(ctx, t, nil)
}

// Retry schedules another attempt after delay. A non-positive delay puts the
// task straight back on the pending list.
func (q *RedisQueue) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	t, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	t.State = StateRetryScheduled
	t.LastError = reason

	return q.finish(ctx, t, func(pipe redis.Pipeliner) {
		if delay <= 0 {
			pipe.LPush(ctx, keyPending(t.Type), id)
			return
		}
		visibleAt := q.now().Add(delay)
		pipe.ZAdd(ctx, keyDelayed(t.Type), &redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
	})
}

// Fail moves the task to its dead-letter list.
func (q *RedisQueue) Fail(ctx context.Context, id string, reason string) error {
	t, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	t.State = StateFailedTerminal
	t.LastError = reason

	return q.finish(ctx, t, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, keyDLQ(t.Type), id)
	})
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Task, error) {
	return q.load(ctx, id)
}

// ===== Outbox =====

func (q *RedisQueue) PushOutbox(ctx context.Context, ev Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.now()
	}
	if err := q.rdb.LPush(ctx, keyOutbox(), marshal(ev)).Err(); err != nil {
		return fmt.Errorf("LPUSH outbox: %w", err)
	}
	return nil
}

// PopOutbox returns the oldest parked event, or nil when the outbox is empty.
func (q *RedisQueue) PopOutbox(ctx context.Context) (*Event, error) {
	js, err := q.rdb.RPop(ctx, keyOutbox()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("RPOP outbox: %w", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(js), &ev); err != nil {
		q.logger.Error("Dropping undecodable outbox event", "error", err)
		return nil, nil
	}
	return &ev, nil
}

func (q *RedisQueue) OutboxLength(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, keyOutbox()).Result()
}

// ===== Admin =====

func (q *RedisQueue) Stats(ctx context.Context) ([]TypeStats, error) {
	out := make([]TypeStats, 0, len(AllTypes()))
	for _, typ := range AllTypes() {
		pipe := q.rdb.Pipeline()
		ready := pipe.LLen(ctx, keyPending(typ))
		delayed := pipe.ZCard(ctx, keyDelayed(typ))
		inprog := pipe.SCard(ctx, keyInprog(typ))
		dlq := pipe.LLen(ctx, keyDLQ(typ))
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("queue stats %s: %w", typ, err)
		}
		out = append(out, TypeStats{
			Type:       typ,
			Ready:      ready.Val(),
			Delayed:    delayed.Val(),
			InProgress: inprog.Val(),
			DLQ:        dlq.Val(),
		})
	}
	return out, nil
}

// Depths implements metrics.DepthSource.
func (q *RedisQueue) Depths(ctx context.Context) ([]metrics.Depth, error) {
	stats, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Depth, 0, len(stats)*4)
	for _, s := range stats {
		typ := string(s.Type)
		out = append(out,
			metrics.Depth{TaskType: typ, Queue: "ready", Value: s.Ready},
			metrics.Depth{TaskType: typ, Queue: "delayed", Value: s.Delayed},
			metrics.Depth{TaskType: typ, Queue: "in_progress", Value: s.InProgress},
			metrics.Depth{TaskType: typ, Queue: "dlq", Value: s.DLQ},
		)
	}
	return out, nil
}

// DLQ lists up to limit dead-lettered tasks of typ, newest first.
func (q *RedisQueue) DLQ(ctx context.Context, typ TaskType, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.LRange(ctx, keyDLQ(typ), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("LRANGE dlq: %w", err)
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CleanupExpired removes up to limit finished task records whose retention
// ended before the given time. Unfinished tasks are left alone.
func (q *RedisQueue) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	zrange := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.Unix(), 10), Count: int64(limit)}
	ids, err := q.rdb.ZRangeByScore(ctx, keyTTLIndex(), zrange).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("ZRANGEBYSCORE ttl: %w", err)
	}

	removed := 0
	for _, id := range ids {
		t, err := q.load(ctx, id)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return removed, err
		}
		if t != nil && !t.State.IsFinal() {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.HDel(ctx, keyTasksHash(), id)
		pipe.ZRem(ctx, keyTTLIndex(), id)
		if t != nil {
			pipe.LRem(ctx, keyDLQ(t.Type), 0, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("cleanup task %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}
