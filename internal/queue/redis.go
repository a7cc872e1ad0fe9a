// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout: one ready list per (queueName, priority) tier, one
// delayed ZSET per queueName, and per-consumer processing/heartbeat keys
// for crash recovery.
const (
	keyReadyFmt      = "cc:ready:%s:%d"       // queue, priority
	keyDelayedFmt    = "cc:delayed:%s"        // queue
	keyProcessingFmt = "cc:processing:%s:%s"  // queue, consumer id
	keyHeartbeatFmt  = "cc:heartbeat:%s:%s"   // queue, consumer id
	keyCompletedFmt  = "cc:completed:%s"      // queue
	keyFailedFmt     = "cc:failed:%s"         // queue
)

var priorityTiers = []int{PriorityHigh, PriorityMedium, PriorityNormal}

// Lease timing for stalled-job detection: a consumer refreshes its
// heartbeat every leaseRefresh; a processing list whose heartbeat has
// expired is reclaimed and each reclaimed job charged a failure attempt.
const (
	leaseTTL     = 30 * time.Second
	leaseRefresh = 10 * time.Second
)

type redisWorker struct {
	queueName   string
	concurrency int
	handler     Handler
}

// RedisQueue is the distributed implementation of Queue, used by the
// running pipeline: BRPOPLPUSH dequeue into a per-consumer processing list,
// a delayed-retry ZSET, and heartbeat-driven recovery of jobs whose
// consumer died mid-flight.
type RedisQueue struct {
	rdb           *redis.Client
	mu            sync.Mutex
	closed        bool
	closeCh       chan struct{}
	workers       map[string]*redisWorker
	events        chan Event
	keepCompleted map[string]int64
	keepFailed    map[string]int64
}

// NewRedis wraps an existing client. The caller owns the client's lifecycle.
func NewRedis(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{
		rdb:           rdb,
		closeCh:       make(chan struct{}),
		workers:       make(map[string]*redisWorker),
		events:        make(chan Event, 1024),
		keepCompleted: make(map[string]int64),
		keepFailed:    make(map[string]int64),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	q.mu.Lock()
	if opts.KeepCompleted > 0 {
		q.keepCompleted[queueName] = int64(opts.KeepCompleted)
	}
	if opts.KeepFailed > 0 {
		q.keepFailed[queueName] = int64(opts.KeepFailed)
	}
	q.mu.Unlock()

	job := Job{
		ID:             uuid.NewString(),
		QueueName:      queueName,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		BackoffBase:    opts.BackoffBase,
		NextEligibleAt: time.Now(),
		CreatedAt:      time.Now(),
	}
	buf, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}
	key := fmt.Sprintf(keyReadyFmt, queueName, opts.Priority)
	if err := q.rdb.LPush(ctx, key, buf).Err(); err != nil {
		return "", fmt.Errorf("queue: lpush %s: %w", key, err)
	}
	return job.ID, nil
}

func (q *RedisQueue) RegisterWorker(queueName string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[queueName] = &redisWorker{queueName: queueName, concurrency: concurrency, handler: handler}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (Depth, error) {
	var d Depth
	for _, p := range priorityTiers {
		n, err := q.rdb.LLen(ctx, fmt.Sprintf(keyReadyFmt, queueName, p)).Result()
		if err != nil {
			return Depth{}, err
		}
		d.Waiting += n
	}
	active, err := q.activeCount(ctx, queueName)
	if err != nil {
		return Depth{}, err
	}
	d.Active = active
	delayed, err := q.rdb.ZCard(ctx, fmt.Sprintf(keyDelayedFmt, queueName)).Result()
	if err != nil {
		return Depth{}, err
	}
	d.Delayed = delayed
	completed, err := q.rdb.LLen(ctx, fmt.Sprintf(keyCompletedFmt, queueName)).Result()
	if err != nil {
		return Depth{}, err
	}
	d.Completed = completed
	failed, err := q.rdb.LLen(ctx, fmt.Sprintf(keyFailedFmt, queueName)).Result()
	if err != nil {
		return Depth{}, err
	}
	d.Failed = failed
	return d, nil
}

// activeCount sums every consumer's processing-list length for queueName;
// each entry there is a job currently owned by a handler.
func (q *RedisQueue) activeCount(ctx context.Context, queueName string) (int64, error) {
	var total int64
	var cursor uint64
	pattern := fmt.Sprintf(keyProcessingFmt, queueName, "*")
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			n, err := q.rdb.LLen(ctx, key).Result()
			if err != nil {
				return 0, err
			}
			total += n
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

func (q *RedisQueue) PurgeFailed(ctx context.Context, queueName string) (int64, error) {
	key := fmt.Sprintf(keyFailedFmt, queueName)
	n, err := q.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *RedisQueue) Events() <-chan Event { return q.events }

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Run starts, for each registered queue, a concurrency-bounded consumer pool,
// a delayed-set promoter goroutine and a stalled-job reclaim goroutine, then
// blocks until ctx is canceled or Close is called.
func (q *RedisQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	workers := make([]*redisWorker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		for i := 0; i < w.concurrency; i++ {
			wg.Add(1)
			consumerID := fmt.Sprintf("%s-%d", w.queueName, i)
			go func(w *redisWorker, consumerID string) {
				defer wg.Done()
				q.runConsumer(ctx, w, consumerID)
			}(w, consumerID)
		}
		wg.Add(1)
		go func(queueName string) {
			defer wg.Done()
			q.promoteLoop(ctx, queueName)
		}(w.queueName)
		wg.Add(1)
		go func(queueName string) {
			defer wg.Done()
			q.reclaimLoop(ctx, queueName)
		}(w.queueName)
	}

	wg.Wait()
	return nil
}

// promoteLoop moves delayed-ZSET members whose score (unix nanos) has passed
// into the ready list at their original priority.
func (q *RedisQueue) promoteLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	key := fmt.Sprintf(keyDelayedFmt, queueName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeCh:
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			members, err := q.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
			if err != nil || len(members) == 0 {
				continue
			}
			for _, m := range members {
				var job Job
				if err := json.Unmarshal([]byte(m), &job); err != nil {
					q.rdb.ZRem(ctx, key, m)
					continue
				}
				readyKey := fmt.Sprintf(keyReadyFmt, queueName, job.Priority)
				pipe := q.rdb.TxPipeline()
				pipe.LPush(ctx, readyKey, m)
				pipe.ZRem(ctx, key, m)
				if _, err := pipe.Exec(ctx); err != nil {
					continue
				}
			}
		}
	}
}

func (q *RedisQueue) runConsumer(ctx context.Context, w *redisWorker, consumerID string) {
	procList := fmt.Sprintf(keyProcessingFmt, w.queueName, consumerID)
	hbKey := fmt.Sprintf(keyHeartbeatFmt, w.queueName, consumerID)

	// The heartbeat covers the consumer's whole lifetime, idle included, so a
	// job sitting in the processing list is only ever reclaimed once this
	// goroutine (or its process) is actually gone. A live-but-slow handler
	// stays covered by the refresh ticker.
	q.rdb.Set(ctx, hbKey, consumerID, leaseTTL)
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go func() {
		ticker := time.NewTicker(leaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				q.rdb.Set(hbCtx, hbKey, consumerID, leaseTTL)
			}
		}
	}()

	for ctx.Err() == nil && !q.isClosed() {
		raw, ok := q.dequeue(ctx, w.queueName, procList)
		if !ok {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.rdb.LRem(ctx, procList, 1, raw)
			continue
		}

		job.AttemptsMade++
		err := w.handler(ctx, job)
		q.rdb.LRem(ctx, procList, 1, raw)

		if err == nil {
			q.emit(Event{Type: EventCompleted, QueueName: w.queueName, JobID: job.ID, Attempts: job.AttemptsMade})
			q.recordTerminal(ctx, fmt.Sprintf(keyCompletedFmt, w.queueName), job.ID, q.capFor(q.keepCompleted, w.queueName))
			continue
		}

		q.retryOrFail(ctx, w.queueName, job, err)
	}
}

// retryOrFail applies the retry policy to a job whose attempt failed.
func (q *RedisQueue) retryOrFail(ctx context.Context, queueName string, job Job, err error) {
	if job.AttemptsMade < job.MaxAttempts {
		job.NextEligibleAt = nextEligibleAt(time.Now(), job.BackoffBase, job.AttemptsMade)
		buf, merr := json.Marshal(job)
		if merr == nil {
			q.rdb.ZAdd(ctx, fmt.Sprintf(keyDelayedFmt, queueName), redis.Z{
				Score:  float64(job.NextEligibleAt.UnixNano()),
				Member: buf,
			})
		}
		return
	}
	q.emit(Event{Type: EventFailed, QueueName: queueName, JobID: job.ID, Attempts: job.AttemptsMade, Err: err})
	q.recordTerminal(ctx, fmt.Sprintf(keyFailedFmt, queueName), job.ID, q.capFor(q.keepFailed, queueName))
}

func (q *RedisQueue) recordTerminal(ctx context.Context, key, jobID string, limit int64) {
	q.rdb.LPush(ctx, key, jobID)
	q.rdb.LTrim(ctx, key, 0, limit-1)
}

func (q *RedisQueue) capFor(m map[string]int64, queueName string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n, ok := m[queueName]; ok {
		return n
	}
	return 1000
}

// reclaimLoop sweeps processing lists whose consumer heartbeat has expired,
// charging each orphaned job a failure attempt and requeueing or
// terminal-failing it.
func (q *RedisQueue) reclaimLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(leaseTTL)
	defer ticker.Stop()
	pattern := fmt.Sprintf(keyProcessingFmt, queueName, "*")
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeCh:
			return
		case <-ticker.C:
			var cursor uint64
			for {
				keys, next, err := q.rdb.Scan(ctx, cursor, pattern, 100).Result()
				if err != nil {
					break
				}
				prefix := fmt.Sprintf(keyProcessingFmt, queueName, "")
				for _, procList := range keys {
					consumerID := strings.TrimPrefix(procList, prefix)
					hbKey := fmt.Sprintf(keyHeartbeatFmt, queueName, consumerID)
					alive, err := q.rdb.Exists(ctx, hbKey).Result()
					if err != nil || alive > 0 {
						continue
					}
					q.reclaimList(ctx, queueName, procList)
				}
				cursor = next
				if cursor == 0 {
					break
				}
			}
		}
	}
}

func (q *RedisQueue) reclaimList(ctx context.Context, queueName, procList string) {
	for {
		raw, err := q.rdb.RPop(ctx, procList).Result()
		if err != nil {
			return
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		job.AttemptsMade++
		q.emit(Event{Type: EventStalled, QueueName: queueName, JobID: job.ID, Attempts: job.AttemptsMade})
		q.retryOrFail(ctx, queueName, job, fmt.Errorf("queue: job %s stalled", job.ID))
	}
}

// dequeue polls priority tiers high-to-low with a short blocking pop each.
func (q *RedisQueue) dequeue(ctx context.Context, queueName, procList string) (string, bool) {
	for _, p := range priorityTiers {
		key := fmt.Sprintf(keyReadyFmt, queueName, p)
		v, err := q.rdb.BRPopLPush(ctx, key, procList, 200*time.Millisecond).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", false
			}
			time.Sleep(50 * time.Millisecond)
			return "", false
		}
		return v, true
	}
	return "", false
}

func (q *RedisQueue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

// Close blocks new enqueues and signals every consumer, promoter, and
// reclaim loop to exit, so a concurrent Run returns once in-flight handlers
// finish.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
	q.mu.Unlock()
	return nil
}
