// Copyright 2025 James Ross
package queue

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue once the substrate has been closed.
var ErrClosed = errors.New("queue: substrate closed")

// readyItem orders jobs by (priority, enqueue_sequence) ascending:
// FIFO within a priority tier.
type readyItem struct {
	job *Job
}

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].job.EnqueueSeq < h[j].job.EnqueueSeq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type delayedItem struct {
	job *Job
}

type delayedHeap []delayedItem

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	return h[i].job.NextEligibleAt.Before(h[j].job.NextEligibleAt)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(delayedItem)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type memoryQueueState struct {
	name        string
	ready       readyHeap
	delayed     delayedHeap
	completed   []Job
	failed      []Job
	keepComplete int
	keepFailed  int
	active      int64
	handler     Handler
	concurrency int
	slots       chan struct{}
}

// MemoryQueue is an in-process implementation of Queue, used by tests and by
// the in-memory correlation store's counterpart property checks.
type MemoryQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	closeCh chan struct{}
	seq     uint64
	queues  map[string]*memoryQueueState
	events  chan Event
	wg      sync.WaitGroup
	started bool
}

// NewMemory constructs an empty in-memory queue substrate.
func NewMemory() *MemoryQueue {
	q := &MemoryQueue{
		closeCh: make(chan struct{}),
		queues:  make(map[string]*memoryQueueState),
		events:  make(chan Event, 1024),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) stateFor(name string) *memoryQueueState {
	st, ok := q.queues[name]
	if !ok {
		st = &memoryQueueState{name: name, keepComplete: 1000, keepFailed: 1000}
		q.queues[name] = st
	}
	return st
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Priority == 0 {
		opts.Priority = PriorityNormal
	}
	if opts.KeepCompleted > 0 {
		q.stateFor(queueName).keepComplete = opts.KeepCompleted
	}
	if opts.KeepFailed > 0 {
		q.stateFor(queueName).keepFailed = opts.KeepFailed
	}
	q.seq++
	job := &Job{
		ID:             randJobID(),
		QueueName:      queueName,
		Payload:        payload,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		BackoffBase:    opts.BackoffBase,
		NextEligibleAt: time.Now(),
		EnqueueSeq:     q.seq,
		CreatedAt:      time.Now(),
	}
	st := q.stateFor(queueName)
	heap.Push(&st.ready, readyItem{job: job})
	q.cond.Broadcast()
	return job.ID, nil
}

func (q *MemoryQueue) RegisterWorker(queueName string, concurrency int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if concurrency <= 0 {
		concurrency = 1
	}
	st := q.stateFor(queueName)
	st.handler = handler
	st.concurrency = concurrency
	st.slots = make(chan struct{}, concurrency)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context, queueName string) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[queueName]
	if !ok {
		return Depth{}, nil
	}
	return Depth{
		Waiting:   int64(len(st.ready)),
		Active:    st.active,
		Delayed:   int64(len(st.delayed)),
		Completed: int64(len(st.completed)),
		Failed:    int64(len(st.failed)),
	}, nil
}

func (q *MemoryQueue) PurgeFailed(ctx context.Context, queueName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[queueName]
	if !ok {
		return 0, nil
	}
	n := int64(len(st.failed))
	st.failed = nil
	return n, nil
}

func (q *MemoryQueue) Events() <-chan Event { return q.events }

// Run drives every registered queue's dispatcher until ctx is canceled.
func (q *MemoryQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue: Run called twice")
	}
	q.started = true
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	q.mu.Unlock()

	for _, name := range names {
		q.wg.Add(1)
		go q.dispatch(ctx, name)
	}

	// Wake the dispatch loops on cancellation so they can observe ctx.Done.
	go func() {
		select {
		case <-ctx.Done():
		case <-q.closeCh:
		}
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) dispatch(ctx context.Context, queueName string) {
	defer q.wg.Done()
	var handlerWg sync.WaitGroup
	defer handlerWg.Wait()

	for {
		q.mu.Lock()
		if ctx.Err() != nil || q.closed {
			q.mu.Unlock()
			return
		}
		st := q.stateFor(queueName)
		q.promote(st)

		if len(st.ready) == 0 {
			wait := q.nextWakeLocked(st)
			if wait <= 0 {
				q.cond.Wait()
				q.mu.Unlock()
				continue
			}
			q.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-q.closeCh:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		select {
		case st.slots <- struct{}{}:
		default:
			// at capacity; wait for a slot to free or new signal
			q.mu.Unlock()
			select {
			case st.slots <- struct{}{}:
			case <-ctx.Done():
				return
			case <-q.closeCh:
				return
			}
			q.mu.Lock()
		}

		it := heap.Pop(&st.ready).(readyItem)
		job := it.job
		st.active++
		handler := st.handler
		q.mu.Unlock()

		handlerWg.Add(1)
		go func() {
			defer handlerWg.Done()
			q.runOne(ctx, queueName, job, handler, st)
		}()
	}
}

// promote moves delayed jobs whose NextEligibleAt has passed into ready.
// Caller must hold q.mu.
func (q *MemoryQueue) promote(st *memoryQueueState) {
	now := time.Now()
	for len(st.delayed) > 0 && !st.delayed[0].job.NextEligibleAt.After(now) {
		it := heap.Pop(&st.delayed).(delayedItem)
		heap.Push(&st.ready, readyItem{job: it.job})
	}
}

// nextWakeLocked returns how long until the earliest delayed job becomes
// eligible, or 0 if the caller should just wait on the condition variable.
func (q *MemoryQueue) nextWakeLocked(st *memoryQueueState) time.Duration {
	if len(st.delayed) == 0 {
		return 0
	}
	return time.Until(st.delayed[0].job.NextEligibleAt)
}

func (q *MemoryQueue) runOne(ctx context.Context, queueName string, job *Job, handler Handler, st *memoryQueueState) {
	job.AttemptsMade++
	err := handler(ctx, *job)

	q.mu.Lock()
	defer q.mu.Unlock()
	st.active--
	<-st.slots

	if err == nil {
		st.completed = append(st.completed, *job)
		if len(st.completed) > st.keepComplete {
			st.completed = st.completed[len(st.completed)-st.keepComplete:]
		}
		q.emit(Event{Type: EventCompleted, QueueName: queueName, JobID: job.ID, Attempts: job.AttemptsMade})
		q.cond.Broadcast()
		return
	}

	if job.AttemptsMade < job.MaxAttempts {
		job.NextEligibleAt = nextEligibleAt(time.Now(), job.BackoffBase, job.AttemptsMade)
		heap.Push(&st.delayed, delayedItem{job: job})
		q.cond.Broadcast()
		return
	}

	st.failed = append(st.failed, *job)
	if len(st.failed) > st.keepFailed {
		st.failed = st.failed[len(st.failed)-st.keepFailed:]
	}
	q.emit(Event{Type: EventFailed, QueueName: queueName, JobID: job.ID, Attempts: job.AttemptsMade, Err: err})
	q.cond.Broadcast()
}

// emit is best-effort: a full event channel drops the event rather than
// blocking a handler goroutine. Caller must hold q.mu.
func (q *MemoryQueue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

// Close blocks new enqueues and wakes every dispatcher so a concurrent Run
// returns once in-flight handlers finish.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

func randJobID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}
