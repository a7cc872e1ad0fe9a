// Copyright 2025 James Ross
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDispatchesInPriorityOrder(t *testing.T) {
	q := NewMemory()
	var mu sync.Mutex
	var order []int

	done := make(chan struct{})
	var count int32
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		if atomic.AddInt32(&count, 1) == 3 {
			close(done)
		}
		return nil
	}
	require.NoError(t, q.RegisterWorker("payer-medicare", 1, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// All three are enqueued before the dispatcher starts, so dispatch order
	// must follow (priority, enqueue_sequence) regardless of arrival order.
	_, err := q.Enqueue(ctx, "payer-medicare", []byte("low"), EnqueueOptions{Priority: PriorityNormal, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "payer-medicare", []byte("high"), EnqueueOptions{Priority: PriorityHigh, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "payer-medicare", []byte("medium"), EnqueueOptions{Priority: PriorityMedium, MaxAttempts: 1})
	require.NoError(t, err)

	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for jobs to dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{PriorityHigh, PriorityMedium, PriorityNormal}, order)
}

func TestMemoryQueueRetriesWithBackoffThenFails(t *testing.T) {
	q := NewMemory()
	var attempts int32
	var lastEvent Event

	handler := func(ctx context.Context, job Job) error {
		atomic.AddInt32(&attempts, 1)
		return errAlways
	}
	require.NoError(t, q.RegisterWorker("payer-anthem", 1, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue(ctx, "payer-anthem", []byte("x"), EnqueueOptions{Priority: PriorityNormal, MaxAttempts: 2})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev := <-q.Events():
			lastEvent = ev
			break loop
		case <-deadline:
			t.Fatal("timed out waiting for failure event")
		}
	}

	require.Equal(t, EventFailed, lastEvent.Type)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestMemoryQueueEnqueueAfterCloseFails(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), "claims-ingest", []byte("x"), DefaultEnqueueOptions())
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueueDepthReflectsWaitingJobs(t *testing.T) {
	q := NewMemory()
	_, err := q.Enqueue(context.Background(), "claims-ingest", []byte("a"), DefaultEnqueueOptions())
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "claims-ingest", []byte("b"), DefaultEnqueueOptions())
	require.NoError(t, err)

	d, err := q.Depth(context.Background(), "claims-ingest")
	require.NoError(t, err)
	require.EqualValues(t, 2, d.Waiting)
}

func TestMemoryQueuePurgeFailedDropsDeadLetters(t *testing.T) {
	q := NewMemory()
	handler := func(ctx context.Context, job Job) error { return errAlways }
	require.NoError(t, q.RegisterWorker("payer-medicare", 1, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue(ctx, "payer-medicare", []byte("x"), EnqueueOptions{Priority: PriorityNormal, MaxAttempts: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		d, derr := q.Depth(ctx, "payer-medicare")
		return derr == nil && d.Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	n, err := q.PurgeFailed(ctx, "payer-medicare")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	d, err := q.Depth(ctx, "payer-medicare")
	require.NoError(t, err)
	require.Zero(t, d.Failed)
}

func TestMemoryQueueCloseStopsRun(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.RegisterWorker("claims-ingest", 1, func(ctx context.Context, job Job) error { return nil }))

	done := make(chan struct{})
	go func() {
		_ = q.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

type sentinelErr struct{}

func (sentinelErr) Error() string { return "handler failed" }

var errAlways = sentinelErr{}
