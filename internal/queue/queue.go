// Copyright 2025 James Ross
package queue

import "context"

// Queue is the common coordination primitive every pipeline stage talks
// to. Two backends implement it: an in-memory one for tests and
// deterministic property checks, and a Redis-backed one for the running
// pipeline.
type Queue interface {
	// Enqueue admits payload onto queueName and returns its job id. It never
	// blocks indefinitely. It fails with ErrClosed once the substrate has been
	// closed, and a backend may also fail it when its storage rejects the write.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error)

	// RegisterWorker attaches handler to queueName with at most concurrency
	// in-flight invocations. Must be called before Run.
	RegisterWorker(queueName string, concurrency int, handler Handler) error

	// Depth reports the current observable state of queueName.
	Depth(ctx context.Context, queueName string) (Depth, error)

	// PurgeFailed discards queueName's terminal-failed jobs (its dead-letter
	// backlog) and returns how many were dropped.
	PurgeFailed(ctx context.Context, queueName string) (int64, error)

	// Events returns the substrate-wide completion/failure/stall stream.
	Events() <-chan Event

	// Run drives every registered worker until ctx is canceled or Close is
	// called, then drains in-flight work before returning.
	Run(ctx context.Context) error

	// Close stops accepting new enqueues and releases resources. Safe to
	// call once Run has returned or concurrently with Run to request
	// shutdown.
	Close() error
}
