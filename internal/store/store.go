// Copyright 2025 James Ross

// Package store implements the in-flight correlation store: the relational
// collaborator that pairs an inbound claim's correlation id with its
// eventual remittance across the asynchronous clearinghouse → payer →
// matcher hop.
package store

import (
	"context"
	"time"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// CorrelationStore is the in-flight tracking interface.
type CorrelationStore interface {
	// Insert records a claim as in-flight; the clearinghouse router calls it
	// before dispatching the claim to a payer queue.
	Insert(ctx context.Context, rec claims.CorrelationRecord) error

	// Delete is the single-winner synchronization point the remittance
	// matcher uses to claim a correlation record.
	// ok is false if no record exists for correlationID (already claimed, or
	// never inserted, an orphan remittance).
	Delete(ctx context.Context, correlationID string) (claims.CorrelationRecord, bool, error)

	// ListAgedOut returns every in-flight record older than olderThan,
	// without removing them.
	ListAgedOut(ctx context.Context, olderThan time.Duration) ([]claims.CorrelationRecord, error)

	// SweepAgedOut deletes every in-flight record older than olderThan and
	// returns the count removed.
	SweepAgedOut(ctx context.Context, olderThan time.Duration) (int, error)
}
