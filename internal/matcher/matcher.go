// Copyright 2025 James Ross

// Package matcher implements the remittance matcher: a
// queue.Handler over the remittance queue that pairs a remittance with its
// in-flight correlation record, deletes the record as the single-winner
// hand-off point, and forwards the result to the billing aggregator.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

// Sink is the billing aggregator's write path, the matcher's sole
// downstream collaborator.
type Sink interface {
	Record(ctx context.Context, pc claims.ProcessedClaim) error
}

// Matcher is the remittance-matching stage's queue.Handler.
type Matcher struct {
	correlations store.CorrelationStore
	sink         Sink
	log          *zap.Logger
}

// New constructs a Matcher.
func New(correlations store.CorrelationStore, sink Sink, log *zap.Logger) *Matcher {
	return &Matcher{correlations: correlations, sink: sink, log: log}
}

// Handle implements queue.Handler over the remittance queue.
func (m *Matcher) Handle(ctx context.Context, job queue.Job) error {
	var msg claims.RemittanceMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("matcher: unmarshal remittance message: %w", err)
	}
	ctx, span := obs.StartStageSpan(ctx, "remittance.match", msg.CorrelationID, msg.TraceContext)
	err := m.match(ctx, msg)
	obs.EndStageSpan(span, err)
	return err
}

func (m *Matcher) match(ctx context.Context, msg claims.RemittanceMessage) error {
	rec, ok, err := m.correlations.Delete(ctx, msg.CorrelationID)
	if err != nil {
		return fmt.Errorf("matcher: delete correlation %s: %w", msg.CorrelationID, err)
	}
	if !ok {
		// Orphan remittance: the claim was either never
		// tracked or its correlation was already claimed. Log and ACK;
		// replaying would double-count the billing record.
		m.log.Warn("orphan remittance: no matching correlation record",
			obs.String("correlation_id", msg.CorrelationID),
		)
		return nil
	}

	processingMs := msg.Advice.ProcessedAt.Sub(rec.IngestedAt).Milliseconds()
	if processingMs < 0 {
		processingMs = 0
	}

	pc := claims.ProcessedClaim{
		CorrelationID:    msg.CorrelationID,
		ClaimID:          rec.ClaimID,
		PatientID:        rec.PatientID,
		PayerID:          rec.PayerID,
		IngestedAt:       rec.IngestedAt,
		ProcessedAt:      msg.Advice.ProcessedAt,
		ProcessingTimeMs: processingMs,
		Remittance:       msg.Advice,
	}
	if err := m.sink.Record(ctx, pc); err != nil {
		return fmt.Errorf("matcher: record processed claim %s: %w", msg.CorrelationID, err)
	}

	obs.ClaimsProcessed.Inc()
	m.log.Info("matched remittance",
		obs.String("correlation_id", msg.CorrelationID),
		obs.String("payer_id", string(rec.PayerID)),
		zap.Duration("processing_time", time.Duration(processingMs)*time.Millisecond),
	)
	return nil
}
