// Copyright 2025 James Ross

// Package clearinghouse implements the clearinghouse router:
// a queue.Handler over the claims queue that resolves the payer, persists an
// in-flight correlation record, computes dispatch priority from the claim's
// total billed amount, and enqueues onto the resolved payer's queue.
package clearinghouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

// ErrUnknownPayer is a non-retryable schema-level error: the claim's payer
// id has no registry entry and no fallback is configured.
var ErrUnknownPayer = errors.New("clearinghouse: unknown payer and no fallback configured")

// Router is the clearinghouse stage's queue.Handler.
type Router struct {
	registry       map[claims.PayerID]struct{}
	fallbackPayer  claims.PayerID
	correlations   store.CorrelationStore
	q              queue.Queue
	payerPrefix    string
	log            *zap.Logger
}

// New constructs a Router. registry is the set of recognized payer ids,
// speaking the same id space as insurance.payer_id. fallbackPayerID may be
// empty.
func New(registry map[claims.PayerID]struct{}, fallbackPayerID claims.PayerID, correlations store.CorrelationStore, q queue.Queue, payerQueuePrefix string, log *zap.Logger) *Router {
	return &Router{
		registry:      registry,
		fallbackPayer: fallbackPayerID,
		correlations:  correlations,
		q:             q,
		payerPrefix:   payerQueuePrefix,
		log:           log,
	}
}

// Handle implements queue.Handler over the claims queue.
func (r *Router) Handle(ctx context.Context, job queue.Job) error {
	var msg claims.ClaimMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("clearinghouse: unmarshal claim message: %w", err)
	}
	ctx, span := obs.StartStageSpan(ctx, "claim.route", msg.CorrelationID, msg.TraceContext)
	err := r.route(ctx, msg)
	obs.EndStageSpan(span, err)
	return err
}

func (r *Router) route(ctx context.Context, msg claims.ClaimMessage) error {
	payerID, err := r.resolvePayer(msg.Claim.Insurance.PayerID)
	if err != nil {
		r.log.Error("unresolvable payer",
			obs.String("correlation_id", msg.CorrelationID),
			obs.String("payer_id", string(msg.Claim.Insurance.PayerID)),
			obs.Err(err),
		)
		return err
	}

	now := time.Now()
	rec := claims.CorrelationRecord{
		CorrelationID: msg.CorrelationID,
		ClaimID:       msg.Claim.ClaimID,
		PatientID:     msg.Claim.Insurance.PatientMemberID,
		PayerID:       payerID,
		IngestedAt:    msg.IngestedAt,
		SubmittedAt:   now,
		Claim:         msg.Claim,
	}
	if err := r.correlations.Insert(ctx, rec); err != nil {
		return fmt.Errorf("clearinghouse: insert correlation %s: %w", msg.CorrelationID, err)
	}

	priority := priorityFor(msg.Claim.TotalBilledAmount())
	msg.TraceContext = obs.InjectTraceContext(ctx)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("clearinghouse: marshal claim message: %w", err)
	}

	payerQueue := r.payerPrefix + string(payerID)
	if _, err := r.q.Enqueue(ctx, payerQueue, payload, queue.EnqueueOptions{
		Priority:    priority,
		MaxAttempts: 3,
		BackoffBase: time.Second,
	}); err != nil {
		return fmt.Errorf("clearinghouse: enqueue %s onto %s: %w", msg.CorrelationID, payerQueue, err)
	}

	r.log.Info("routed claim",
		obs.String("correlation_id", msg.CorrelationID),
		obs.String("payer_id", string(payerID)),
		obs.Int("priority", priority),
	)
	return nil
}

// resolvePayer looks up the registry, falling back to the configured
// fallback payer (with a warning) when unregistered, and failing
// non-retryably when neither the registry nor the fallback resolve.
func (r *Router) resolvePayer(id claims.PayerID) (claims.PayerID, error) {
	if _, ok := r.registry[id]; ok {
		return id, nil
	}
	if r.fallbackPayer != "" {
		if _, ok := r.registry[r.fallbackPayer]; ok {
			r.log.Warn("payer not registered, using fallback",
				obs.String("requested_payer_id", string(id)),
				obs.String("fallback_payer_id", string(r.fallbackPayer)),
			)
			return r.fallbackPayer, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPayer, id)
}

// priorityFor maps the claim's total billed amount to a dispatch priority.
func priorityFor(totalBilled float64) int {
	switch {
	case totalBilled > 10000:
		return queue.PriorityHigh
	case totalBilled > 1000:
		return queue.PriorityMedium
	default:
		return queue.PriorityNormal
	}
}
