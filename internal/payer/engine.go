// Copyright 2025 James Ross

// Package payer implements the per-payer adjudication engine: a
// queue.Handler over a payer-<id> queue that simulates processing latency,
// computes a per-service-line cost-share split with optional denial,
// reconciles rounding so each line sums exactly to its billed amount, and
// emits a RemittanceAdvice onto the remittance queue.
package payer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/denial"
	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

// Engine adjudicates claims for a single payer.
type Engine struct {
	payerID         claims.PayerID
	cfg             claims.PayerConfig
	q               queue.Queue
	remittanceQueue string
	log             *zap.Logger
}

// New constructs an Engine for one payer.
func New(payerID claims.PayerID, cfg claims.PayerConfig, q queue.Queue, remittanceQueueName string, log *zap.Logger) *Engine {
	return &Engine{payerID: payerID, cfg: cfg, q: q, remittanceQueue: remittanceQueueName, log: log}
}

// Handle implements queue.Handler over this engine's payer queue.
func (e *Engine) Handle(ctx context.Context, job queue.Job) error {
	var msg claims.ClaimMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("payer %s: unmarshal claim message: %w", e.payerID, err)
	}
	ctx, span := obs.StartStageSpan(ctx, "claim.adjudicate", msg.CorrelationID, msg.TraceContext)
	err := e.adjudicate(ctx, msg)
	obs.EndStageSpan(span, err)
	if err != nil {
		obs.PayerErrors.WithLabelValues(string(e.payerID)).Inc()
	}
	return err
}

func (e *Engine) adjudicate(ctx context.Context, msg claims.ClaimMessage) error {
	if err := e.simulateDelay(ctx); err != nil {
		return fmt.Errorf("payer %s: %w", e.payerID, err)
	}

	lines := make([]claims.RemittanceLine, 0, len(msg.Claim.ServiceLines))
	var totalDenied float64
	for _, sl := range msg.Claim.ServiceLines {
		line := e.adjudicateLine(sl)
		if diff := math.Abs(line.CostShare.Sum() - line.BilledAmount); diff >= 0.005 {
			// A post-reconciliation conservation failure is a bug, not bad
			// input. Retrying reproduces it, so drop the record and ACK.
			e.log.Error("cost share does not conserve billed amount, dropping claim",
				obs.String("correlation_id", msg.CorrelationID),
				obs.String("claim_id", msg.Claim.ClaimID),
				obs.String("service_line_id", line.ServiceLineID),
				obs.Float64("billed_amount", line.BilledAmount),
				obs.Float64("cost_share_sum", line.CostShare.Sum()),
			)
			obs.ErrorsTotal.Inc()
			return nil
		}
		if line.Status != claims.StatusApproved {
			totalDenied += line.CostShare.NotAllowed
		}
		lines = append(lines, line)
	}

	advice := claims.RemittanceAdvice{
		CorrelationID:     msg.CorrelationID,
		ClaimID:           msg.Claim.ClaimID,
		PayerID:           e.payerID,
		Lines:             lines,
		ProcessedAt:       time.Now(),
		OverallStatus:     overallStatus(lines),
		TotalDeniedAmount: totalDenied,
	}

	remMsg := claims.RemittanceMessage{
		CorrelationID: msg.CorrelationID,
		Advice:        advice,
		TraceContext:  obs.InjectTraceContext(ctx),
	}
	payload, err := json.Marshal(remMsg)
	if err != nil {
		return fmt.Errorf("payer %s: marshal remittance: %w", e.payerID, err)
	}

	// Remittance stage retry policy: max_attempts=5, base_delay=500ms.
	if _, err := e.q.Enqueue(ctx, e.remittanceQueue, payload, queue.EnqueueOptions{
		Priority:    queue.PriorityNormal,
		MaxAttempts: 5,
		BackoffBase: 500 * time.Millisecond,
	}); err != nil {
		return fmt.Errorf("payer %s: enqueue remittance for %s: %w", e.payerID, msg.CorrelationID, err)
	}

	obs.RemittancesGenerated.Inc()
	obs.PayerClaimsProcessed.WithLabelValues(string(e.payerID)).Inc()
	e.log.Info("adjudicated claim",
		obs.String("correlation_id", msg.CorrelationID),
		obs.String("payer_id", string(e.payerID)),
		obs.String("overall_status", string(advice.OverallStatus)),
	)
	return nil
}

// simulateDelay sleeps a uniform random duration in [min, max] ms,
// cancellable at its single suspension point.
func (e *Engine) simulateDelay(ctx context.Context) error {
	lo, hi := e.cfg.ProcessingDelayMs.Min, e.cfg.ProcessingDelayMs.Max
	if hi < lo {
		return nil
	}
	d := time.Duration(lo+randIntn(hi-lo+1)) * time.Millisecond
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// adjudicateLine runs the per-line math: a denial roll, then either the
// denial split or the approval split, then rounding reconciliation.
func (e *Engine) adjudicateLine(sl claims.ServiceLine) claims.RemittanceLine {
	billed := sl.BilledAmount()
	rules := e.cfg.Rules
	denialCfg := e.cfg.Denial

	if randFloat64() < denialCfg.DenialRate {
		return e.denyLine(sl, billed, denialCfg)
	}
	return approveLine(sl, billed, rules)
}

func approveLine(sl claims.ServiceLine, billed float64, rules claims.AdjudicationRules) claims.RemittanceLine {
	payerPaid := billed * rules.PayerPercentage
	copay := math.Min(rules.CopayFixedAmount, billed-payerPaid)
	if copay < 0 {
		copay = 0
	}
	deductible := (billed - payerPaid - copay) * rules.DeductiblePercentage
	coinsurance := billed - payerPaid - copay - deductible

	share := reconcile(billed, claims.CostShare{
		PayerPaid:   payerPaid,
		Copay:       copay,
		Deductible:  deductible,
		Coinsurance: coinsurance,
	})
	return claims.RemittanceLine{
		ServiceLineID: sl.ServiceLineID,
		BilledAmount:  roundCents(billed),
		CostShare:     share,
		Status:        claims.StatusApproved,
	}
}

func (e *Engine) denyLine(sl claims.ServiceLine, billed float64, denialCfg claims.DenialSettings) claims.RemittanceLine {
	var share claims.CostShare
	var severity claims.DenialSeverity

	if randFloat64() < denialCfg.HardDenialRate {
		severity = claims.SeverityHard
		share = claims.CostShare{NotAllowed: billed}
	} else {
		severity = claims.SeveritySoft
		notAllowed := billed * (0.3 + randFloat64()*0.4) // uniform(0.3, 0.7)
		remainder := billed - notAllowed
		copay := math.Min(e.cfg.Rules.CopayFixedAmount, remainder)
		if copay < 0 {
			copay = 0
		}
		deductible := (remainder - copay) * e.cfg.Rules.DeductiblePercentage
		coinsurance := remainder - copay - deductible
		share = claims.CostShare{
			Copay:       copay,
			Deductible:  deductible,
			Coinsurance: coinsurance,
			NotAllowed:  notAllowed,
		}
	}

	share = reconcile(billed, share)
	reason := denial.SelectSeverity(denialCfg.PreferredCategories, severity)

	status := claims.StatusDenied
	if severity == claims.SeveritySoft {
		status = claims.StatusPartialDenial
	}

	return claims.RemittanceLine{
		ServiceLineID: sl.ServiceLineID,
		BilledAmount:  roundCents(billed),
		CostShare:     share,
		Status:        status,
		DenialInfo: &claims.DenialInfo{
			Code:        reason.Code,
			GroupCode:   reason.GroupCode,
			ReasonCode:  reason.ReasonCode,
			Category:    reason.Category,
			Severity:    reason.Severity,
			Description: reason.Description,
		},
	}
}

// reconcile rounds each component to the nearest cent, then adds any
// residual (< 0.01) to the largest component so the line's components sum
// exactly to billed.
func reconcile(billed float64, share claims.CostShare) claims.CostShare {
	rounded := [5]float64{
		roundCents(share.PayerPaid),
		roundCents(share.Coinsurance),
		roundCents(share.Copay),
		roundCents(share.Deductible),
		roundCents(share.NotAllowed),
	}
	sum := rounded[0] + rounded[1] + rounded[2] + rounded[3] + rounded[4]
	residual := roundCents(billed - sum)
	if residual != 0 {
		largest := 0
		for i := 1; i < len(rounded); i++ {
			if rounded[i] > rounded[largest] {
				largest = i
			}
		}
		rounded[largest] = roundCents(rounded[largest] + residual)
	}
	return claims.CostShare{
		PayerPaid:   rounded[0],
		Coinsurance: rounded[1],
		Copay:       rounded[2],
		Deductible:  rounded[3],
		NotAllowed:  rounded[4],
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// overallStatus is APPROVED/DENIED when every line agrees, else
// PARTIAL_DENIAL.
func overallStatus(lines []claims.RemittanceLine) claims.RemittanceStatus {
	allApproved, allDenied := true, true
	for _, l := range lines {
		if l.Status != claims.StatusApproved {
			allApproved = false
		}
		if l.Status == claims.StatusApproved {
			allDenied = false
		}
	}
	switch {
	case allApproved:
		return claims.StatusApproved
	case allDenied:
		return claims.StatusDenied
	default:
		return claims.StatusPartialDenial
	}
}

func randFloat64() float64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(randFloat64() * float64(n))
}
