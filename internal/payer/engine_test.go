// Copyright 2025 James Ross
package payer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

func TestAdjudicateLineApprovedSplit(t *testing.T) {
	e := &Engine{payerID: claims.PayerMedicare, cfg: claims.PayerConfig{
		Rules: claims.AdjudicationRules{PayerPercentage: 0.8, CopayFixedAmount: 20, DeductiblePercentage: 0.1},
	}, log: zap.NewNop()}

	sl := claims.ServiceLine{ServiceLineID: "L1", Units: 1, UnitChargeAmount: 100}
	line := e.adjudicateLine(sl)

	require.Equal(t, claims.StatusApproved, line.Status)
	require.InDelta(t, 80.00, line.CostShare.PayerPaid, 1e-9)
	require.InDelta(t, 20.00, line.CostShare.Copay, 1e-9)
	require.InDelta(t, 0.00, line.CostShare.Deductible, 1e-9)
	require.InDelta(t, 0.00, line.CostShare.Coinsurance, 1e-9)
	require.InDelta(t, 0.00, line.CostShare.NotAllowed, 1e-9)
	require.InDelta(t, 100.00, line.CostShare.Sum(), 1e-9)
}

func TestAdjudicateLineHardDenial(t *testing.T) {
	e := &Engine{payerID: claims.PayerMedicare, cfg: claims.PayerConfig{
		Denial: claims.DenialSettings{DenialRate: 1.0, HardDenialRate: 1.0},
	}, log: zap.NewNop()}

	sl := claims.ServiceLine{ServiceLineID: "L1", Units: 1, UnitChargeAmount: 50}
	line := e.adjudicateLine(sl)

	require.Equal(t, claims.StatusDenied, line.Status)
	require.InDelta(t, 50.00, line.CostShare.NotAllowed, 1e-9)
	require.InDelta(t, 0, line.CostShare.PayerPaid, 1e-9)
	require.InDelta(t, 0, line.CostShare.Copay, 1e-9)
	require.InDelta(t, 0, line.CostShare.Deductible, 1e-9)
	require.InDelta(t, 0, line.CostShare.Coinsurance, 1e-9)
	require.NotNil(t, line.DenialInfo)
	require.Equal(t, claims.SeverityHard, line.DenialInfo.Severity)
}

func TestReconcileRoundingResidualGoesToLargestComponent(t *testing.T) {
	// billed 100.03, payer_percentage = 1/3 -> raw split rounds to
	// 33.34/33.34/33.34 (sum 100.02); residual 0.01 must land on the
	// largest component so the sum is exactly 100.03.
	billed := 100.03
	share := claims.CostShare{
		PayerPaid:   billed / 3,
		Coinsurance: billed / 3,
		Deductible:  billed / 3,
	}
	out := reconcile(billed, share)
	require.InDelta(t, billed, out.Sum(), 1e-9)

	total := out.PayerPaid + out.Coinsurance + out.Deductible
	require.InDelta(t, billed, total, 1e-9)
}

func TestMoneyConservationAcrossManyLines(t *testing.T) {
	e := &Engine{payerID: claims.PayerAnthem, cfg: claims.PayerConfig{
		Rules:  claims.AdjudicationRules{PayerPercentage: 0.75, CopayFixedAmount: 25, DeductiblePercentage: 0.08},
		Denial: claims.DenialSettings{DenialRate: 0.3, HardDenialRate: 0.4},
	}, log: zap.NewNop()}

	for i := 0; i < 500; i++ {
		sl := claims.ServiceLine{ServiceLineID: "L", Units: 1 + i%5, UnitChargeAmount: 13.37 + float64(i)}
		line := e.adjudicateLine(sl)
		require.InDelta(t, sl.BilledAmount(), line.CostShare.Sum(), 0.01)
	}
}

func TestHandleEnqueuesRemittance(t *testing.T) {
	q := queue.NewMemory()
	var mu sync.Mutex
	var captured []claims.RemittanceMessage
	require.NoError(t, q.RegisterWorker("remittance", 1, func(ctx context.Context, job queue.Job) error {
		var m claims.RemittanceMessage
		if err := json.Unmarshal(job.Payload, &m); err != nil {
			return err
		}
		mu.Lock()
		captured = append(captured, m)
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()
	defer func() { cancel(); _ = q.Close() }()

	e := New(claims.PayerMedicare, claims.PayerConfig{
		ProcessingDelayMs: claims.DelayRange{Min: 1, Max: 2},
		Rules:             claims.AdjudicationRules{PayerPercentage: 0.8, CopayFixedAmount: 20, DeductiblePercentage: 0.1},
	}, q, "remittance", zap.NewNop())

	msg := claims.ClaimMessage{
		CorrelationID: "corr-1",
		IngestedAt:    time.Now(),
		Claim: claims.PayerClaim{
			ClaimID: "claim-1",
			ServiceLines: []claims.ServiceLine{
				{ServiceLineID: "L1", Units: 1, UnitChargeAmount: 100},
			},
		},
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	err = e.Handle(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(captured) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "corr-1", captured[0].CorrelationID)
	require.Equal(t, claims.StatusApproved, captured[0].Advice.OverallStatus)
}
