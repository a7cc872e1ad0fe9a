// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/billing"
	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/clearinghouse"
	"github.com/flyingrobots/claims-clearinghouse/internal/ingest"
	"github.com/flyingrobots/claims-clearinghouse/internal/matcher"
	"github.com/flyingrobots/claims-clearinghouse/internal/payer"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

func testPayerConfig(id claims.PayerID) claims.PayerConfig {
	return claims.PayerConfig{
		PayerID:           id,
		ProcessingDelayMs: claims.DelayRange{Min: 1, Max: 3},
		Rules:             claims.AdjudicationRules{PayerPercentage: 0.8, CopayFixedAmount: 20, DeductiblePercentage: 0.1},
	}
}

func writeClaimFile(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claims.ndjson")
	var content []byte
	payers := []claims.PayerID{claims.PayerMedicare, claims.PayerUnitedHealthGroup, claims.PayerAnthem}
	for i := 0; i < n; i++ {
		c := claims.PayerClaim{
			ClaimID:        fmt.Sprintf("claim-%d", i),
			PlaceOfService: "11",
			Insurance:      claims.Insurance{PayerID: payers[i%len(payers)], PatientMemberID: fmt.Sprintf("pat-%d", i%4)},
			Patient:        claims.Patient{Name: "Jane Doe", Gender: "f", DOB: "1980-01-01"},
			Organization:   claims.Organization{Name: "Acme Clinic"},
			RenderingProvider: claims.Provider{
				Name: "Dr. Smith", NPI: "1234567890",
			},
			ServiceLines: []claims.ServiceLine{
				{ServiceLineID: "L1", ProcedureCode: "99213", Units: 1 + i%3, UnitChargeAmount: 50.01 + float64(i), Currency: "USD"},
			},
		}
		b, err := json.Marshal(c)
		require.NoError(t, err)
		content = append(content, b...)
		content = append(content, '\n')
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// Drives ingest -> router -> payer -> matcher -> billing over the in-memory
// backends and checks the end-to-end accounting: every ingested claim ends up
// as exactly one processed-claim record, with no correlation left in flight.
func TestPipelineEndToEndCorrelationAccounting(t *testing.T) {
	const n = 30
	path := writeClaimFile(t, n)

	q := queue.NewMemory()
	correlations := store.NewMemory()
	billingSink := billing.NewMemory()
	log := zap.NewNop()

	payers := []claims.PayerID{claims.PayerMedicare, claims.PayerUnitedHealthGroup, claims.PayerAnthem}
	registry := make(map[claims.PayerID]struct{}, len(payers))
	for _, id := range payers {
		registry[id] = struct{}{}
	}

	router := clearinghouse.New(registry, "", correlations, q, "payer-", log)
	require.NoError(t, q.RegisterWorker("claims", 4, router.Handle))
	for _, id := range payers {
		eng := payer.New(id, testPayerConfig(id), q, "remittance", log)
		require.NoError(t, q.RegisterWorker("payer-"+string(id), 2, eng.Handle))
	}
	m := matcher.New(correlations, billingSink, log)
	require.NoError(t, q.RegisterWorker("remittance", 5, m.Handle))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	src := ingest.New(q, "claims", 1000, log)
	stats, err := src.Run(ctx, path)
	require.NoError(t, err)
	require.Equal(t, n, stats.Accepted)

	require.Eventually(t, func() bool {
		return billingSink.Count() == n
	}, 10*time.Second, 10*time.Millisecond, "every ingested claim must reach billing exactly once")

	inFlight, err := correlations.ListAgedOut(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, inFlight, "no correlation may remain in flight after draining")
}

// A claim routed but never adjudicated ages out; a remittance arriving after
// the sweep is an orphan and must not create a billing record.
func TestPipelineAgedOutThenLateRemittanceIsOrphan(t *testing.T) {
	correlations := store.NewMemory()
	billingSink := billing.NewMemory()
	log := zap.NewNop()

	rec := claims.CorrelationRecord{
		CorrelationID: "corr-stuck",
		ClaimID:       "claim-stuck",
		PatientID:     "pat-1",
		PayerID:       claims.PayerMedicare,
		IngestedAt:    time.Now().Add(-time.Hour),
		SubmittedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, correlations.Insert(context.Background(), rec))

	aged, err := correlations.ListAgedOut(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, aged, 1)
	swept, err := correlations.SweepAgedOut(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	m := matcher.New(correlations, billingSink, log)
	msg := claims.RemittanceMessage{
		CorrelationID: "corr-stuck",
		Advice:        claims.RemittanceAdvice{CorrelationID: "corr-stuck", ProcessedAt: time.Now()},
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, m.Handle(context.Background(), queue.Job{Payload: payload}))
	require.Zero(t, billingSink.Count(), "late remittance for a swept correlation must not be billed")
}
