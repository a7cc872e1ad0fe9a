// Copyright 2025 James Ross
package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// MemoryAggregator is an in-process Aggregator backing unit tests and the
// correlation-bijection / idempotent-sink property tests, the same
// role store.MemoryStore plays for the correlation store.
type MemoryAggregator struct {
	mu      sync.Mutex
	records map[string]claims.ProcessedClaim
}

// NewMemory constructs an empty in-memory billing aggregator.
func NewMemory() *MemoryAggregator {
	return &MemoryAggregator{records: make(map[string]claims.ProcessedClaim)}
}

// Record is idempotent on correlation_id, matching the Postgres sink's
// ON CONFLICT DO NOTHING semantics.
func (m *MemoryAggregator) Record(ctx context.Context, pc claims.ProcessedClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[pc.CorrelationID]; exists {
		return nil
	}
	m.records[pc.CorrelationID] = pc
	return nil
}

// Count returns the number of distinct processed claims recorded. Test-only
// helper.
func (m *MemoryAggregator) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryAggregator) ARAging(ctx context.Context, window time.Duration) ([]ARAgingRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	type agg struct {
		counts map[string]int64
		total  int64
		sumMs  float64
	}
	byPayer := map[string]*agg{}
	for _, pc := range m.records {
		if pc.ProcessedAt.Before(cutoff) {
			continue
		}
		payerID := string(pc.PayerID)
		a, ok := byPayer[payerID]
		if !ok {
			a = &agg{counts: map[string]int64{}}
			byPayer[payerID] = a
		}
		a.counts[bucketFor(pc.ProcessingTimeMs)]++
		a.total++
		a.sumMs += float64(pc.ProcessingTimeMs)
	}

	payerIDs := make([]string, 0, len(byPayer))
	for id := range byPayer {
		payerIDs = append(payerIDs, id)
	}
	sort.Strings(payerIDs)

	out := make([]ARAgingRow, 0, len(payerIDs))
	for _, id := range payerIDs {
		a := byPayer[id]
		present := make([]ARBucket, 0, len(a.counts))
		for label, cnt := range a.counts {
			present = append(present, ARBucket{Label: label, Count: cnt})
		}
		row := ARAgingRow{PayerID: id, Buckets: fillMissingBuckets(present), Total: a.total}
		if a.total > 0 {
			row.WeightedAvgMs = a.sumMs / float64(a.total)
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryAggregator) PatientCostShare(ctx context.Context) ([]PatientCostShareRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPatient := map[string]*PatientCostShareRow{}
	for _, pc := range m.records {
		if len(pc.Remittance.Lines) == 0 {
			continue
		}
		first := pc.Remittance.Lines[0]
		row, ok := byPatient[pc.PatientID]
		if !ok {
			row = &PatientCostShareRow{PatientID: pc.PatientID}
			byPatient[pc.PatientID] = row
		}
		row.Copay += first.CostShare.Copay
		row.Coinsurance += first.CostShare.Coinsurance
		row.Deductible += first.CostShare.Deductible
	}

	patientIDs := make([]string, 0, len(byPatient))
	for id := range byPatient {
		patientIDs = append(patientIDs, id)
	}
	sort.Strings(patientIDs)

	out := make([]PatientCostShareRow, 0, len(patientIDs))
	for _, id := range patientIDs {
		out = append(out, *byPatient[id])
	}
	return out, nil
}
