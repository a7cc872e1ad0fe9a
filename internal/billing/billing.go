// Copyright 2025 James Ross

// Package billing implements the billing aggregator: it persists processed
// claims idempotently and exposes the aggregate reporting views (A/R aging,
// per-patient cost-share rollup). The sink is plain database/sql + lib/pq;
// the aggregation queries stay in SQL rather than Go since the store is an
// external relational collaborator.
package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// schemaProcessed creates the processed_claims table and its indexes.
const schemaProcessed = `
CREATE TABLE IF NOT EXISTS processed_claims (
	correlation_id     TEXT PRIMARY KEY,
	claim_id           TEXT NOT NULL,
	patient_id         TEXT NOT NULL,
	payer_id           TEXT NOT NULL,
	ingested_at        TIMESTAMPTZ NOT NULL,
	processed_at       TIMESTAMPTZ NOT NULL,
	processing_time_ms BIGINT NOT NULL,
	remittance_data    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_claims_payer_id_idx ON processed_claims (payer_id);
CREATE INDEX IF NOT EXISTS processed_claims_patient_id_idx ON processed_claims (patient_id);
CREATE INDEX IF NOT EXISTS processed_claims_processed_at_idx ON processed_claims (processed_at);
`

// agingBuckets are the fixed processing-time-ms buckets, in display order.
var agingBuckets = []struct {
	label  string
	maxExc int64 // exclusive upper bound in ms; 0 means unbounded
}{
	{"0-60s", 60_000},
	{"60-120s", 120_000},
	{"120-180s", 180_000},
	{"180s+", 0},
}

func bucketFor(ms int64) string {
	for _, b := range agingBuckets {
		if b.maxExc == 0 || ms < b.maxExc {
			return b.label
		}
	}
	return agingBuckets[len(agingBuckets)-1].label
}

// ARBucket is one bucket of an ARAgingRow.
type ARBucket struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// ARAgingRow is one payer's A/R aging distribution.
type ARAgingRow struct {
	PayerID       string     `json:"payer_id"`
	Buckets       []ARBucket `json:"buckets"`
	Total         int64      `json:"total"`
	WeightedAvgMs float64    `json:"weighted_avg_ms"`
}

// PatientCostShareRow is one patient's summed cost-share rollup.
type PatientCostShareRow struct {
	PatientID   string  `json:"patient_id"`
	Copay       float64 `json:"copay"`
	Coinsurance float64 `json:"coinsurance"`
	Deductible  float64 `json:"deductible"`
}

// Aggregator is the billing aggregator's full interface.
type Aggregator interface {
	Record(ctx context.Context, pc claims.ProcessedClaim) error
	ARAging(ctx context.Context, window time.Duration) ([]ARAgingRow, error)
	PatientCostShare(ctx context.Context) ([]PatientCostShareRow, error)
}

// PostgresAggregator is the relational implementation of Aggregator.
type PostgresAggregator struct {
	db *sql.DB
}

// NewPostgres wraps an existing *sql.DB. The caller owns its lifecycle.
func NewPostgres(db *sql.DB) *PostgresAggregator {
	return &PostgresAggregator{db: db}
}

// Migrate creates processed_claims and its indexes if they do not exist.
func (a *PostgresAggregator) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schemaProcessed); err != nil {
		return fmt.Errorf("billing: migrate processed_claims: %w", err)
	}
	return nil
}

// Record inserts pc idempotently: ON CONFLICT (correlation_id) DO NOTHING,
// so at-least-once delivery from the matcher yields exactly one row.
func (a *PostgresAggregator) Record(ctx context.Context, pc claims.ProcessedClaim) error {
	remittanceJSON, err := json.Marshal(pc.Remittance)
	if err != nil {
		return fmt.Errorf("billing: marshal remittance for %s: %w", pc.CorrelationID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO processed_claims (correlation_id, claim_id, patient_id, payer_id, ingested_at, processed_at, processing_time_ms, remittance_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (correlation_id) DO NOTHING
	`, pc.CorrelationID, pc.ClaimID, pc.PatientID, string(pc.PayerID), pc.IngestedAt, pc.ProcessedAt, pc.ProcessingTimeMs, remittanceJSON)
	if err != nil {
		return fmt.Errorf("billing: record processed claim %s: %w", pc.CorrelationID, err)
	}
	return nil
}

// ARAging buckets each payer's processing-time-ms into the fixed aging
// buckets, restricted to claims processed within the trailing window.
func (a *PostgresAggregator) ARAging(ctx context.Context, window time.Duration) ([]ARAgingRow, error) {
	cutoff := time.Now().Add(-window)
	rows, err := a.db.QueryContext(ctx, `
		SELECT payer_id,
		       CASE WHEN processing_time_ms < 60000 THEN '0-60s'
		            WHEN processing_time_ms < 120000 THEN '60-120s'
		            WHEN processing_time_ms < 180000 THEN '120-180s'
		            ELSE '180s+' END AS bucket,
		       COUNT(*) AS cnt,
		       SUM(processing_time_ms) AS sum_ms
		FROM processed_claims
		WHERE processed_at > $1
		GROUP BY payer_id, bucket
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("billing: ar_aging query: %w", err)
	}
	defer rows.Close()

	byPayer := map[string]*ARAgingRow{}
	order := make([]string, 0)
	for rows.Next() {
		var payerID, bucket string
		var cnt, sumMs int64
		if err := rows.Scan(&payerID, &bucket, &cnt, &sumMs); err != nil {
			return nil, fmt.Errorf("billing: scan ar_aging row: %w", err)
		}
		row, ok := byPayer[payerID]
		if !ok {
			row = &ARAgingRow{PayerID: payerID}
			byPayer[payerID] = row
			order = append(order, payerID)
		}
		row.Buckets = append(row.Buckets, ARBucket{Label: bucket, Count: cnt})
		row.Total += cnt
		row.WeightedAvgMs += float64(sumMs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ARAgingRow, 0, len(order))
	for _, payerID := range order {
		row := byPayer[payerID]
		if row.Total > 0 {
			row.WeightedAvgMs /= float64(row.Total)
		}
		row.Buckets = fillMissingBuckets(row.Buckets)
		out = append(out, *row)
	}
	return out, nil
}

// fillMissingBuckets returns buckets in agingBuckets' display order, with a
// zero count for any label the query didn't return a row for.
func fillMissingBuckets(present []ARBucket) []ARBucket {
	counts := make(map[string]int64, len(present))
	for _, b := range present {
		counts[b.Label] = b.Count
	}
	out := make([]ARBucket, len(agingBuckets))
	for i, b := range agingBuckets {
		out[i] = ARBucket{Label: b.label, Count: counts[b.label]}
	}
	return out
}

// PatientCostShare sums {copay, coinsurance, deductible} over the first
// remittance line of each processed claim, grouped by patient id.
func (a *PostgresAggregator) PatientCostShare(ctx context.Context) ([]PatientCostShareRow, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT patient_id,
		       COALESCE(SUM((remittance_data->'lines'->0->'cost_share'->>'copay')::numeric), 0),
		       COALESCE(SUM((remittance_data->'lines'->0->'cost_share'->>'coinsurance')::numeric), 0),
		       COALESCE(SUM((remittance_data->'lines'->0->'cost_share'->>'deductible')::numeric), 0)
		FROM processed_claims
		GROUP BY patient_id
	`)
	if err != nil {
		return nil, fmt.Errorf("billing: patient_cost_share query: %w", err)
	}
	defer rows.Close()

	var out []PatientCostShareRow
	for rows.Next() {
		var r PatientCostShareRow
		if err := rows.Scan(&r.PatientID, &r.Copay, &r.Coinsurance, &r.Deductible); err != nil {
			return nil, fmt.Errorf("billing: scan patient_cost_share row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
