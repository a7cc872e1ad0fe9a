// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// schemaInFlight creates the in_flight_claims table and its indexes.
const schemaInFlight = `
CREATE TABLE IF NOT EXISTS in_flight_claims (
	correlation_id TEXT PRIMARY KEY,
	claim_id       TEXT NOT NULL,
	patient_id     TEXT NOT NULL,
	payer_id       TEXT NOT NULL,
	ingested_at    TIMESTAMPTZ NOT NULL,
	submitted_at   TIMESTAMPTZ NOT NULL,
	claim_data     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS in_flight_claims_payer_id_idx ON in_flight_claims (payer_id);
CREATE INDEX IF NOT EXISTS in_flight_claims_submitted_at_idx ON in_flight_claims (submitted_at);
`

// PostgresStore is the relational CorrelationStore sink: plain
// database/sql + lib/pq, INSERT to create, DELETE ... RETURNING so exactly
// one concurrent caller claims a given correlation row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres wraps an existing *sql.DB. The caller owns its lifecycle.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates in_flight_claims and its indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaInFlight)
	if err != nil {
		return fmt.Errorf("store: migrate in_flight_claims: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec claims.CorrelationRecord) error {
	claimJSON, err := json.Marshal(rec.Claim)
	if err != nil {
		return fmt.Errorf("store: marshal claim %s: %w", rec.ClaimID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO in_flight_claims (correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.CorrelationID, rec.ClaimID, rec.PatientID, string(rec.PayerID), rec.IngestedAt, rec.SubmittedAt, claimJSON)
	if err != nil {
		return fmt.Errorf("store: insert correlation %s: %w", rec.CorrelationID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, correlationID string) (claims.CorrelationRecord, bool, error) {
	var rec claims.CorrelationRecord
	var payerID string
	var claimJSON []byte

	row := s.db.QueryRowContext(ctx, `
		DELETE FROM in_flight_claims
		WHERE correlation_id = $1
		RETURNING correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data
	`, correlationID)
	err := row.Scan(&rec.CorrelationID, &rec.ClaimID, &rec.PatientID, &payerID, &rec.IngestedAt, &rec.SubmittedAt, &claimJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return claims.CorrelationRecord{}, false, nil
	}
	if err != nil {
		return claims.CorrelationRecord{}, false, fmt.Errorf("store: delete correlation %s: %w", correlationID, err)
	}
	rec.PayerID = claims.PayerID(payerID)
	if err := json.Unmarshal(claimJSON, &rec.Claim); err != nil {
		return claims.CorrelationRecord{}, false, fmt.Errorf("store: unmarshal claim for %s: %w", correlationID, err)
	}
	return rec, true, nil
}

func (s *PostgresStore) ListAgedOut(ctx context.Context, olderThan time.Duration) ([]claims.CorrelationRecord, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data
		FROM in_flight_claims
		WHERE submitted_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list aged out: %w", err)
	}
	defer rows.Close()

	var out []claims.CorrelationRecord
	for rows.Next() {
		var rec claims.CorrelationRecord
		var payerID string
		var claimJSON []byte
		if err := rows.Scan(&rec.CorrelationID, &rec.ClaimID, &rec.PatientID, &payerID, &rec.IngestedAt, &rec.SubmittedAt, &claimJSON); err != nil {
			return nil, fmt.Errorf("store: scan aged out row: %w", err)
		}
		rec.PayerID = claims.PayerID(payerID)
		if err := json.Unmarshal(claimJSON, &rec.Claim); err != nil {
			return nil, fmt.Errorf("store: unmarshal claim: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SweepAgedOut(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM in_flight_claims WHERE submitted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep aged out: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sweep aged out rows affected: %w", err)
	}
	return int(n), nil
}
