// Copyright 2025 James Ross
package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

func validClaimLine(t *testing.T, claimID string) []byte {
	t.Helper()
	c := claims.PayerClaim{
		ClaimID:        claimID,
		PlaceOfService: "11",
		Insurance:      claims.Insurance{PayerID: claims.PayerMedicare, PatientMemberID: "M123"},
		Patient:        claims.Patient{Name: "Jane Doe", Gender: "f", DOB: "1980-01-01"},
		Organization:   claims.Organization{Name: "Acme Clinic"},
		RenderingProvider: claims.Provider{
			Name: "Dr. Smith", NPI: "1234567890",
		},
		ServiceLines: []claims.ServiceLine{
			{ServiceLineID: "L1", ProcedureCode: "99213", Units: 1, UnitChargeAmount: 100, Currency: "USD"},
		},
	}
	b, err := json.Marshal(c)
	require.NoError(t, err)
	return b
}

func TestRunEnqueuesAcceptedRecordsAndSkipsBadOnes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claims.ndjson")

	var lines [][]byte
	lines = append(lines, validClaimLine(t, "C1"))
	lines = append(lines, []byte(""))              // blank, skipped
	lines = append(lines, []byte("{not json"))      // malformed, skipped
	lines = append(lines, validClaimLine(t, "C2"))

	var content []byte
	for _, l := range lines {
		content = append(content, l...)
		content = append(content, '\n')
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	q := queue.NewMemory()
	var handled atomic.Int32
	require.NoError(t, q.RegisterWorker("claims", 1, func(ctx context.Context, job queue.Job) error {
		handled.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()
	defer func() { cancel(); _ = q.Close() }()

	log := zap.NewNop()
	src := New(q, "claims", 1000, log)
	stats, err := src.Run(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Accepted)
	require.Equal(t, 1, stats.Malformed)

	require.Eventually(t, func() bool {
		return handled.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunFailsOnMissingFile(t *testing.T) {
	q := queue.NewMemory()
	src := New(q, "claims", 1000, zap.NewNop())
	_, err := src.Run(context.Background(), "/nonexistent/path.ndjson")
	require.Error(t, err)
}

func TestRunRespectsRateCeiling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "claims.ndjson")
	var content []byte
	for i := 0; i < 5; i++ {
		content = append(content, validClaimLine(t, "C")...)
		content = append(content, '\n')
	}
	require.NoError(t, os.WriteFile(path, content, 0o644))

	q := queue.NewMemory()
	require.NoError(t, q.RegisterWorker("claims", 1, func(ctx context.Context, job queue.Job) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()
	defer func() { cancel(); _ = q.Close() }()

	src := New(q, "claims", 10, zap.NewNop()) // 10/sec => 5 records take >= 400ms
	start := time.Now()
	stats, err := src.Run(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Accepted)
	require.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}
