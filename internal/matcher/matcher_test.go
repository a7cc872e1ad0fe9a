// Copyright 2025 James Ross
package matcher

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
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	records []claims.ProcessedClaim
}

func (f *fakeSink) Record(ctx context.Context, pc claims.ProcessedClaim) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, pc)
	return nil
}

func TestHandleMatchesAndRecords(t *testing.T) {
	st := store.NewMemory()
	ingestedAt := time.Now().Add(-500 * time.Millisecond)
	require.NoError(t, st.Insert(context.Background(), claims.CorrelationRecord{
		CorrelationID: "corr-1",
		ClaimID:       "claim-1",
		PatientID:     "pat-1",
		PayerID:       claims.PayerMedicare,
		IngestedAt:    ingestedAt,
		SubmittedAt:   time.Now(),
	}))

	sink := &fakeSink{}
	m := New(st, sink, zap.NewNop())

	msg := claims.RemittanceMessage{
		CorrelationID: "corr-1",
		Advice: claims.RemittanceAdvice{
			CorrelationID: "corr-1",
			ClaimID:       "claim-1",
			PayerID:       claims.PayerMedicare,
			ProcessedAt:   time.Now(),
			OverallStatus: claims.StatusApproved,
		},
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	err = m.Handle(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	require.Equal(t, "pat-1", sink.records[0].PatientID)
	require.GreaterOrEqual(t, sink.records[0].ProcessingTimeMs, int64(400))

	_, ok, err := st.Delete(context.Background(), "corr-1")
	require.NoError(t, err)
	require.False(t, ok, "correlation record should have been deleted by the match")
}

func TestHandleOrphanRemittanceIsAckedNotFailed(t *testing.T) {
	st := store.NewMemory()
	sink := &fakeSink{}
	m := New(st, sink, zap.NewNop())

	msg := claims.RemittanceMessage{CorrelationID: "does-not-exist"}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	err = m.Handle(context.Background(), queue.Job{Payload: payload})
	require.NoError(t, err)
	require.Empty(t, sink.records)
}
