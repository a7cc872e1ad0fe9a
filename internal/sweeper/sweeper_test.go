// Copyright 2025 James Ross
package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

func TestStartSweepsAgedOutRecords(t *testing.T) {
	st := store.NewMemory()
	require.NoError(t, st.Insert(context.Background(), claims.CorrelationRecord{
		CorrelationID: "old-1",
		ClaimID:       "claim-1",
		PayerID:       claims.PayerMedicare,
		SubmittedAt:   time.Now().Add(-time.Hour),
	}))
	require.NoError(t, st.Insert(context.Background(), claims.CorrelationRecord{
		CorrelationID: "fresh-1",
		ClaimID:       "claim-2",
		PayerID:       claims.PayerMedicare,
		SubmittedAt:   time.Now(),
	}))

	s := New(st, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := s.Start(ctx, 20*time.Millisecond, 30*time.Minute)
	require.NoError(t, err)
	defer c.Stop()

	require.Eventually(t, func() bool {
		aged, _ := st.ListAgedOut(context.Background(), 30*time.Minute)
		return len(aged) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, stillFresh, _ := st.Delete(context.Background(), "fresh-1")
	require.True(t, stillFresh, "fresh record should not have been swept")
}
