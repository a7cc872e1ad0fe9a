// Copyright 2025 James Ross

// Package sweeper implements the aged-out correlation sweep: a periodic
// task that lists and removes in-flight correlation records that have
// exceeded a configured timeout without a matched remittance. The scan is
// driven by github.com/robfig/cron/v3's "@every" schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
)

// Sweeper periodically sweeps aged-out correlation records.
type Sweeper struct {
	store store.CorrelationStore
	log   *zap.Logger
}

// New constructs a Sweeper.
func New(st store.CorrelationStore, log *zap.Logger) *Sweeper {
	return &Sweeper{store: st, log: log}
}

// Start schedules a sweep every interval, each sweep removing records whose
// submitted_at is older than timeout. It stops
// automatically when ctx is canceled; the returned *cron.Cron can also be
// stopped directly.
func (s *Sweeper) Start(ctx context.Context, interval, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.AddFunc(spec, func() {
		s.sweepOnce(ctx, timeout)
	})
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}

// sweepOnce lists aged-out records for a warning log per id, then deletes
// them in one pass via SweepAgedOut.
func (s *Sweeper) sweepOnce(ctx context.Context, timeout time.Duration) {
	aged, err := s.store.ListAgedOut(ctx, timeout)
	if err != nil {
		s.log.Error("sweeper: list aged out", obs.Err(err))
		return
	}
	for _, rec := range aged {
		s.log.Warn("correlation aged out without a matched remittance",
			obs.String("correlation_id", rec.CorrelationID),
			obs.String("claim_id", rec.ClaimID),
			obs.String("payer_id", string(rec.PayerID)),
			zap.Time("submitted_at", rec.SubmittedAt),
		)
	}

	n, err := s.store.SweepAgedOut(ctx, timeout)
	if err != nil {
		s.log.Error("sweeper: sweep aged out", obs.Err(err))
		return
	}
	if n > 0 {
		obs.AgedOutSwept.Add(float64(n))
	}
}
