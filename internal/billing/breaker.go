// Copyright 2025 James Ross
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/claims-clearinghouse/internal/breaker"
	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// ErrBreakerOpen is returned in place of calling through to the underlying
// aggregator while the breaker is tripped.
var ErrBreakerOpen = errors.New("billing: circuit breaker open")

// BreakerAggregator wraps an Aggregator with a sliding-window circuit
// breaker, guarding the Postgres billing sink the matcher writes through on
// every remittance match.
type BreakerAggregator struct {
	inner Aggregator
	cb    *breaker.CircuitBreaker
}

// NewBreakerAggregator wraps inner with cb.
func NewBreakerAggregator(inner Aggregator, cb *breaker.CircuitBreaker) *BreakerAggregator {
	return &BreakerAggregator{inner: inner, cb: cb}
}

func (a *BreakerAggregator) Record(ctx context.Context, pc claims.ProcessedClaim) error {
	if !a.cb.Allow() {
		return ErrBreakerOpen
	}
	err := a.inner.Record(ctx, pc)
	a.cb.Record(err == nil)
	return err
}

func (a *BreakerAggregator) ARAging(ctx context.Context, window time.Duration) ([]ARAgingRow, error) {
	if !a.cb.Allow() {
		return nil, ErrBreakerOpen
	}
	rows, err := a.inner.ARAging(ctx, window)
	a.cb.Record(err == nil)
	return rows, err
}

func (a *BreakerAggregator) PatientCostShare(ctx context.Context) ([]PatientCostShareRow, error) {
	if !a.cb.Allow() {
		return nil, ErrBreakerOpen
	}
	rows, err := a.inner.PatientCostShare(ctx)
	a.cb.Record(err == nil)
	return rows, err
}
