// Copyright 2025 James Ross
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/claims-clearinghouse/internal/breaker"
	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
)

// ErrBreakerOpen is returned in place of calling through to the underlying
// store while the breaker is tripped.
var ErrBreakerOpen = errors.New("store: circuit breaker open")

// BreakerStore wraps a CorrelationStore with a sliding-window circuit
// breaker (internal/breaker), shedding load off the Postgres correlation
// sink once it starts failing.
type BreakerStore struct {
	inner CorrelationStore
	cb    *breaker.CircuitBreaker
}

// NewBreakerStore wraps inner with cb.
func NewBreakerStore(inner CorrelationStore, cb *breaker.CircuitBreaker) *BreakerStore {
	return &BreakerStore{inner: inner, cb: cb}
}

func (s *BreakerStore) Insert(ctx context.Context, rec claims.CorrelationRecord) error {
	if !s.cb.Allow() {
		return ErrBreakerOpen
	}
	err := s.inner.Insert(ctx, rec)
	s.cb.Record(err == nil)
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, correlationID string) (claims.CorrelationRecord, bool, error) {
	if !s.cb.Allow() {
		return claims.CorrelationRecord{}, false, ErrBreakerOpen
	}
	rec, ok, err := s.inner.Delete(ctx, correlationID)
	s.cb.Record(err == nil)
	return rec, ok, err
}

func (s *BreakerStore) ListAgedOut(ctx context.Context, olderThan time.Duration) ([]claims.CorrelationRecord, error) {
	if !s.cb.Allow() {
		return nil, ErrBreakerOpen
	}
	recs, err := s.inner.ListAgedOut(ctx, olderThan)
	s.cb.Record(err == nil)
	return recs, err
}

func (s *BreakerStore) SweepAgedOut(ctx context.Context, olderThan time.Duration) (int, error) {
	if !s.cb.Allow() {
		return 0, ErrBreakerOpen
	}
	n, err := s.inner.SweepAgedOut(ctx, olderThan)
	s.cb.Record(err == nil)
	return n, err
}
