// Copyright 2025 James Ross

// Package admin gives the clearinghouse pipeline a CLI-local equivalent of
// the out-of-scope HTTP dashboard: queue depth stats across every named
// queue, a peek into a queue's depth breakdown, a dead-letter purge, and
// read-through to the billing aggregator's A/R aging and patient cost-share
// views. Every command drives the queue.Queue interface and config.Config's
// named queues, so it works unmodified against either queue backend.
package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flyingrobots/claims-clearinghouse/internal/billing"
	"github.com/flyingrobots/claims-clearinghouse/internal/config"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

// StatsResult is the `stats` command's output: depth across the claims
// queue, every per-payer queue, and the remittance queue.
type StatsResult struct {
	Queues map[string]queue.Depth `json:"queues"`
}

// Stats reports depth for claims, every configured payer queue, and
// remittance.
func Stats(ctx context.Context, cfg *config.Config, q queue.Queue) (StatsResult, error) {
	res := StatsResult{Queues: map[string]queue.Depth{}}

	names := []string{cfg.Queue.Names.Claims, cfg.Queue.Names.Remittance}
	for id := range cfg.Payers {
		names = append(names, cfg.Queue.Names.PayerPrefix+id)
	}
	sort.Strings(names)

	for _, name := range names {
		d, err := q.Depth(ctx, name)
		if err != nil {
			return res, fmt.Errorf("admin: depth %s: %w", name, err)
		}
		res.Queues[name] = d
	}
	return res, nil
}

// resolveQueueName maps a short alias (claims, remittance, or a bare payer
// id) to its full queue name, or passes through an already-qualified name.
func resolveQueueName(cfg *config.Config, alias string) string {
	switch alias {
	case "claims":
		return cfg.Queue.Names.Claims
	case "remittance":
		return cfg.Queue.Names.Remittance
	}
	if _, ok := cfg.Payers[alias]; ok {
		return cfg.Queue.Names.PayerPrefix + alias
	}
	return alias
}

// PeekResult is the `peek` command's output.
type PeekResult struct {
	Queue string      `json:"queue"`
	Depth queue.Depth `json:"depth"`
}

// Peek resolves a queue alias and reports its current depth breakdown. The
// queue interface exposes depth, not raw item contents, since a job's
// payload is backend-opaque bytes once enqueued.
func Peek(ctx context.Context, cfg *config.Config, q queue.Queue, alias string) (PeekResult, error) {
	name := resolveQueueName(cfg, alias)
	d, err := q.Depth(ctx, name)
	if err != nil {
		return PeekResult{}, fmt.Errorf("admin: peek %s: %w", name, err)
	}
	return PeekResult{Queue: name, Depth: d}, nil
}

// PurgeResult is the `purge-dlq` command's output.
type PurgeResult struct {
	Queue  string `json:"queue"`
	Purged int64  `json:"purged"`
}

// PurgeDLQ resolves a queue alias and discards its terminal-failed backlog.
// Failed jobs are observable only and never redelivered, so purging them is
// safe at any time; the count removed is reported for the operator.
func PurgeDLQ(ctx context.Context, cfg *config.Config, q queue.Queue, alias string) (PurgeResult, error) {
	name := resolveQueueName(cfg, alias)
	n, err := q.PurgeFailed(ctx, name)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("admin: purge-dlq %s: %w", name, err)
	}
	return PurgeResult{Queue: name, Purged: n}, nil
}

// ARAging reads straight through to the billing aggregator's A/R aging
// view, restricted to the trailing window.
func ARAging(ctx context.Context, agg billing.Aggregator, window time.Duration) ([]billing.ARAgingRow, error) {
	rows, err := agg.ARAging(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("admin: ar_aging: %w", err)
	}
	return rows, nil
}

// PatientCostShare reads straight through to the billing aggregator's
// per-patient cost-share rollup.
func PatientCostShare(ctx context.Context, agg billing.Aggregator) ([]billing.PatientCostShareRow, error) {
	rows, err := agg.PatientCostShare(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: patient_cost_share: %w", err)
	}
	return rows, nil
}
