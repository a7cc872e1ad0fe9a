// Copyright 2025 James Ross

// Package ingest implements the rate-limited NDJSON claim source: it reads
// one PayerClaim per line from a file and emits it onto the claims queue,
// paced by a golang.org/x/time/rate token bucket of size 1: one record per
// tick.
package ingest

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

// Source reads claims from a newline-delimited JSON file and enqueues them
// onto a named queue, one per rate-limiter tick.
type Source struct {
	q         queue.Queue
	queueName string
	log       *zap.Logger
	limiter   *rate.Limiter
}

// New constructs a Source pacing emission at ratePerSec claims/sec with a
// token bucket of burst 1.
func New(q queue.Queue, queueName string, ratePerSec float64, log *zap.Logger) *Source {
	return &Source{
		q:         q,
		queueName: queueName,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// Stats summarizes one Run.
type Stats struct {
	Accepted  int
	Skipped   int
	Malformed int
}

// Run opens path and emits one ClaimMessage per non-blank line, paced by the
// source's rate limiter. Blank lines are skipped silently; malformed or
// schema-invalid lines are logged, counted in Stats.Malformed, and skipped;
// they never abort the run. Cancelling ctx is this source's "stop after the
// current record" mechanism: the limiter wait is the only suspension point,
// and it observes ctx.Done() immediately.
//
// Run returns a non-nil error only on fatal failures: the file cannot be
// opened, a line cannot be read, or the queue enqueue itself fails
// (queue-full or substrate-closed).
func (s *Source) Run(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	var stats Stats
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := trimNewline(line)
			if len(trimmed) == 0 {
				stats.Skipped++
			} else if err := s.emit(ctx, trimmed, &stats); err != nil {
				return stats, err
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return stats, fmt.Errorf("ingest: read %s: %w", path, err)
		}
	}
	return stats, nil
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}

func (s *Source) emit(ctx context.Context, line []byte, stats *Stats) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ingest: rate limiter: %w", err)
	}

	claim, err := claims.Parse(line)
	if err != nil {
		stats.Malformed++
		obs.ErrorsTotal.Inc()
		s.log.Warn("skipping malformed claim record", obs.Err(err))
		return nil
	}

	msg := claims.ClaimMessage{
		CorrelationID: newCorrelationID(),
		Claim:         claim,
		IngestedAt:    time.Now(),
	}
	spanCtx, span := obs.StartStageSpan(ctx, "claim.ingest", msg.CorrelationID, nil)
	msg.TraceContext = obs.InjectTraceContext(spanCtx)
	payload, err := json.Marshal(msg)
	if err != nil {
		stats.Malformed++
		s.log.Error("failed to marshal claim message", obs.Err(err))
		obs.EndStageSpan(span, err)
		return nil
	}

	// Ingestion→claims is max_attempts=1: a failed ingest enqueue is not
	// retried, it's a fatal error for the run.
	if _, err := s.q.Enqueue(spanCtx, s.queueName, payload, queue.EnqueueOptions{
		Priority:    queue.PriorityNormal,
		MaxAttempts: 1,
	}); err != nil {
		obs.EndStageSpan(span, err)
		return fmt.Errorf("ingest: enqueue %s: %w", msg.CorrelationID, err)
	}
	obs.EndStageSpan(span, nil)

	stats.Accepted++
	obs.ClaimsIngested.Inc()
	s.log.Info("ingested claim",
		obs.String("correlation_id", msg.CorrelationID),
		obs.String("claim_id", claim.ClaimID),
	)
	return nil
}

// newCorrelationID combines a monotonic nanosecond timestamp prefix with a
// random suffix, sufficient for uniqueness within a single run.
func newCorrelationID() string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}
