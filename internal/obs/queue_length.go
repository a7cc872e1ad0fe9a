// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/config"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
)

// StartQueueDepthUpdater samples the claims queue, every configured payer
// queue, and the remittance queue, publishing each state into the QueueDepth
// gauge vector. It polls the Queue interface, so it works against either
// backend.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, q queue.Queue, log *zap.Logger) {
	interval := 2 * time.Second

	names := make([]string, 0, len(cfg.Payers)+2)
	names = append(names, cfg.Queue.Names.Claims, cfg.Queue.Names.Remittance)
	for id := range cfg.Payers {
		names = append(names, cfg.Queue.Names.PayerPrefix+id)
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, name := range names {
					d, err := q.Depth(ctx, name)
					if err != nil {
						log.Debug("queue depth poll error", String("queue", name), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(name, "waiting").Set(float64(d.Waiting))
					QueueDepth.WithLabelValues(name, "active").Set(float64(d.Active))
					QueueDepth.WithLabelValues(name, "delayed").Set(float64(d.Delayed))
					QueueDepth.WithLabelValues(name, "completed").Set(float64(d.Completed))
					QueueDepth.WithLabelValues(name, "failed").Set(float64(d.Failed))
				}
			}
		}
	}()
}
