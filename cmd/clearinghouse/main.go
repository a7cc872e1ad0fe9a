// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/flyingrobots/claims-clearinghouse/internal/admin"
	"github.com/flyingrobots/claims-clearinghouse/internal/billing"
	"github.com/flyingrobots/claims-clearinghouse/internal/breaker"
	"github.com/flyingrobots/claims-clearinghouse/internal/claims"
	"github.com/flyingrobots/claims-clearinghouse/internal/clearinghouse"
	"github.com/flyingrobots/claims-clearinghouse/internal/config"
	"github.com/flyingrobots/claims-clearinghouse/internal/ingest"
	"github.com/flyingrobots/claims-clearinghouse/internal/matcher"
	"github.com/flyingrobots/claims-clearinghouse/internal/obs"
	"github.com/flyingrobots/claims-clearinghouse/internal/payer"
	"github.com/flyingrobots/claims-clearinghouse/internal/queue"
	"github.com/flyingrobots/claims-clearinghouse/internal/redisclient"
	"github.com/flyingrobots/claims-clearinghouse/internal/store"
	"github.com/flyingrobots/claims-clearinghouse/internal/sweeper"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var ingestPath string
	var ingestRate float64
	var adminCmd string
	var adminQueue string
	var adminWindow time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "pipeline", "Role to run: ingest|pipeline|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&ingestPath, "ingest-file", "", "NDJSON claim file to ingest (role=ingest)")
	fs.Float64Var(&ingestRate, "rate", 0, "Ingestion rate in claims/sec (role=ingest, overrides config)")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq|ar-aging|patient-cost-share")
	fs.StringVar(&adminQueue, "queue", "", "Queue alias for admin peek/purge-dlq: claims|remittance|<payer id>")
	fs.DurationVar(&adminWindow, "window", time.Hour, "Admin ar-aging lookback window")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("open postgres", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	db.SetConnMaxIdleTime(30 * time.Second)

	correlationsDB := store.NewPostgres(db)
	if err := correlationsDB.Migrate(context.Background()); err != nil {
		logger.Fatal("migrate correlation store", obs.Err(err))
	}
	billingDB := billing.NewPostgres(db)
	if err := billingDB.Migrate(context.Background()); err != nil {
		logger.Fatal("migrate billing aggregator", obs.Err(err))
	}

	breakerMetrics := func(s breaker.State) { obs.RecordBreakerState(int(s)) }
	correlations := store.NewBreakerStore(correlationsDB, breaker.New(
		cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples,
	).OnTransition(breakerMetrics))
	billingSink := billing.NewBreakerAggregator(billingDB, breaker.New(
		cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples,
	).OnTransition(breakerMetrics))

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	q := queue.NewRedis(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			if err != nil {
				return err
			}
			return db.PingContext(c)
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
		obs.StartQueueDepthUpdater(ctx, cfg, q, logger)
	}

	switch role {
	case "ingest":
		if ingestPath == "" {
			fmt.Fprintln(os.Stderr, "role=ingest requires -ingest-file")
			os.Exit(1)
		}
		rate := cfg.Ingestion.RatePerSecond
		if ingestRate > 0 {
			rate = ingestRate
		}
		src := ingest.New(q, cfg.Queue.Names.Claims, rate, logger)
		stats, err := src.Run(ctx, ingestPath)
		if err != nil {
			logger.Fatal("ingest run error", obs.Err(err))
		}
		logger.Info("ingest complete",
			obs.Int("accepted", stats.Accepted),
			obs.Int("skipped", stats.Skipped),
			obs.Int("malformed", stats.Malformed),
		)
	case "pipeline":
		runPipeline(ctx, cfg, q, correlations, billingSink, logger)
	case "admin":
		runAdmin(ctx, cfg, q, billingSink, adminCmd, adminQueue, adminWindow)
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", role)
		os.Exit(1)
	}
}

// runPipeline wires the clearinghouse router, one payer adjudication
// engine per configured payer, the remittance matcher, and the aged-out
// sweeper onto the shared queue substrate, then blocks on the substrate's
// Run loop.
func runPipeline(ctx context.Context, cfg *config.Config, q queue.Queue, correlations store.CorrelationStore, billingSink billing.Aggregator, logger *zap.Logger) {
	registry := make(map[claims.PayerID]struct{}, len(cfg.Payers))
	for _, pc := range cfg.Payers {
		registry[pc.PayerID] = struct{}{}
	}

	router := clearinghouse.New(registry, claims.PayerID(cfg.Ingestion.FallbackPayerID), correlations, q, cfg.Queue.Names.PayerPrefix, logger)
	if err := q.RegisterWorker(cfg.Queue.Names.Claims, cfg.Queue.ClaimsConcurrency, router.Handle); err != nil {
		logger.Fatal("register claims worker", obs.Err(err))
	}

	for id, pc := range cfg.Payers {
		eng := payer.New(pc.PayerID, pc, q, cfg.Queue.Names.Remittance, logger)
		queueName := cfg.Queue.Names.PayerPrefix + id
		if err := q.RegisterWorker(queueName, cfg.Queue.PayerConcurrency, eng.Handle); err != nil {
			logger.Fatal("register payer worker", obs.String("payer_id", id), obs.Err(err))
		}
	}

	m := matcher.New(correlations, billingSink, logger)
	if err := q.RegisterWorker(cfg.Queue.Names.Remittance, cfg.Queue.RemittanceConcurrency, m.Handle); err != nil {
		logger.Fatal("register remittance worker", obs.Err(err))
	}

	sw := sweeper.New(correlations, logger)
	c, err := sw.Start(ctx, cfg.Sweeper.Interval, cfg.Sweeper.AgedOutTTL)
	if err != nil {
		logger.Fatal("start sweeper", obs.Err(err))
	}
	defer c.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range q.Events() {
			switch ev.Type {
			case queue.EventFailed:
				obs.ErrorsTotal.Inc()
				logger.Warn("job failed terminally",
					obs.String("queue", ev.QueueName),
					obs.String("job_id", ev.JobID),
					obs.Int("attempts", ev.Attempts),
					obs.Err(ev.Err),
				)
			case queue.EventStalled:
				logger.Warn("job stalled",
					obs.String("queue", ev.QueueName),
					obs.String("job_id", ev.JobID),
				)
			}
		}
	}()

	if err := q.Run(ctx); err != nil {
		logger.Error("queue run error", obs.Err(err))
	}
	_ = q.Close()
	wg.Wait()
}

// runAdmin dispatches a single admin operation and prints its result as
// indented JSON.
func runAdmin(ctx context.Context, cfg *config.Config, q queue.Queue, billingSink billing.Aggregator, cmd, queueAlias string, window time.Duration) {
	var out any
	var err error

	switch cmd {
	case "stats":
		out, err = admin.Stats(ctx, cfg, q)
	case "peek":
		if queueAlias == "" {
			fmt.Fprintln(os.Stderr, "admin-cmd=peek requires -queue")
			os.Exit(1)
		}
		out, err = admin.Peek(ctx, cfg, q, queueAlias)
	case "purge-dlq":
		if queueAlias == "" {
			fmt.Fprintln(os.Stderr, "admin-cmd=purge-dlq requires -queue")
			os.Exit(1)
		}
		out, err = admin.PurgeDLQ(ctx, cfg, q, queueAlias)
	case "ar-aging":
		out, err = admin.ARAging(ctx, billingSink, window)
	case "patient-cost-share":
		out, err = admin.PatientCostShare(ctx, billingSink)
	default:
		fmt.Fprintf(os.Stderr, "unknown admin-cmd %q\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin command failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
