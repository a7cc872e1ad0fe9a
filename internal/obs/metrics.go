// Copyright 2025 James Ross
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline metrics surface: queue depths per queue/state, pipeline
// counters, per-payer counters, and circuit breaker state.
var (
	ClaimsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claims_ingested_total",
		Help: "Total number of claims read and enqueued by the ingestion source",
	})
	ClaimsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "claims_processed_total",
		Help: "Total number of claims that reached a final billing record",
	})
	RemittancesGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remittances_generated_total",
		Help: "Total number of remittance advices produced by the payer adjudication engine",
	})
	ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Total number of pipeline-stage errors across all queues",
	})
	PayerClaimsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payer_claims_processed_total",
		Help: "Claims processed, broken out per payer",
	}, []string{"payer_id"})
	PayerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payer_errors_total",
		Help: "Errors encountered while adjudicating claims, broken out per payer",
	}, []string{"payer_id"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current depth of a named queue, broken out by state",
	}, []string{"queue", "state"})
	AgedOutSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aged_out_swept_total",
		Help: "Total number of in-flight correlations swept for exceeding the aged-out TTL",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since this process started",
	}, func() float64 { return time.Since(startTime).Seconds() })
)

func init() {
	prometheus.MustRegister(
		ClaimsIngested,
		ClaimsProcessed,
		RemittancesGenerated,
		ErrorsTotal,
		PayerClaimsProcessed,
		PayerErrors,
		QueueDepth,
		AgedOutSwept,
		CircuitBreakerState,
		CircuitBreakerTrips,
		UptimeSeconds,
	)
}

// RecordBreakerState publishes a circuit breaker state change. state follows
// the breaker package's ordering: 0 Closed, 1 HalfOpen, 2 Open.
func RecordBreakerState(state int) {
	CircuitBreakerState.Set(float64(state))
	if state == 2 {
		CircuitBreakerTrips.Inc()
	}
}
