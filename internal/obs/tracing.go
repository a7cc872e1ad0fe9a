// Copyright 2025 James Ross
package obs

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/flyingrobots/claims-clearinghouse/internal/config"
)

// MaybeInitTracing installs a global OTLP tracer provider when tracing is
// enabled and an endpoint is configured; otherwise it is a no-op returning
// (nil, nil). Stage spans are linked across the ingest -> route -> adjudicate
// -> match hops by the trace context each message envelope carries.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	tc := cfg.Observability.Tracing
	if !tc.Enabled || tc.Endpoint == "" {
		return nil, nil
	}

	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracehttp.WithHeaders(tc.Headers))
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(clientOpts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.Observability.ServiceName),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", tc.Environment),
	)

	var sampler sdktrace.Sampler
	switch tc.SamplingStrategy {
	case "always":
		sampler = sdktrace.AlwaysSample()
	case "never":
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(tc.SamplingRate)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if tc.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(tc.BatchTimeout))
	}
	if tc.MaxExportBatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(tc.MaxExportBatchSize))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// StartStageSpan opens a span for one pipeline stage's handling of a claim.
// carrier is the trace context from the inbound message envelope (may be nil
// for the first stage); the returned context parents any downstream spans and
// should be re-injected into the outbound envelope with InjectTraceContext.
func StartStageSpan(ctx context.Context, stage, correlationID string, carrier map[string]string) (context.Context, trace.Span) {
	if carrier != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	return otel.Tracer("pipeline").Start(ctx, stage,
		trace.WithAttributes(attribute.String("correlation_id", correlationID)),
	)
}

// InjectTraceContext snapshots ctx's trace context for an outbound envelope.
// Returns nil when there is nothing to propagate.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// EndStageSpan records err (if any) on span and ends it.
func EndStageSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
