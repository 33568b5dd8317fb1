// Package telemetry sets up OpenTelemetry tracing and provides span helpers
// for chunk ingestion, timeline event execution, and seeks; the engine's
// ingest, execution and seek paths do not call those helpers. It mirrors the
// neurobridge backend's observability package: OTLP-over-HTTP when an
// endpoint is configured, stdout otherwise, and a no-op provider when
// telemetry is disabled entirely.
package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/lessonstream/engine/internal/platform/config"
	"github.com/lessonstream/engine/internal/platform/envutil"
	"github.com/lessonstream/engine/internal/platform/logger"
)

const tracerName = "github.com/lessonstream/engine"

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// Init sets the global tracer provider per cfg, returning a shutdown func
// the caller must invoke on exit. Safe to call multiple times; only the
// first call takes effect.
func Init(ctx context.Context, log *logger.Logger, cfg config.TelemetryConfig) func(context.Context) error {
	initOnce.Do(func() {
		if !cfg.Enabled {
			shutdown = func(context.Context) error { return nil }
			return
		}
		serviceName := strings.TrimSpace(cfg.ServiceName)
		if serviceName == "" {
			serviceName = "lessonstream-engine"
		}
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(serviceName),
				attribute.String("service.component", "playback-engine"),
			),
		)
		if err != nil {
			log.Warn("telemetry: resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log, cfg)
		if expErr != nil {
			log.Warn("telemetry: exporter init failed (continuing)", "error", expErr)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
			sdktrace.WithResource(res),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		shutdown = tp.Shutdown
		log.Info("telemetry: tracing initialized", "service", serviceName, "exporter", cfg.Exporter)
	})
	return shutdown
}

func buildExporter(ctx context.Context, log *logger.Logger, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	endpoint := envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if cfg.Exporter == "otlphttp" || endpoint != "" {
		var opts []otlptracehttp.Option
		if envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false) {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	log.Info("telemetry: using stdout exporter (no OTLP endpoint configured)")
	return exp, nil
}

func sampleRatio() float64 {
	f := envutil.Float64("OTEL_SAMPLER_RATIO", 1.0)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Tracer returns the engine's named tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartChunkIngest starts a span around a single chunk's coordinator ingest.
func StartChunkIngest(ctx context.Context, chunkID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chunk.ingest", trace.WithAttributes(attribute.String("chunk.id", chunkID)))
}

// StartEventExecution starts a span around one scheduled event's dispatch.
func StartEventExecution(ctx context.Context, eventID, eventType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "event.execute",
		trace.WithAttributes(
			attribute.String("event.id", eventID),
			attribute.String("event.type", eventType),
		))
}

// StartSeek starts a span around a playback seek.
func StartSeek(ctx context.Context, targetPosition int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "playback.seek", trace.WithAttributes(attribute.Int64("seek.position_ms", targetPosition)))
}
