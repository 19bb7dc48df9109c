package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "opdsrag"

type TracingConfig struct {
	Enabled     bool
	Exporter    string // stdout or otlp
	ServiceName string
	SampleRatio float64
}

// InitTracing installs the global tracer provider. When tracing is disabled
// the global no-op provider stays in place and the returned shutdown is a no-op.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = TracerName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		slog.Warn("otel resource init failed, continuing", "error", err)
	}

	exporter, err := buildExporter(ctx, cfg.Exporter)
	if err != nil {
		return noop, fmt.Errorf("trace exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	slog.Info("otel tracing initialized", "service", name, "exporter", cfg.Exporter)
	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, kind string) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "otlp":
		// Endpoint, headers and TLS come from the standard OTEL_EXPORTER_OTLP_* variables.
		return otlptracehttp.New(ctx)
	case "", "stdout":
		return stdouttrace.New()
	default:
		return nil, fmt.Errorf("unknown exporter %q", kind)
	}
}

// Tracer returns the package tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
