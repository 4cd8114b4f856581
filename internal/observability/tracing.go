package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "mediagate"

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracing installs the global tracer provider. exporter is one of
// "none", "stdout" or "otlphttp". The returned function flushes and stops the
// provider.
func InitTracing(service, exporter, endpoint string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		exporter = strings.ToLower(strings.TrimSpace(exporter))
		if exporter == "" || exporter == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := buildExporter(context.Background(), exporter, endpoint)
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceNameKey.String(service)),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to build resource: %w", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, exporter, endpoint string) (sdktrace.SpanExporter, error) {
	switch exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlphttp", "otlp", "http":
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", exporter)
	}
}
