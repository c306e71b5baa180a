package telemetry

import (
    "context"
    "fmt"
    "io"
    "net/url"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    "go.opentelemetry.io/otel/propagation"
    "go.opentelemetry.io/otel/sdk/resource"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options selects the span exporter. With no OTLP endpoint spans go to Writer
// (stdout when nil).
type Options struct {
    Enabled      bool
    OTLPEndpoint string
    Writer       io.Writer
}

// InitTracer installs the global tracer provider and returns its shutdown func.
// When tracing is disabled the global no-op provider is left in place.
func InitTracer(ctx context.Context, serviceName string, opts Options) (func(context.Context) error, error) {
    noop := func(context.Context) error { return nil }
    if !opts.Enabled {
        return noop, nil
    }

    exporter, err := newExporter(ctx, opts)
    if err != nil {
        return noop, fmt.Errorf("telemetry exporter init failed: %w", err)
    }

    provider := sdktrace.NewTracerProvider(
        sdktrace.WithBatcher(exporter),
        sdktrace.WithResource(resource.NewWithAttributes(
            semconv.SchemaURL,
            semconv.ServiceName(serviceName),
        )),
    )

    otel.SetTracerProvider(provider)
    otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
        propagation.TraceContext{},
        propagation.Baggage{},
    ))

    return provider.Shutdown, nil
}

func newExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
    if opts.OTLPEndpoint == "" {
        stdoutOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
        if opts.Writer != nil {
            stdoutOpts = append(stdoutOpts, stdouttrace.WithWriter(opts.Writer))
        }
        return stdouttrace.New(stdoutOpts...)
    }
    return otlptracehttp.New(ctx, otlpOptions(opts.OTLPEndpoint)...)
}

// otlpOptions accepts either host:port or a full URL with optional path.
func otlpOptions(endpoint string) []otlptracehttp.Option {
    parsed, err := url.Parse(endpoint)
    if err != nil || parsed.Scheme == "" || parsed.Host == "" {
        return []otlptracehttp.Option{
            otlptracehttp.WithEndpoint(endpoint),
            otlptracehttp.WithInsecure(),
        }
    }

    opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(parsed.Host)}
    if parsed.Path != "" && parsed.Path != "/" {
        opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
    }
    if parsed.Scheme == "http" {
        opts = append(opts, otlptracehttp.WithInsecure())
    }
    return opts
}
