// Package tracer wires OpenTelemetry tracing for the server. Disabled
// configurations install a noop provider so instrumented code paths cost
// nothing.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/re-minder/PRSummarizer.ai/internal/infra/config"
)

const tracerName = "prsummarizer-server"

func installNoop() func(context.Context) error {
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func(context.Context) error { return nil }
}

// Setup installs the global TracerProvider and returns its shutdown
// function.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return installNoop(), nil
	}

	switch cfg.Exporter {
	case "noop", "":
		return installNoop(), nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// StartSpan starts a named span on the server tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on the span and marks the span failed. Nil is
// ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SessionAttr is the canonical session id span attribute.
func SessionAttr(sessionID string) attribute.KeyValue {
	return attribute.String("session.id", sessionID)
}
