// Package telemetry installs the OpenTelemetry tracer provider used by the
// sync coordinator's drain and replay spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/colthorp/attendsync-go/internal/core"
)

// ErrNoWriter is returned when tracing is enabled without a destination.
var ErrNoWriter = errors.New("telemetry: trace writer is required")

// Config controls tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Writer receives spans as JSON, one export batch at a time.
	Writer io.Writer
	// Pretty indents exported spans.
	Pretty bool
}

// DefaultConfig writes pretty spans to w.
func DefaultConfig(w io.Writer) Config {
	return Config{
		ServiceName:    "attendsync",
		ServiceVersion: core.Version,
		Writer:         w,
		Pretty:         true,
	}
}

// Init sets the global tracer provider. The returned shutdown flushes
// pending spans and must be called on exit.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Writer == nil {
		return nil, ErrNoWriter
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(cfg.Writer)}
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	}, nil
}
