// Package observability exports traces over OTLP HTTP to a collector agent
// on localhost. The agent handles authentication and forwarding, so the
// application never carries backend credentials.
package observability

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/carelane/carebot/internal/log"
)

// Config for trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint, host:port.
	Endpoint string
	// Environment tags exported spans (dev, staging, prod).
	Environment string
	// ServiceName is the service name shown in the tracing backend.
	ServiceName string
}

// Setup installs a global TracerProvider that batches spans to the
// configured collector. The returned shutdown function flushes pending
// spans; call it before process exit.
//
// A failed exporter never blocks startup: tracing is disabled and a no-op
// shutdown is returned.
func Setup(ctx context.Context, cfg Config, logger log.Logger) func(context.Context) error {
	// The default SDK resource picks these up, so service name and
	// environment appear on every span without a hand-built resource.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	logger.Info("trace export enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)
	return tp.Shutdown
}
