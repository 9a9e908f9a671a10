// Package traces provides OpenTelemetry tracing for the detection path.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/mulewatch"

// Config selects the exporter and sampling.
type Config struct {
	Endpoint       string  // OTLP gRPC endpoint, empty disables tracing
	ServiceVersion string
	SampleRatio    float64 // fraction of root spans kept, 0..1
}

// Init installs the global tracer provider. With no endpoint the global
// no-op provider stays in place. The returned function flushes and stops
// the exporter.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("mulewatch"),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler keeps ratio of root spans and follows the parent decision
// otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail records err on span and marks it failed.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attributes.

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("tx.id", id)
}

func Sender(account string) attribute.KeyValue {
	return attribute.String("tx.sender", account)
}

func Receiver(account string) attribute.KeyValue {
	return attribute.String("tx.receiver", account)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("tx.amount", amount)
}

func Account(id string) attribute.KeyValue {
	return attribute.String("account.id", id)
}

func Score(score int) attribute.KeyValue {
	return attribute.Int("risk.score", score)
}

func Transition(t string) attribute.KeyValue {
	return attribute.String("risk.transition", t)
}

func Accounts(n int) attribute.KeyValue {
	return attribute.Int("detector.accounts", n)
}
