package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer with run and stage spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(serviceName),
			config: cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		// traces are generated but not exported
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.SamplingRate),
		)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("cloudsaga")),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartRunSpan starts the root span of a run or teardown.
func (t *Tracer) StartRunSpan(ctx context.Context, mode, serviceBaseName, provider string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run."+mode, trace.WithAttributes(
		AttrRunMode.String(mode),
		AttrServiceBaseName.String(serviceBaseName),
		AttrProviderName.String(provider),
	))
}

// StartStageSpan starts a span for one stage.
func (t *Tracer) StartStageSpan(ctx context.Context, runID string, stage engine.Stage) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stage."+stage.Name, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrStage.String(stage.Name),
		AttrKind.String(string(stage.Kind)),
	))
}

// StartProviderSpan starts a span for a provider operation.
func (t *Tracer) StartProviderSpan(ctx context.Context, providerName, operation string, kind engine.Kind) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "provider."+operation, trace.WithAttributes(
		AttrProviderName.String(providerName),
		AttrProviderOp.String(operation),
		AttrKind.String(string(kind)),
	))
}

// RecordError records an error on the span with its engine classification.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if code := engine.ErrorCode(err); code != "" {
		span.SetAttributes(AttrErrorCode.String(code))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys used on cloudsaga spans.
var (
	AttrRunID           = attribute.Key("run.id")
	AttrRunMode         = attribute.Key("run.mode")
	AttrRunStatus       = attribute.Key("run.status")
	AttrServiceBaseName = attribute.Key("deployment.service_base_name")

	AttrStage      = attribute.Key("stage.name")
	AttrKind       = attribute.Key("resource.kind")
	AttrResourceID = attribute.Key("resource.id")
	AttrOutcome    = attribute.Key("stage.outcome")

	AttrProviderName = attribute.Key("provider.name")
	AttrProviderOp   = attribute.Key("provider.operation")

	AttrErrorCode = attribute.Key("error.code")
)
