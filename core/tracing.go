package core

import (
	"context"
	"fmt"

	"github.com/alwitt/chatstream/common"
	"github.com/apex/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingProvider owns the OpenTelemetry tracer provider for the process
type TracingProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// GetTracingProvider define the tracer provider. A disabled config yields a no-op tracer.
func GetTracingProvider(ctxt context.Context, config common.TracingConfig) (*TracingProvider, error) {
	logTags := log.Fields{"module": "core", "component": "tracing"}
	if !config.Enabled {
		return &TracingProvider{
			tracer: noop.NewTracerProvider().Tracer(config.ServiceName), enabled: false,
		}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch config.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "otlp":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exporter, err = otlptracegrpc.New(
			ctxt, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	case "none", "":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", config.Exporter)
	}

	sampleRate := config.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", config.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	log.WithFields(logTags).Infof("Tracing enabled with exporter '%s'", config.Exporter)
	return &TracingProvider{
		provider: provider, tracer: provider.Tracer(config.ServiceName), enabled: true,
	}, nil
}

// Tracer the tracer for creating spans. Safe to use when tracing is disabled.
func (p *TracingProvider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled whether spans are recorded
func (p *TracingProvider) Enabled() bool {
	return p.enabled
}

// Shutdown flush pending spans
func (p *TracingProvider) Shutdown(ctxt context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctxt)
	}
	return nil
}
