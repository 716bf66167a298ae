package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "agentsandbox".
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root spans kept. Nil keeps all of them.
	// Spans with a remote parent follow the parent's decision.
	SampleRatio *float64

	// Registerer receives the Prometheus collector. Nil means
	// [prometheus.DefaultRegisterer], which is what /metrics serves.
	Registerer prometheus.Registerer

	// TraceExporter is batched when set; otherwise spans are only recorded
	// for correlation IDs.
	TraceExporter sdktrace.SpanExporter

	// Readers are extra metric readers, e.g. a ManualReader in tests.
	Readers []sdkmetric.Reader
}

// Providers are the SDK providers built by [NewProviders].
type Providers struct {
	Meter  *sdkmetric.MeterProvider
	Tracer *sdktrace.TracerProvider
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.Meter.Shutdown(ctx), p.Tracer.Shutdown(ctx))
}

// NewProviders builds a meter provider bridged to Prometheus and a tracer
// provider without touching the otel globals.
func NewProviders(cfg ProviderConfig) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentsandbox"
	}
	// Schemaless so the merge never conflicts with the schema URL of the
	// SDK's default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}
	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	for _, r := range cfg.Readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio != nil {
		sampler = sdktrace.TraceIDRatioBased(*cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	return &Providers{
		Meter:  sdkmetric.NewMeterProvider(mpOpts...),
		Tracer: sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// InitProvider builds the providers with [NewProviders] and installs them as
// the otel globals together with the W3C trace-context propagator. The
// returned function shuts both providers down; defer it from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	p, err := NewProviders(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.Meter)
	otel.SetTracerProvider(p.Tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return p.Shutdown, nil
}
