// Package opentelemetry provides OpenTelemetry instrumentation, in the form of
// metrics and traces, for the Event Store client and the Event Bus handlers.
package opentelemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/commonground/eventline/opentelemetry"

type config struct {
	MeterProvider      metric.MeterProvider
	TracerProvider     trace.TracerProvider
	PropagateTraceInfo bool
}

func (c config) meter() metric.Meter {
	return c.MeterProvider.Meter(instrumentationName)
}

func (c config) tracer() trace.Tracer {
	return c.TracerProvider.Tracer(instrumentationName)
}

// Option specifies instrumentation configuration options.
type Option interface {
	apply(*config)
}

type meterProviderOption struct{ metric.MeterProvider }

func (o meterProviderOption) apply(c *config) {
	c.MeterProvider = o.MeterProvider
}

// WithMeterProvider specifies the metric.MeterProvider instance to use for the instrumentation.
// By default, the global metric.MeterProvider is used.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return meterProviderOption{provider}
}

type tracerProviderOption struct{ trace.TracerProvider }

func (o tracerProviderOption) apply(c *config) {
	c.TracerProvider = o.TracerProvider
}

// WithTracerProvider specifies the trace.TracerProvider instance to use for the instrumentation.
// By default, the global trace.TracerProvider is used.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return tracerProviderOption{provider}
}

type propagateTraceInfoOption bool

func (o propagateTraceInfoOption) apply(c *config) {
	c.PropagateTraceInfo = bool(o)
}

// WithTraceInfoPropagation controls whether the trace and span ids of the
// append span are stored in the metadata of the appended Records.
// Enabled by default.
func WithTraceInfoPropagation(enabled bool) Option {
	return propagateTraceInfoOption(enabled)
}

// newConfig computes a config from the supplied Options.
func newConfig(opts ...Option) config {
	c := config{
		MeterProvider:      otel.GetMeterProvider(),
		TracerProvider:     otel.GetTracerProvider(),
		PropagateTraceInfo: true,
	}

	for _, opt := range opts {
		opt.apply(&c)
	}

	return c
}
