package observe

import (
	"context"
	stderrors "errors"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Providers holds SDK providers writing to a stream. Shutdown flushes
// pending spans and a final metrics collection.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// StdoutProviders builds providers that pretty-print spans and metrics to w.
// A disabled signal leaves its provider nil.
func StdoutProviders(w io.Writer, tracing, metrics bool) (*Providers, error) {
	p := &Providers{}
	if tracing {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		p.Tracer = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	}
	if metrics {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		p.Meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	return p, nil
}

// Config returns a hook config using whichever providers are set.
func (p *Providers) Config() Config {
	cfg := DefaultConfig()
	cfg.EnableTracing = p.Tracer != nil
	cfg.EnableMetrics = p.Meter != nil
	if p.Tracer != nil {
		cfg.TracerProvider = p.Tracer
	}
	if p.Meter != nil {
		cfg.MeterProvider = p.Meter
	}
	return cfg
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	return stderrors.Join(errs...)
}
