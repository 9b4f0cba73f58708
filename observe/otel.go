// Package observe provides OpenTelemetry instrumentation for marshalled
// foreign calls. It implements marshal.Hook, adding one span per call and
// counters for the buffers and callbacks each call used.
//
// Usage:
//
//	b := marshal.New(lib, marshal.WithHook(observe.NewHook(observe.DefaultConfig())))
package observe

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wippyai/ffi-marshal/errors"
	"github.com/wippyai/ffi-marshal/marshal"
)

const instrumentationName = "github.com/wippyai/ffi-marshal"

// Config configures the hook.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation.
	EnableTracing bool
	// EnableMetrics enables counters and the duration histogram.
	EnableMetrics bool
	// RecordErrors calls RecordError on the span of a failed call.
	RecordErrors bool
	// Attributes are added to every span.
	Attributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and error recording on the global
// providers.
func DefaultConfig() Config {
	return Config{
		EnableTracing: true,
		EnableMetrics: true,
		RecordErrors:  true,
	}
}

// Hook is a marshal.Hook reporting to OpenTelemetry.
type Hook struct {
	cfg       Config
	tracer    trace.Tracer
	calls     metric.Int64Counter
	buffers   metric.Int64Counter
	bytes     metric.Int64Counter
	callbacks metric.Int64Counter
	duration  metric.Float64Histogram
}

var _ marshal.Hook = (*Hook)(nil)

// NewHook creates a hook. Instruments that fail to register are skipped.
func NewHook(cfg Config) *Hook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}

	h := &Hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.calls, _ = meter.Int64Counter("ffi.calls",
			metric.WithUnit("{call}"),
			metric.WithDescription("Number of foreign calls"),
		)
		h.buffers, _ = meter.Int64Counter("ffi.buffers.acquired",
			metric.WithUnit("{buffer}"),
			metric.WithDescription("Argument buffers allocated in foreign memory"),
		)
		h.bytes, _ = meter.Int64Counter("ffi.buffers.bytes",
			metric.WithUnit("By"),
			metric.WithDescription("Bytes allocated for argument buffers"),
		)
		h.callbacks, _ = meter.Int64Counter("ffi.callbacks",
			metric.WithUnit("{invocation}"),
			metric.WithDescription("Host callbacks invoked by foreign code"),
		)
		h.duration, _ = meter.Float64Histogram("ffi.call.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of foreign calls"),
		)
	}
	return h
}

type spanToken struct {
	span  trace.Span
	start time.Time
}

// OnCallStart starts a client span named after the library and symbol.
func (h *Hook) OnCallStart(ctx context.Context, info marshal.CallInfo) (context.Context, marshal.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{start: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("ffi.library", info.Library),
		attribute.String("ffi.symbol", info.Symbol),
		attribute.Bool("ffi.async", info.Async),
	}
	attrs = append(attrs, h.cfg.Attributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("ffi/%s.%s", info.Library, info.Symbol),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, start: time.Now()}
}

// OnCallEnd records counters and ends the span.
func (h *Hook) OnCallEnd(ctx context.Context, token marshal.HookToken, info marshal.CallInfo, stats *marshal.CallStats, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}

	if h.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("ffi.library", info.Library),
			attribute.String("ffi.symbol", info.Symbol),
			attribute.String("status", status),
		)
		if h.calls != nil {
			h.calls.Add(ctx, 1, attrs)
		}
		if h.duration != nil {
			h.duration.Record(ctx, time.Since(st.start).Seconds(), attrs)
		}
		if stats != nil {
			if h.buffers != nil && stats.BuffersAcquired > 0 {
				h.buffers.Add(ctx, int64(stats.BuffersAcquired), attrs)
			}
			if h.bytes != nil && stats.BytesAcquired > 0 {
				h.bytes.Add(ctx, stats.BytesAcquired, attrs)
			}
			if h.callbacks != nil && stats.CallbacksInvoked > 0 {
				h.callbacks.Add(ctx, int64(stats.CallbacksInvoked), attrs)
			}
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		states := make([]string, len(stats.States))
		for i, s := range stats.States {
			states[i] = s.String()
		}
		st.span.SetAttributes(
			attribute.Int("ffi.buffers_acquired", stats.BuffersAcquired),
			attribute.Int("ffi.buffers_released", stats.BuffersReleased),
			attribute.Int64("ffi.bytes_acquired", stats.BytesAcquired),
			attribute.Int("ffi.callbacks_invoked", stats.CallbacksInvoked),
			attribute.String("ffi.states", strings.Join(states, ">")),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordErrors {
			st.span.RecordError(err)
		}
		errKind := fmt.Sprintf("%T", err)
		var e *errors.Error
		if stderrors.As(err, &e) {
			errKind = string(e.Kind)
		}
		st.span.SetAttributes(attribute.String("ffi.error_kind", errKind))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
