package observe

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wippyai/ffi-marshal/fixture"
	"github.com/wippyai/ffi-marshal/marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
)

func newInstrumented(t *testing.T) (*marshal.Boundary, *tracetest.InMemoryExporter, *sdkmetric.ManualReader) {
	t.Helper()

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Attributes = []attribute.KeyValue{attribute.String("test", "observe")}

	lib := fixture.NewSim(sim.Config{})
	b := marshal.New(lib, marshal.WithHook(NewHook(cfg)))
	t.Cleanup(func() {
		_ = b.Close()
		_ = lib.Close(context.Background())
	})
	return b, spans, reader
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestHook_SpanPerCall(t *testing.T) {
	b, spans, _ := newInstrumented(t)
	ctx := context.Background()

	res, err := b.Invoke(ctx, fixture.Concat, marshal.String("Hello, "), marshal.String("World!"))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if _, err := b.DecodeCString(ctx, res.U32(0), marshal.Callee, b.Symbol("free_char_p")); err != nil {
		t.Fatalf("DecodeCString failed: %v", err)
	}

	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(got))
	}
	span := got[0]
	if span.Name != "ffi/fixture.concat" {
		t.Errorf("span name = %q", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
	if v, ok := attr(span.Attributes, "ffi.buffers_acquired"); !ok || v.AsInt64() != 2 {
		t.Errorf("ffi.buffers_acquired = %v", v.Emit())
	}
	if v, ok := attr(span.Attributes, "ffi.states"); !ok || !strings.HasSuffix(v.AsString(), "terminal") {
		t.Errorf("ffi.states = %q", v.AsString())
	}
	if v, ok := attr(span.Attributes, "test"); !ok || v.AsString() != "observe" {
		t.Errorf("custom attribute missing")
	}
}

func TestHook_ErrorSpan(t *testing.T) {
	b, spans, reader := newInstrumented(t)

	_, err := b.Invoke(context.Background(), marshal.Sig("no_such_symbol"))
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}

	got := spans.GetSpans()
	if len(got) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(got))
	}
	if got[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", got[0].Status.Code)
	}
	if v, _ := attr(got[0].Attributes, "ffi.error_kind"); v.AsString() != "not_found" {
		t.Errorf("ffi.error_kind = %q", v.AsString())
	}
	if len(got[0].Events) == 0 {
		t.Error("error was not recorded as an event")
	}
	if n := counterTotal(t, reader, "ffi.calls"); n != 1 {
		t.Errorf("ffi.calls = %d, want 1", n)
	}
}

func TestHook_Counters(t *testing.T) {
	b, _, reader := newInstrumented(t)
	ctx := context.Background()

	cb := marshal.Callback(func(context.Context, uint32) (uint32, error) { return 27, nil })
	for range 3 {
		if _, err := b.Invoke(ctx, fixture.CallWith42, cb); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	if err := b.WithInt32s(ctx, []int32{1, 2, 3}, func(ref marshal.SliceRef) error {
		_, err := b.Invoke(ctx, fixture.Max, ref)
		return err
	}); err != nil {
		t.Fatalf("WithInt32s failed: %v", err)
	}
	if _, err := b.Invoke(ctx, fixture.Max, marshal.Int32s([]int32{4, 5})); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if n := counterTotal(t, reader, "ffi.calls"); n != 5 {
		t.Errorf("ffi.calls = %d, want 5", n)
	}
	if n := counterTotal(t, reader, "ffi.callbacks"); n != 3 {
		t.Errorf("ffi.callbacks = %d, want 3", n)
	}
	if n := counterTotal(t, reader, "ffi.buffers.acquired"); n != 1 {
		t.Errorf("ffi.buffers.acquired = %d, want 1", n)
	}
	if n := counterTotal(t, reader, "ffi.buffers.bytes"); n != 8 {
		t.Errorf("ffi.buffers.bytes = %d, want 8", n)
	}
}

func TestHook_Async(t *testing.T) {
	b, spans, _ := newInstrumented(t)
	ctx := context.Background()

	p, err := b.InvokeAsync(ctx, fixture.LongRunning)
	if err != nil {
		t.Fatalf("InvokeAsync failed: %v", err)
	}
	if _, err := p.Await(ctx); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	// The span ends on a goroutine after the pending settles.
	deadline := time.Now().Add(2 * time.Second)
	for len(spans.GetSpans()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("async span never ended")
		}
		time.Sleep(time.Millisecond)
	}

	span := spans.GetSpans()[0]
	if v, _ := attr(span.Attributes, "ffi.async"); !v.AsBool() {
		t.Error("async span missing ffi.async=true")
	}
}

func TestStdoutProviders(t *testing.T) {
	var buf bytes.Buffer
	p, err := StdoutProviders(&buf, true, true)
	if err != nil {
		t.Fatalf("StdoutProviders failed: %v", err)
	}

	lib := fixture.NewSim(sim.Config{})
	defer lib.Close(context.Background())
	b := marshal.New(lib, marshal.WithHook(NewHook(p.Config())))
	defer b.Close()

	if _, err := b.Invoke(context.Background(), fixture.LiveAllocations); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"ffi/fixture.live_allocations", "ffi.calls"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestProviders_Disabled(t *testing.T) {
	p, err := StdoutProviders(&bytes.Buffer{}, false, false)
	if err != nil {
		t.Fatalf("StdoutProviders failed: %v", err)
	}
	cfg := p.Config()
	if cfg.EnableTracing || cfg.EnableMetrics {
		t.Errorf("Config = %+v, want both signals off", cfg)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
