package conformance

import (
	"context"
	"strings"
	"testing"

	"github.com/wippyai/ffi-marshal/fixture"
	"github.com/wippyai/ffi-marshal/marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
	"github.com/wippyai/ffi-marshal/native/wasm"
)

func assertReport(t *testing.T, r Report) {
	t.Helper()
	for _, res := range r.Results {
		if !res.Passed {
			t.Errorf("%s: %s", res.Name, res.Error)
		}
	}
	if !r.OK() {
		t.Fatalf("report not OK: %d passed, %d failed", r.Passed, r.Failed)
	}
	if r.Passed != len(Scenarios()) {
		t.Fatalf("ran %d scenarios, want %d", r.Passed, len(Scenarios()))
	}
}

func TestRun_Sim(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []marshal.ReleasePolicy{marshal.ReleaseIdempotent, marshal.ReleaseStrict} {
		t.Run(policy.String(), func(t *testing.T) {
			lib := fixture.NewSim(sim.Config{})
			defer lib.Close(ctx)

			assertReport(t, Run(ctx, lib, Options{Policy: policy}))

			if st := lib.Heap().Stats(); st.Live != 0 || st.BadFrees != 0 {
				t.Errorf("heap after run: %+v", st)
			}
		})
	}
}

func TestRun_Wasm(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []marshal.ReleasePolicy{marshal.ReleaseIdempotent, marshal.ReleaseStrict} {
		t.Run(policy.String(), func(t *testing.T) {
			lib, err := fixture.NewWazero(ctx, wasm.Config{})
			if err != nil {
				t.Fatalf("NewWazero failed: %v", err)
			}
			defer lib.Close(ctx)

			assertReport(t, Run(ctx, lib, Options{Policy: policy}))
		})
	}
}

func TestRun_Only(t *testing.T) {
	ctx := context.Background()
	lib := fixture.NewSim(sim.Config{})
	defer lib.Close(ctx)

	var seen []string
	r := Run(ctx, lib, Options{
		Only:     []string{"max", "foo"},
		OnResult: func(res Result) { seen = append(seen, res.Name) },
	})
	if r.Passed != 2 || r.Failed != 0 {
		t.Fatalf("Run = %+v", r)
	}
	if strings.Join(seen, ",") != "max,foo" {
		t.Errorf("OnResult order = %v", seen)
	}
}

func TestRun_DetectsLeak(t *testing.T) {
	ctx := context.Background()
	lib := fixture.NewSim(sim.Config{})
	defer lib.Close(ctx)

	// A free_char_p that forgets to free.
	lib.Register("free_char_p", func(context.Context, *sim.Library, []uint64) ([]uint64, error) {
		return nil, nil
	})

	r := Run(ctx, lib, Options{Only: []string{"concat"}})
	if r.OK() {
		t.Fatal("expected the leak to fail the run")
	}
	if f := r.Failures(); len(f) != 1 || !strings.Contains(f[0].Error, "live allocations") {
		t.Fatalf("failures = %+v", f)
	}
}

func TestRun_DetectsWrongValue(t *testing.T) {
	ctx := context.Background()
	lib := fixture.NewSim(sim.Config{})
	defer lib.Close(ctx)

	lib.Register("call_with_42", func(context.Context, *sim.Library, []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	})

	r := Run(ctx, lib, Options{Only: []string{"call_with_42"}})
	if r.OK() || r.Failed != 1 {
		t.Fatalf("Run = %+v", r)
	}
}

func TestReport_EmptyIsNotOK(t *testing.T) {
	ctx := context.Background()
	lib := fixture.NewSim(sim.Config{})
	defer lib.Close(ctx)

	r := Run(ctx, lib, Options{Only: []string{"no_such_scenario"}})
	if r.OK() {
		t.Fatal("a run with no scenarios must not be OK")
	}
}
