// Package conformance runs the marshalling scenarios against a library that
// provides the fixture symbol set.
package conformance

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/fixture"
	"github.com/wippyai/ffi-marshal/marshal"
)

// DefaultAsyncTimeout bounds how long the async scenario waits for
// long_running to settle.
const DefaultAsyncTimeout = 5 * time.Second

// Options configures a run.
type Options struct {
	// Hook observes every call the scenarios make.
	Hook marshal.Hook

	// Only restricts the run to the named scenarios. Empty runs all.
	Only []string

	// AsyncTimeout defaults to DefaultAsyncTimeout.
	AsyncTimeout time.Duration

	// Policy is the release policy of pointers the scenarios wrap.
	Policy marshal.ReleasePolicy

	// OnResult is called after each scenario, in order.
	OnResult func(Result)
}

// Scenario is one named check.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) error
}

// Result is the outcome of one scenario.
type Result struct {
	Name     string        `json:"name" yaml:"name"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
	Passed   bool          `json:"passed" yaml:"passed"`
}

// Report summarizes a run.
type Report struct {
	Library  string        `json:"library" yaml:"library"`
	Results  []Result      `json:"results" yaml:"results"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
	Passed   int           `json:"passed" yaml:"passed"`
	Failed   int           `json:"failed" yaml:"failed"`
}

// OK reports whether every scenario that ran passed.
func (r Report) OK() bool { return r.Failed == 0 && r.Passed > 0 }

// Failures returns the failed results.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Spy is implemented by libraries that count calls per symbol.
type Spy interface {
	Calls(symbol string) int
}

// Env is what a scenario runs against.
type Env struct {
	B    *marshal.Boundary
	Lib  ffimarshal.Library
	opts Options
}

// Live returns the fixture's live allocation count.
func (e *Env) Live(ctx context.Context) (uint32, error) {
	res, err := e.B.Invoke(ctx, fixture.LiveAllocations)
	if err != nil {
		return 0, err
	}
	return res.U32(0), nil
}

// Calls returns how often symbol was called, or -1 if the library does not
// count calls.
func (e *Env) Calls(symbol string) int {
	if s, ok := e.Lib.(Spy); ok {
		return s.Calls(symbol)
	}
	return -1
}

// Run executes the selected scenarios in order. Each scenario gets a fresh
// Boundary; a scenario that panics fails without stopping the run.
func Run(ctx context.Context, lib ffimarshal.Library, opts Options) Report {
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = DefaultAsyncTimeout
	}

	report := Report{Library: lib.Name()}
	start := time.Now()
	for _, sc := range Scenarios() {
		if len(opts.Only) > 0 && !slices.Contains(opts.Only, sc.Name) {
			continue
		}
		res := runOne(ctx, lib, opts, sc)
		if res.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, res)
		if opts.OnResult != nil {
			opts.OnResult(res)
		}
	}
	report.Duration = time.Since(start)

	Logger().Info("conformance run finished",
		zap.String("library", report.Library),
		zap.Int("passed", report.Passed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report
}

func runOne(ctx context.Context, lib ffimarshal.Library, opts Options, sc Scenario) (res Result) {
	res.Name = sc.Name
	start := time.Now()

	var bopts []marshal.Option
	if opts.Hook != nil {
		bopts = append(bopts, marshal.WithHook(opts.Hook))
	}
	bopts = append(bopts, marshal.WithReleasePolicy(opts.Policy))
	b := marshal.New(lib, bopts...)
	env := &Env{B: b, Lib: lib, opts: opts}

	defer func() {
		if r := recover(); r != nil {
			res.Passed = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
		if err := b.Close(); err != nil && res.Passed {
			res.Passed = false
			res.Error = err.Error()
		}
		res.Duration = time.Since(start)
		if res.Passed {
			Logger().Debug("scenario passed", zap.String("scenario", sc.Name), zap.Duration("duration", res.Duration))
		} else {
			Logger().Warn("scenario failed", zap.String("scenario", sc.Name), zap.String("error", res.Error))
		}
	}()

	if err := sc.Run(ctx, env); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = true
	return res
}
