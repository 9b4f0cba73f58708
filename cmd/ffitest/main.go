package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	ffimarshal "github.com/wippyai/ffi-marshal"
	"github.com/wippyai/ffi-marshal/config"
	"github.com/wippyai/ffi-marshal/conformance"
	"github.com/wippyai/ffi-marshal/fixture"
	"github.com/wippyai/ffi-marshal/marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
	"github.com/wippyai/ffi-marshal/native/wasm"
	"github.com/wippyai/ffi-marshal/observe"
)

func main() {
	var (
		configFile  = flag.String("config", "", "YAML configuration file")
		backend     = flag.String("backend", "", "Library backend: sim or wasm")
		policy      = flag.String("policy", "", "Release policy: idempotent or strict")
		only        = flag.String("only", "", "Scenarios to run (comma-separated)")
		format      = flag.String("format", "", "Report format: text, json or yaml")
		traces      = flag.Bool("trace", false, "Print OpenTelemetry spans to stderr")
		metrics     = flag.Bool("metrics", false, "Print OpenTelemetry metrics to stderr")
		verbose     = flag.Bool("v", false, "Debug logging")
		list        = flag.Bool("list", false, "List scenarios and exit")
		emitWasm    = flag.String("emit-wasm", "", "Write the fixture wasm module to a file and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *list {
		listScenarios(os.Stdout)
		return
	}

	if *emitWasm != "" {
		if err := writeWasm(*emitWasm); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configFile, overrides{
		backend: *backend,
		policy:  *policy,
		only:    *only,
		format:  *format,
		traces:  *traces,
		metrics: *metrics,
		verbose: *verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i needs a terminal")
			os.Exit(2)
		}
		if err := runInteractive(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ok, err := run(context.Background(), cfg, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

type overrides struct {
	backend, policy, only, format string
	traces, metrics, verbose      bool
}

func loadConfig(path string, o overrides) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.policy != "" {
		cfg.ReleasePolicy = o.policy
	}
	if o.only != "" {
		cfg.Scenarios = strings.Split(o.only, ",")
	}
	if o.format != "" {
		cfg.Report.Format = o.format
	}
	cfg.Telemetry.Traces = cfg.Telemetry.Traces || o.traces
	cfg.Telemetry.Metrics = cfg.Telemetry.Metrics || o.metrics
	if o.verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	return cfg, cfg.Validate()
}

func openLibrary(ctx context.Context, cfg config.Config) (ffimarshal.Library, error) {
	if cfg.Backend == config.BackendWasm {
		return fixture.NewWazero(ctx, cfg.WasmLibrary())
	}
	return fixture.NewSim(cfg.SimLibrary()), nil
}

// setupLogging points every package's logger at one configured zap logger.
func setupLogging(cfg config.Config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	marshal.SetLogger(logger)
	sim.SetLogger(logger)
	wasm.SetLogger(logger)
	conformance.SetLogger(logger)
	return nil
}

// setupTelemetry returns the OpenTelemetry hook writing to w, or nil when
// telemetry is off.
func setupTelemetry(cfg config.Config, w io.Writer) (marshal.Hook, *observe.Providers, error) {
	if !cfg.Telemetry.Traces && !cfg.Telemetry.Metrics {
		return nil, nil, nil
	}
	providers, err := observe.StdoutProviders(w, cfg.Telemetry.Traces, cfg.Telemetry.Metrics)
	if err != nil {
		return nil, nil, err
	}
	return observe.NewHook(providers.Config()), providers, nil
}

func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) (bool, error) {
	if err := setupLogging(cfg); err != nil {
		return false, err
	}
	hook, providers, err := setupTelemetry(cfg, stderr)
	if err != nil {
		return false, err
	}
	if providers != nil {
		defer func() {
			if err := providers.Shutdown(ctx); err != nil {
				conformance.Logger().Warn("telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	lib, err := openLibrary(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer lib.Close(ctx)

	report := conformance.Run(ctx, lib, conformance.Options{
		Hook:         hook,
		Only:         cfg.Scenarios,
		AsyncTimeout: cfg.AsyncTimeout,
		Policy:       cfg.Policy(),
	})
	if err := writeReport(stdout, cfg.Report.Format, report, isTerminal(stdout)); err != nil {
		return false, err
	}
	return report.OK(), nil
}

func listScenarios(w io.Writer) {
	for _, sc := range conformance.Scenarios() {
		fmt.Fprintf(w, "  %-16s %s\n", sc.Name, sc.Description)
	}
}

func writeWasm(path string) error {
	data, err := fixture.Wasm()
	if err != nil {
		return fmt.Errorf("build fixture: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
