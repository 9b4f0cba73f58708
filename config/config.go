// Package config loads the conformance runner's YAML configuration.
//
// A minimal file:
//
//	backend: wasm
//	release_policy: strict
//	async_timeout: 2s
//	scenarios: [concat, max]
//	report:
//	  format: json
package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/ffi-marshal/errors"
	"github.com/wippyai/ffi-marshal/marshal"
	"github.com/wippyai/ffi-marshal/native/sim"
	"github.com/wippyai/ffi-marshal/native/wasm"
)

// Backends names the libraries the runner can load.
const (
	BackendSim  = "sim"
	BackendWasm = "wasm"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Config is the runner configuration.
type Config struct {
	Backend       string        `yaml:"backend"`
	Sim           SimConfig     `yaml:"sim"`
	Wasm          WasmConfig    `yaml:"wasm"`
	ReleasePolicy string        `yaml:"release_policy"`
	AsyncTimeout  time.Duration `yaml:"async_timeout"`
	Scenarios     []string      `yaml:"scenarios"`
	Report        ReportConfig  `yaml:"report"`
	Telemetry     Telemetry     `yaml:"telemetry"`
	Log           LogConfig     `yaml:"log"`
}

// SimConfig sizes the in-process library.
type SimConfig struct {
	MemorySize uint32 `yaml:"memory_size"`
	AllocLimit uint32 `yaml:"alloc_limit"`
}

// WasmConfig bounds the wazero-hosted library.
type WasmConfig struct {
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

type ReportConfig struct {
	Format string `yaml:"format"`
}

// Telemetry enables the stdout OpenTelemetry exporters.
type Telemetry struct {
	Traces  bool `yaml:"traces"`
	Metrics bool `yaml:"metrics"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Backend:       BackendSim,
		ReleasePolicy: marshal.ReleaseIdempotent.String(),
		AsyncTimeout:  5 * time.Second,
		Report:        ReportConfig{Format: FormatText},
		Log:           LogConfig{Level: "warn"},
	}
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Detail("read %s", path).
			Cause(err).
			Build()
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated fields.
func (c Config) Validate() error {
	if c.Backend != BackendSim && c.Backend != BackendWasm {
		return invalid("backend %q is not one of sim, wasm", c.Backend)
	}
	if c.ReleasePolicy != "idempotent" && c.ReleasePolicy != "strict" {
		return invalid("release_policy %q is not one of idempotent, strict", c.ReleasePolicy)
	}
	if c.AsyncTimeout < 0 {
		return invalid("async_timeout %s is negative", c.AsyncTimeout)
	}
	if !slices.Contains([]string{FormatText, FormatJSON, FormatYAML}, c.Report.Format) {
		return invalid("report.format %q is not one of text, json, yaml", c.Report.Format)
	}
	if c.Log.Level != "" {
		if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
			return invalid("log.level %q: %v", c.Log.Level, err)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).Detail(format, args...).Build()
}

// Policy returns the configured release policy.
func (c Config) Policy() marshal.ReleasePolicy {
	if c.ReleasePolicy == "strict" {
		return marshal.ReleaseStrict
	}
	return marshal.ReleaseIdempotent
}

// SimLibrary returns the sim backend's configuration.
func (c Config) SimLibrary() sim.Config {
	return sim.Config{MemorySize: c.Sim.MemorySize, AllocLimit: c.Sim.AllocLimit}
}

// WasmLibrary returns the wasm backend's configuration.
func (c Config) WasmLibrary() wasm.Config {
	return wasm.Config{MemoryLimitPages: c.Wasm.MemoryLimitPages}
}

// Logger builds a zap logger at the configured level. Development loggers
// write human-readable output.
func (c Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Log.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Log.Level)
		if err != nil {
			return nil, invalid("log.level %q: %v", c.Log.Level, err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}
