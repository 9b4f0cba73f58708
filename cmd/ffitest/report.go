package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/ffi-marshal/config"
	"github.com/wippyai/ffi-marshal/conformance"
)

// successLine is printed when every scenario passed.
const successLine = "all marshalling tests passed"

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func writeReport(w io.Writer, format string, r conformance.Report, color bool) error {
	switch format {
	case config.FormatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err

	case config.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return enc.Close()
	}
	return writeText(w, r, color)
}

func writeText(w io.Writer, r conformance.Report, color bool) error {
	pass, fail := "PASS", "FAIL"
	if color {
		pass, fail = passStyle.Render(pass), failStyle.Render(fail)
	}

	for _, res := range r.Results {
		if res.Passed {
			fmt.Fprintf(w, "%s  %-16s %s\n", pass, res.Name, res.Duration)
			continue
		}
		fmt.Fprintf(w, "%s  %-16s %s\n", fail, res.Name, res.Error)
	}

	fmt.Fprintf(w, "\n%s: %d passed, %d failed in %s\n", r.Library, r.Passed, r.Failed, r.Duration)
	if r.OK() {
		_, err := fmt.Fprintln(w, successLine)
		return err
	}
	return nil
}
