// Package scan implements `taintflow scan`.
package scan

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/report"
	"github.com/1homsi/taintflow/internal/sinks"
)

type options struct {
	cli.Options
	jsonOut  bool
	sarifOut bool
	failOn   string
	timings  bool
	baseline string
	noColor  bool
}

const example = `  # Scan the current directory
  taintflow scan

  # Scan a Python service, failing only on critical findings
  taintflow scan --lang python --fail-on critical ./service

  # Report only findings that are not in a saved baseline
  taintflow scan --json . > baseline.json
  taintflow scan --baseline baseline.json .`

func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:     "scan [dir]",
		Short:   "Trace untrusted input to dangerous sinks across files",
		Example: example,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (YAML)")
	f.StringSliceVar(&opts.Languages, "lang", nil, "languages to analyse: auto|python|go|json (default from config, else auto)")
	f.StringSliceVar(&opts.Exclude, "exclude", nil, "path patterns to skip")
	f.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	f.BoolVar(&opts.sarifOut, "sarif", false, "SARIF 2.1.0 output")
	f.StringVar(&opts.failOn, "fail-on", "", "fail on severity: low|medium|high|critical (default from config)")
	f.BoolVar(&opts.timings, "timings", false, "include per-phase timings")
	f.StringVar(&opts.baseline, "baseline", "", "JSON report of an earlier scan; only new findings fail the run")
	f.BoolVar(&opts.noColor, "no-color", false, "disable coloured output")
	return cmd
}

func run(cmd *cobra.Command, opts options, args []string) error {
	if opts.jsonOut && opts.sarifOut {
		return cli.Exit(cli.ExitUsage, fmt.Errorf("--json and --sarif are mutually exclusive"))
	}
	dir, err := cli.Dir(args)
	if err != nil {
		return cli.Exit(cli.ExitUsage, err)
	}
	cfg, err := cli.LoadConfig(opts.Options)
	if err != nil {
		return err
	}
	if opts.failOn != "" {
		cfg.FailOn = opts.failOn
	}

	var baseline *report.ScanReport
	if opts.baseline != "" {
		f, err := os.Open(opts.baseline)
		if err != nil {
			return cli.Exit(cli.ExitUsage, fmt.Errorf("load baseline: %w", err))
		}
		b, err := report.ReadScanJSON(f)
		f.Close()
		if err != nil {
			return cli.Exit(cli.ExitUsage, fmt.Errorf("load baseline %s: %w", opts.baseline, err))
		}
		baseline = &b
	}

	res, err := analyzer.Run(cmd.Context(), dir, cfg)
	if err != nil {
		return err
	}

	sr := report.New(res, cfg.FailOn)
	if opts.timings {
		sr = sr.WithTimings(res)
	}
	var diff *report.DiffReport
	if baseline != nil {
		d := report.Diff(baseline.Vulnerabilities, res.Vulnerabilities)
		diff = &d
		sr.Passed, sr.FailReason = true, ""
		if blocking := priority.AtLeast(d.Added, cfg.FailOn); len(blocking) > 0 {
			sr.Passed = false
			sr.FailReason = fmt.Sprintf("%d new finding(s) at or above %s since the baseline", len(blocking), cfg.FailOn)
		}
	}

	out := cmd.OutOrStdout()
	start := time.Now()
	switch {
	case opts.sarifOut:
		reg, err := sinks.Load(sinks.OptionsFromConfig(cfg))
		if err != nil {
			return err
		}
		err = report.WriteScanSARIF(out, sr, reg)
		if err != nil {
			return cli.Exit(cli.ExitFailure, fmt.Errorf("write output: %w", err))
		}
	case opts.jsonOut:
		if err := report.WriteScanJSON(out, sr); err != nil {
			return cli.Exit(cli.ExitFailure, fmt.Errorf("write output: %w", err))
		}
	default:
		text := report.TextOptions{NoColor: opts.noColor}
		report.WriteScan(out, sr, text)
		if diff != nil {
			fmt.Fprintln(out)
			report.WriteDiff(out, *diff, text)
		}
		if opts.timings {
			fmt.Fprintf(out, "output formatting: %s\n", time.Since(start).Round(time.Microsecond))
		}
	}

	if !sr.Passed {
		return cli.Exit(cli.ExitFindings, nil)
	}
	return nil
}
