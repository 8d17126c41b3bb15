// Package history implements `taintflow history`: record scan snapshots in
// the project and compare them over time.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/history"
	"github.com/1homsi/taintflow/internal/priority"
	"github.com/1homsi/taintflow/internal/report"
)

var (
	styleBold = color.New(color.OpBold)
	styleUp   = color.New(color.FgRed)
	styleDown = color.New(color.FgGreen)
	styleFlat = color.New(color.FgGray)
)

type paint bool

func (p paint) s(st color.Style, text string) string {
	if !p {
		return text
	}
	return st.Sprint(text)
}

func NewCommand() *cobra.Command {
	var (
		dir     string
		jsonOut bool
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Record scan snapshots and compare findings across runs",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", ".", "project directory holding the history")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "JSON output")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	var opts cli.Options
	record := &cobra.Command{
		Use:   "record",
		Short: "Scan the project and append a snapshot to its history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, dir, opts)
		},
	}
	record.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (YAML)")
	record.Flags().StringSliceVar(&opts.Languages, "lang", nil, "languages to analyse: auto|python|go|json")
	record.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "path patterns to skip")

	show := &cobra.Command{
		Use:   "show",
		Short: "List the recorded snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, dir, jsonOut, paint(!noColor))
		},
	}
	diff := &cobra.Command{
		Use:   "diff [N [M]]",
		Short: "Compare two snapshots (default: the last two)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, dir, jsonOut, paint(!noColor), args)
		},
	}
	cmd.AddCommand(record, show, diff)
	return cmd
}

func runRecord(cmd *cobra.Command, dir string, opts cli.Options) error {
	cfg, err := cli.LoadConfig(opts)
	if err != nil {
		return err
	}
	res, err := analyzer.Run(cmd.Context(), dir, cfg)
	if err != nil {
		return err
	}
	h, err := history.Load(dir)
	if err != nil {
		return err
	}
	snap := history.FromReport(report.New(res, cfg.FailOn), currentCommit(cmd.Context(), dir))
	h.Record(snap)
	if err := h.Save(dir); err != nil {
		return err
	}
	last := h.Snapshots[len(h.Snapshots)-1]
	commit := last.Commit
	if commit == "" {
		commit = "-"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded snapshot %d at %s  findings=%d  commit=%s\n",
		len(h.Snapshots), last.Timestamp, len(last.Findings), commit)
	return nil
}

func runShow(cmd *cobra.Command, dir string, jsonOut bool, p paint) error {
	h, err := history.Load(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return encode(out, h.Snapshots)
	}
	if len(h.Snapshots) == 0 {
		fmt.Fprintln(out, "no history recorded; run: taintflow history record")
		return nil
	}

	fmt.Fprintln(out, p.s(styleBold, fmt.Sprintf("%-4s  %-20s  %-10s  %5s  %4s  %4s  %4s  %4s  %s",
		"#", "TIMESTAMP", "COMMIT", "FILES", "CRIT", "HIGH", "MED", "LOW", "TREND")))
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for i, snap := range h.Snapshots {
		commit := snap.Commit
		if commit == "" {
			commit = "-"
		}
		trend := p.s(styleFlat, "-")
		if i > 0 {
			trend = trendMark(p, len(snap.Findings)-len(h.Snapshots[i-1].Findings))
		}
		fmt.Fprintf(out, "%-4d  %-20s  %-10s  %5d  %4d  %4d  %4d  %4d  %s\n",
			i+1, snap.Timestamp, commit, snap.Files,
			snap.Count(priority.Critical), snap.Count(priority.High),
			snap.Count(priority.Medium), snap.Count(priority.Low), trend)
	}
	return nil
}

func trendMark(p paint, delta int) string {
	switch {
	case delta > 0:
		return p.s(styleUp, fmt.Sprintf("↑ +%d", delta))
	case delta < 0:
		return p.s(styleDown, fmt.Sprintf("↓ %d", delta))
	}
	return p.s(styleFlat, "→")
}

func runDiff(cmd *cobra.Command, dir string, jsonOut bool, p paint, args []string) error {
	h, err := history.Load(dir)
	if err != nil {
		return err
	}
	n := len(h.Snapshots)
	if n < 2 {
		return cli.Exit(cli.ExitUsage, fmt.Errorf("need at least 2 snapshots, have %d; run: taintflow history record", n))
	}

	parseIdx := func(s string) (int, error) {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > n {
			return 0, cli.Exit(cli.ExitUsage, fmt.Errorf("snapshot index %q out of range 1..%d", s, n))
		}
		return v - 1, nil
	}
	oldIdx, curIdx := n-2, n-1
	if len(args) > 0 {
		if oldIdx, err = parseIdx(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if curIdx, err = parseIdx(args[1]); err != nil {
			return err
		}
	}

	old, cur := h.Snapshots[oldIdx], h.Snapshots[curIdx]
	diffs := history.Diff(old, cur)
	out := cmd.OutOrStdout()
	if jsonOut {
		if diffs == nil {
			diffs = []history.FindingDiff{}
		}
		return encode(out, diffs)
	}

	fmt.Fprintln(out, p.s(styleBold, fmt.Sprintf("drift  %s -> %s", old.Timestamp, cur.Timestamp)))
	fmt.Fprintln(out)
	counts := make(map[string]int)
	for _, d := range diffs {
		counts[d.Change]++
		switch d.Change {
		case history.Added:
			fmt.Fprintf(out, "  %s  %-16s %-20s <- %s  %s\n", p.s(styleUp, "+"), d.New.Type, d.New.Sink, d.New.Source, d.New.Severity)
		case history.Removed:
			fmt.Fprintf(out, "  %s  %-16s %-20s <- %s\n", p.s(styleDown, "-"), d.Old.Type, d.Old.Sink, d.Old.Source)
		case history.Escalated:
			fmt.Fprintf(out, "  %s  %-16s %-20s %s %.2f -> %s %.2f\n", p.s(styleUp, "↑"), d.New.Type, d.New.Sink,
				d.Old.Severity, d.Old.Confidence, d.New.Severity, d.New.Confidence)
		case history.Improved:
			fmt.Fprintf(out, "  %s  %-16s %-20s %s %.2f -> %s %.2f\n", p.s(styleDown, "↓"), d.New.Type, d.New.Sink,
				d.Old.Severity, d.Old.Confidence, d.New.Severity, d.New.Confidence)
		}
	}
	fmt.Fprintf(out, "\n  added=%d  removed=%d  escalated=%d  improved=%d  unchanged=%d\n",
		counts[history.Added], counts[history.Removed], counts[history.Escalated],
		counts[history.Improved], counts[history.Unchanged])
	return nil
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func currentCommit(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
