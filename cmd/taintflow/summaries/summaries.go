// Package summaries implements `taintflow summaries`.
package summaries

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/taint"
)

type options struct {
	cli.Options
	function string
}

func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "summaries [dir]",
		Short: "Dump the per-function taint summaries as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (YAML)")
	f.StringSliceVar(&opts.Languages, "lang", nil, "languages to analyse: auto|python|go|json")
	f.StringSliceVar(&opts.Exclude, "exclude", nil, "path patterns to skip")
	f.StringVar(&opts.function, "function", "", "only functions whose name contains this text")
	return cmd
}

func run(cmd *cobra.Command, opts options, args []string) error {
	dir, err := cli.Dir(args)
	if err != nil {
		return cli.Exit(cli.ExitUsage, err)
	}
	cfg, err := cli.LoadConfig(opts.Options)
	if err != nil {
		return err
	}
	res, err := analyzer.Run(cmd.Context(), dir, cfg)
	if err != nil {
		return err
	}

	sums := make([]*taint.Summary, 0, len(res.Summaries))
	for _, s := range res.Summaries {
		if opts.function == "" || strings.Contains(s.Function.Name, opts.function) {
			sums = append(sums, s)
		}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(sums); err != nil {
		return cli.Exit(cli.ExitFailure, fmt.Errorf("write output: %w", err))
	}
	return nil
}
