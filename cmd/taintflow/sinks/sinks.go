// Package sinks implements `taintflow sinks`.
package sinks

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/sinks"
)

type options struct {
	configFile string
	lang       string
	jsonOut    bool
}

func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sinks",
		Short: "List the sources, sanitizers and sinks known for each language",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "configuration file with custom rules (YAML)")
	f.StringVar(&opts.lang, "lang", "", "only this language")
	f.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	cfg, err := cli.LoadConfig(cli.Options{ConfigFile: opts.configFile})
	if err != nil {
		return err
	}
	reg, err := sinks.Load(sinks.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	langs := reg.Languages()
	if opts.lang != "" {
		langs = []string{strings.ToLower(opts.lang)}
	}
	defs := make([]sinks.LanguageDefs, 0, len(langs))
	for _, l := range langs {
		d, ok := reg.Definitions(l)
		if !ok {
			return fmt.Errorf("%w: no definitions for language %q (have %s)",
				ir.ErrConfigInvalid, l, strings.Join(reg.Languages(), ", "))
		}
		defs = append(defs, d)
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}
	for i, d := range defs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		writeText(out, d)
	}
	return nil
}

func writeText(w io.Writer, d sinks.LanguageDefs) {
	fmt.Fprintf(w, "=== %s (%s) ===\n", d.Language, strings.Join(d.Extensions, " "))
	fmt.Fprintln(w, "sinks:")
	for _, s := range d.Sinks {
		match := strings.Join(s.Patterns, ", ")
		if match == "" {
			match = "/" + s.Regex + "/"
		}
		fmt.Fprintf(w, "  %-34s %-18s %-8s %.2f  %s\n", s.ID, s.Type, s.CWE, s.Confidence, match)
	}
	fmt.Fprintln(w, "sources:")
	for _, s := range d.Sources {
		fmt.Fprintf(w, "  %-34s %-9s %s\n", s.Pattern, s.Kind, s.Level)
	}
	fmt.Fprintln(w, "sanitizers:")
	for _, s := range d.Sanitizers {
		clears := "all"
		if len(s.Clears) > 0 {
			clears = strings.Join(s.Clears, ", ")
		}
		fmt.Fprintf(w, "  %-34s clears %s\n", s.Pattern, clears)
	}
}
