// Package graph implements `taintflow graph`.
package graph

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/analyzer"
	"github.com/1homsi/taintflow/internal/graph"
	"github.com/1homsi/taintflow/internal/ir"
)

type options struct {
	cli.Options
	jsonOut bool
	dotOut  bool
}

func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "graph [dir]",
		Short: "Print the import and call graph of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (YAML)")
	f.StringSliceVar(&opts.Languages, "lang", nil, "languages to analyse: auto|python|go|json")
	f.StringSliceVar(&opts.Exclude, "exclude", nil, "path patterns to skip")
	f.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	f.BoolVar(&opts.dotOut, "dot", false, "Graphviz DOT output")
	return cmd
}

func run(cmd *cobra.Command, opts options, args []string) error {
	if opts.jsonOut && opts.dotOut {
		return cli.Exit(cli.ExitUsage, fmt.Errorf("--json and --dot are mutually exclusive"))
	}
	dir, err := cli.Dir(args)
	if err != nil {
		return cli.Exit(cli.ExitUsage, err)
	}
	cfg, err := cli.LoadConfig(opts.Options)
	if err != nil {
		return err
	}
	proj, err := analyzer.Load(cmd.Context(), dir, cfg)
	if err != nil {
		return err
	}
	g, warnings, err := graph.Build(proj.Files, graph.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", w.Error())
	}

	out := cmd.OutOrStdout()
	switch {
	case opts.jsonOut:
		return writeJSON(out, g)
	case opts.dotOut:
		writeDOT(out, g)
	default:
		writeText(out, g)
	}
	return nil
}

type graphJSON struct {
	Checksum string             `json:"checksum"`
	Stats    graph.Stats        `json:"stats"`
	Nodes    []*graph.Node      `json:"nodes"`
	Edges    []graph.Edge       `json:"edges"`
	Cycles   [][]ir.CanonicalID `json:"cycles"`
}

func writeJSON(w io.Writer, g *graph.Graph) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	cycles := g.SCCs()
	if cycles == nil {
		cycles = [][]ir.CanonicalID{}
	}
	return enc.Encode(graphJSON{Checksum: g.Checksum(), Stats: g.Stats(), Nodes: g.Nodes(), Edges: g.Edges(), Cycles: cycles})
}

func writeText(w io.Writer, g *graph.Graph) {
	st := g.Stats()
	fmt.Fprintf(w, "files=%d functions=%d classes=%d imports=%d calls=%d unresolved=%d\n",
		st.Files, st.Functions, st.Classes, st.ImportEdges, st.CallEdges, st.UnresolvedEdges)
	fmt.Fprintf(w, "checksum: %s\n\n", g.Checksum())
	for _, e := range g.Edges() {
		fmt.Fprintf(w, "%-10s %s -> %s  (%.2f) %s:%d\n", e.Kind, e.Source, e.Target, e.Confidence, e.File, e.Line)
	}
	if cycles := g.SCCs(); len(cycles) > 0 {
		fmt.Fprintf(w, "\nrecursive cycles:\n")
		for _, c := range cycles {
			names := make([]string, len(c))
			for i, id := range c {
				names[i] = id.String()
			}
			fmt.Fprintf(w, "  %s\n", strings.Join(names, " -> "))
		}
	}
}

func writeDOT(w io.Writer, g *graph.Graph) {
	fmt.Fprintln(w, "digraph taintflow {")
	fmt.Fprintln(w, "  rankdir=LR;")
	fmt.Fprintln(w, "  node [shape=box, fontsize=10];")
	for _, n := range g.Nodes() {
		shape := "box"
		if n.Kind == ir.KindFile {
			shape = "folder"
		}
		attrs := fmt.Sprintf("label=%q, shape=%s", n.ID.ShortName(), shape)
		if n.File != "" {
			attrs += fmt.Sprintf(", tooltip=%q", fmt.Sprintf("%s:%d", n.File, n.Line))
		}
		fmt.Fprintf(w, "  %q [%s];\n", n.ID.String(), attrs)
	}
	for _, e := range g.Edges() {
		style := "solid"
		switch e.Kind {
		case graph.EdgeImport:
			style = "dashed"
		case graph.EdgeUnresolved:
			style = "dotted"
		}
		label := strings.TrimSpace(fmt.Sprintf("%s %.2f", e.Callee, e.Confidence))
		fmt.Fprintf(w, "  %q -> %q [style=%s, label=%q];\n", e.Source.String(), e.Target.String(), style, label)
	}
	fmt.Fprintln(w, "}")
}
