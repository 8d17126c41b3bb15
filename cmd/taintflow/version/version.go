// Package version implements `taintflow version`.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/internal/report"
)

// Set at build time with -ldflags "-X ...".
var (
	BuildTime = "unknown"
	Commit    = "unknown"
)

type info struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildTime     string `json:"build_time"`
	GolangVersion string `json:"golang_version"`
}

func NewCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:                   "version",
		DisableFlagsInUseLine: true,
		Short:                 "Print the version",
		Args:                  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := info{Version: report.Version, Commit: Commit, BuildTime: BuildTime, GolangVersion: runtime.Version()}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "taintflow %s (commit %s, built %s, %s)\n", v.Version, v.Commit, v.BuildTime, v.GolangVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}
