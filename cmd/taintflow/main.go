package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/cmd/taintflow/graph"
	"github.com/1homsi/taintflow/cmd/taintflow/history"
	"github.com/1homsi/taintflow/cmd/taintflow/scan"
	"github.com/1homsi/taintflow/cmd/taintflow/sinks"
	"github.com/1homsi/taintflow/cmd/taintflow/summaries"
	"github.com/1homsi/taintflow/cmd/taintflow/tree"
	"github.com/1homsi/taintflow/cmd/taintflow/version"
	"github.com/1homsi/taintflow/internal/logging"
)

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "taintflow [command]",
		Short:         "Cross-file taint analysis for Python and Go projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logging.SetVerbose(true)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging on stderr")
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		scan.NewCommand(),
		graph.NewCommand(),
		sinks.NewCommand(),
		summaries.NewCommand(),
		history.NewCommand(),
		tree.NewCommand(),
		version.NewCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *cli.ExitError
		if !errors.As(err, &ee) || ee.Err != nil {
			fmt.Fprintf(os.Stderr, "taintflow: %v\n", err)
		}
	}
	os.Exit(cli.Code(err))
}
