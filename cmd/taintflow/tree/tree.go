// Package tree implements `taintflow tree`: it parses one file and prints
// the syntax tree as a JSON tree document, the format external parsers
// use to feed other languages into the analysis.
package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/1homsi/taintflow/cmd/taintflow/cli"
	"github.com/1homsi/taintflow/internal/adapters"
	"github.com/1homsi/taintflow/internal/adapters/jsontree"
	"github.com/1homsi/taintflow/internal/analyzer"
)

func NewCommand() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "tree <file>",
		Short: "Print the parsed syntax tree of a file as a .tree.json document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, lang, args[0])
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "front-end to use instead of the one the file name implies")
	return cmd
}

func run(cmd *cobra.Command, lang, file string) error {
	var (
		fe  adapters.Frontend
		err error
	)
	if lang != "" {
		fe, err = analyzer.ForLang(lang)
	} else {
		fe, err = analyzer.ForFile(file)
	}
	if err != nil {
		return err
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return cli.Exit(cli.ExitUsage, err)
	}
	f := fe.Parse(filepath.ToSlash(filepath.Clean(file)), src)
	if f.Err != nil {
		return cli.Exit(cli.ExitFailure, fmt.Errorf("parse: %w", f.Err))
	}
	return jsontree.Encode(cmd.OutOrStdout(), f)
}
