// Package cli holds what the taintflow subcommands share: exit codes,
// configuration loading and target directory resolution.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/ir"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFindings = 1
	ExitUsage    = 2
	ExitFailure  = 3
)

// ExitError carries the process exit code of a failed command. A nil Err
// means the command already reported why it failed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func Exit(code int, err error) error { return &ExitError{Code: code, Err: err} }

// Code maps a command error to an exit code. Invalid configuration and
// bad arguments exit 2; any other failure exits 3.
func Code(err error) int {
	var ee *ExitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.Code
	case errors.Is(err, ir.ErrConfigInvalid):
		return ExitUsage
	}
	return ExitFailure
}

// Options are the flags every analysing subcommand accepts.
type Options struct {
	ConfigFile string
	Languages  []string
	Exclude    []string
}

// LoadConfig reads the configuration file, if any, and applies the
// command-line overrides.
func LoadConfig(opts Options) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	var langs []string
	for _, l := range opts.Languages {
		for _, part := range strings.Split(l, ",") {
			if part = strings.TrimSpace(part); part != "" {
				langs = append(langs, strings.ToLower(part))
			}
		}
	}
	if len(langs) > 0 {
		cfg.Languages = langs
	}
	cfg.Exclude = append(cfg.Exclude, opts.Exclude...)
	return cfg, nil
}

// Dir returns the directory argument, or the working directory.
func Dir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return dir, nil
}
