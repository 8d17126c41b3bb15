// Package logging is the process-wide levelled logger. Debug, info and
// warning messages only appear in verbose mode; errors always print.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

const rootName = "taintflow"

var (
	mu      sync.RWMutex
	out     io.Writer = os.Stderr
	verbose           = os.Getenv("TAINTFLOW_VERBOSE") == "1"
	root    hclog.Logger
)

func init() {
	root = newLogger()
}

func newLogger() hclog.Logger {
	level := hclog.Error
	if verbose {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   rootName,
		Output: out,
		Level:  level,
	})
}

// SetVerbose enables or disables verbose logging at runtime.
func SetVerbose(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = enabled
	root = newLogger()
}

// Verbose reports whether verbose logging is on.
func Verbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	root = newLogger()
}

// Named returns a structured sub-logger for a component. The returned
// logger keeps the level and output in effect when it was created.
func Named(component string) hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

func logger() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func Debugf(format string, args ...any) {
	logger().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	logger().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	logger().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	logger().Error(fmt.Sprintf(format, args...))
}
