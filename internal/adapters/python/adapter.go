// Package pyadapter is the Python front-end. It tokenizes and parses
// Python 3 source into syntax trees; no Python interpreter is needed.
package pyadapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/1homsi/taintflow/internal/adapters"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/syntax"
)

const language = "python"

// Adapter implements adapters.Frontend for Python.
type Adapter struct{}

func (Adapter) Language() string { return language }

// Files lists the .py files under dir.
func (Adapter) Files(ctx context.Context, dir string) ([]string, error) {
	return adapters.Walk(ctx, dir, ".py")
}

// Parse converts one Python source file. The module path is the file path
// without its extension; an __init__.py stands for its directory.
func (Adapter) Parse(rel string, src []byte) *syntax.File {
	f := &syntax.File{Path: rel, Language: language, Module: ir.ModulePathFor(language, rel)}
	root, err := parse(strings.TrimPrefix(string(src), "\ufeff"))
	if err != nil {
		f.Err = fmt.Errorf("%s: %w", rel, err)
		return f
	}
	f.Root = root
	return f
}
