// Package goadapter is the Go front-end: it enumerates the files of a
// module and converts each parsed file into a syntax tree.
package goadapter

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"

	"github.com/1homsi/taintflow/internal/adapters"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/syntax"
)

const language = "go"

// Adapter implements adapters.Frontend for Go.
type Adapter struct{}

func (Adapter) Language() string { return language }

// Files lists the non-test Go files of the module at dir. Packages are
// enumerated with go/packages; when that fails (no go.mod, no toolchain)
// the directory is walked instead.
func (Adapter) Files(ctx context.Context, dir string) ([]string, error) {
	files, err := listPackages(ctx, dir)
	if err == nil && len(files) > 0 {
		return files, nil
	}
	if err != nil {
		logging.Debugf("[go] package listing failed, walking %s: %v", dir, err)
	}
	all, err := adapters.Walk(ctx, dir, ".go")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if !strings.HasSuffix(f, "_test.go") {
			out = append(out, f)
		}
	}
	return out, nil
}

// listPackages loads every package of the module at dir.
func listPackages(ctx context.Context, dir string) ([]string, error) {
	cfg := &packages.Config{
		Context: ctx,
		Mode:    packages.NeedName | packages.NeedFiles,
		Dir:     dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, pkg := range pkgs {
		// continue despite package errors; partial analysis is better than none
		for _, e := range pkg.Errors {
			logging.Debugf("[go] %s: %v", pkg.PkgPath, e)
		}
		for _, f := range pkg.GoFiles {
			rel, err := filepath.Rel(abs, f)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Parse converts one Go source file. The module path is the package
// directory, so files of one package share a module.
func (Adapter) Parse(rel string, src []byte) *syntax.File {
	f := &syntax.File{Path: rel, Language: language, Module: ir.ModulePathFor(language, rel)}
	fset := token.NewFileSet()
	af, err := parser.ParseFile(fset, rel, src, parser.SkipObjectResolution)
	if err != nil {
		f.Err = err
		return f
	}
	c := &converter{fset: fset, src: src, fileName: filepath.Base(rel)}
	f.Root = c.file(af)
	return f
}
