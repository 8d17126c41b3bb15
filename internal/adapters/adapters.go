// Package adapters holds what the language front-ends share: the Frontend
// contract and project file discovery.
package adapters

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/1homsi/taintflow/internal/syntax"
)

// Frontend turns the source files of one language into syntax trees.
type Frontend interface {
	// Language is the language name used in canonical IDs.
	Language() string
	// Files lists the project-relative, slash-separated paths to parse.
	Files(ctx context.Context, dir string) ([]string, error)
	// Parse builds the tree of one file. A file that cannot be parsed is
	// returned with Err set.
	Parse(rel string, src []byte) *syntax.File
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"vendor":        true,
	"node_modules":  true,
	"testdata":      true,
	"__pycache__":   true,
	"site-packages": true,
}

// Walk lists the files under dir whose names end in one of suffixes,
// as sorted slash-separated paths relative to dir. Hidden and dependency
// directories are skipped.
func Walk(ctx context.Context, dir string, suffixes ...string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != dir && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		for _, s := range suffixes {
			if strings.HasSuffix(name, s) {
				rel, err := filepath.Rel(dir, p)
				if err != nil {
					return err
				}
				out = append(out, filepath.ToSlash(rel))
				break
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// Excluded reports whether rel matches one of patterns. A pattern matches
// the whole path, or any leading directory of it.
func Excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(p, "/")
		for cur := rel; cur != "." && cur != "/" && cur != ""; cur = path.Dir(cur) {
			if ok, _ := path.Match(p, cur); ok {
				return true
			}
		}
	}
	return false
}
