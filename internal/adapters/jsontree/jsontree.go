// Package jsontree reads syntax trees that external parsers wrote as JSON,
// so languages without a bundled front-end can still be analysed.
package jsontree

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/1homsi/taintflow/internal/adapters"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/syntax"
)

const (
	language = "json"

	// Suffix marks tree documents.
	Suffix = ".tree.json"

	schemaURL = "https://github.com/1homsi/taintflow/internal/adapters/jsontree/tree.schema.json"
)

//go:embed tree.schema.json
var schemaJSON []byte

// Document is the on-disk form of one parsed source file.
type Document struct {
	Path     string          `json:"path,omitempty"`
	Language string          `json:"language"`
	Module   string          `json:"module,omitempty"`
	Root     *syntax.Element `json:"root"`
}

var treeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse tree schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add tree schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile tree schema: %w", err)
	}
	return sch, nil
})

// Adapter implements adapters.Frontend for tree documents. Each document
// names its own language.
type Adapter struct{}

func (Adapter) Language() string { return language }

// Files lists the tree documents under dir.
func (Adapter) Files(ctx context.Context, dir string) ([]string, error) {
	return adapters.Walk(ctx, dir, Suffix)
}

// Parse validates and decodes one document. Findings point at the path
// recorded in the document, or at rel without its suffix.
func (Adapter) Parse(rel string, src []byte) *syntax.File {
	f := &syntax.File{Path: strings.TrimSuffix(rel, Suffix), Language: language}
	doc, err := Decode(src)
	if err != nil {
		f.Err = fmt.Errorf("%s: %w", rel, err)
		return f
	}
	if doc.Path != "" {
		f.Path = strings.TrimPrefix(path.Clean(strings.ReplaceAll(doc.Path, "\\", "/")), "./")
	}
	f.Language = doc.Language
	f.Module = doc.Module
	if f.Module == "" {
		f.Module = ir.ModulePathFor(doc.Language, f.Path)
	}
	f.Root = doc.Root
	return f
}

// Decode checks src against the tree schema and decodes it.
func Decode(src []byte) (*Document, error) {
	sch, err := treeSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid tree: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(src, &doc); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &doc, nil
}

// Encode writes f as a tree document. Only trees made of syntax.Element
// can be written.
func Encode(w io.Writer, f *syntax.File) error {
	root, ok := f.Root.(*syntax.Element)
	if !ok {
		return fmt.Errorf("encode %s: tree is %T, not *syntax.Element", f.Path, f.Root)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{Path: f.Path, Language: f.Language, Module: f.Module, Root: root})
}
