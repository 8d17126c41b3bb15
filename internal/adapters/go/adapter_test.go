package goadapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/syntax"
	"github.com/1homsi/taintflow/internal/taint"
)

const handlerSrc = `package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	sp "os/exec"
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

type Store struct{ db *sql.DB }

func (s *Store) Show(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	q := fmt.Sprintf("SELECT * FROM users WHERE id = %s", id)
	s.db.Query(q)
}

func Run(r *http.Request) error {
	if name := r.FormValue("name"); name != "" {
		return sp.Command("sh", "-c", name).Run()
	}
	return nil
}

func load(b []byte) { yaml.Unmarshal(b, nil) }
`

func parse(t *testing.T, rel, src string) *syntax.File {
	t.Helper()
	f := Adapter{}.Parse(rel, []byte(src))
	if f.Err != nil {
		t.Fatalf("Parse: %v", f.Err)
	}
	return f
}

func TestParseShape(t *testing.T) {
	f := parse(t, "internal/handlers/show.go", handlerSrc)
	if f.Module != "internal/handlers" || f.Language != "go" {
		t.Errorf("module = %q, language = %q", f.Module, f.Language)
	}

	aliases := make(map[string]string)
	for _, b := range syntax.Imports(f.Root) {
		aliases[b.Spec] = b.Local
	}
	want := map[string]string{
		"database/sql":     "sql",
		"fmt":              "fmt",
		"net/http":         "http",
		"os/exec":          "sp",
		"gopkg.in/yaml.v3": "yaml",
	}
	for spec, local := range want {
		if aliases[spec] != local {
			t.Errorf("import %s bound to %q, want %q", spec, aliases[spec], local)
		}
	}
	if _, ok := aliases["github.com/lib/pq"]; ok {
		t.Error("blank import should not bind a name")
	}

	funcs := syntax.Functions(f.Root)
	byName := make(map[string]syntax.FuncDecl)
	for _, d := range funcs {
		byName[d.Name] = d
	}
	show, ok := byName["Store.Show"]
	if !ok {
		t.Fatalf("functions = %v", funcs)
	}
	if show.Class != "Store" || show.Node.Attr("recvname") != "s" {
		t.Errorf("method receiver: class %q, recvname %q", show.Class, show.Node.Attr("recvname"))
	}
	if len(show.Params) != 2 || show.Params[0] != "w" || show.Params[1] != "r" {
		t.Errorf("params = %v, receiver must not be a parameter", show.Params)
	}
	if _, ok := byName["Run"]; !ok {
		t.Error("Run not found")
	}
	if classes := syntax.Classes(f.Root); len(classes) != 1 || classes[0].Name != "Store" {
		t.Errorf("classes = %v", classes)
	}
}

func TestParseFindsFlows(t *testing.T) {
	f := parse(t, "internal/handlers/show.go", handlerSrc)
	tr := taint.NewTracker(sinks.MustLoad(sinks.Options{}), taint.Options{})
	res, err := tr.Analyze(f)
	if err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool)
	for _, v := range res.Vulnerabilities {
		got[v.CWE] = true
	}
	for _, cwe := range []string{"CWE-89", "CWE-78"} {
		if !got[cwe] {
			t.Errorf("expected a %s finding, got %+v", cwe, res.Vulnerabilities)
		}
	}
}

func TestParseNamesInitByFile(t *testing.T) {
	const a = "package cfg\n\nfunc init() { load() }\n\nfunc _() {}\n"
	const b = "package cfg\n\nfunc init() { other() }\n\ntype T struct{}\n\nfunc (T) init() {}\n"

	seen := make(map[string]string)
	for _, rel := range []string{"cfg/a.go", "cfg/b.go"} {
		src := a
		if rel == "cfg/b.go" {
			src = b
		}
		f := parse(t, rel, src)
		for _, d := range syntax.Functions(f.Root) {
			if prev, dup := seen[d.Name]; dup && d.Class == "" {
				t.Errorf("function %q declared in %s and %s", d.Name, prev, rel)
			}
			seen[d.Name] = rel
		}
	}
	for _, name := range []string{"init@a.go", "init@b.go", "_@a.go", "T.init"} {
		if _, ok := seen[name]; !ok {
			t.Errorf("missing %q in %v", name, seen)
		}
	}
}

func TestParseError(t *testing.T) {
	f := Adapter{}.Parse("bad.go", []byte("package bad\nfunc {"))
	if f.Err == nil {
		t.Error("expected a parse error")
	}
	if f.Root != nil {
		t.Error("broken file should have no tree")
	}
}

func TestPackageName(t *testing.T) {
	tests := map[string]string{
		"os/exec":                       "exec",
		"gopkg.in/yaml.v3":              "yaml",
		"github.com/hashicorp/go-hclog": "hclog",
		"example.com/mod/v2":            "mod",
		"github.com/google/uuid":        "uuid",
	}
	for in, want := range tests {
		if got := packageName(in); got != want {
			t.Errorf("packageName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFilesFallsBackToWalk(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, src string) {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(src), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("main.go", "package main\nfunc main() {}\n")
	write("internal/db/db.go", "package db\n")
	write("internal/db/db_test.go", "package db\n")
	write("vendor/x/x.go", "package x\n")

	files, err := Adapter{}.Files(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"internal/db/db.go", "main.go"}
	if len(files) != len(want) {
		t.Fatalf("Files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("Files[%d] = %s, want %s", i, files[i], want[i])
		}
	}
}
