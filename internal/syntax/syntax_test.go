package syntax

import "testing"

func TestBuilders(t *testing.T) {
	call := N(Call, "cursor.execute",
		N(Attribute, "cursor.execute", N(Name, "cursor")).Set("attr", "execute"),
		N(Name, "q"),
		N(Keyword, "timeout", N(Literal, "5").Set("type", "number")),
		nil,
	).At(4)

	if call.Line() != 4 {
		t.Errorf("Line() = %d, want 4", call.Line())
	}
	if len(call.Children()) != 3 {
		t.Fatalf("nil children must be dropped, got %d", len(call.Children()))
	}
	args, kw := CallArgs(call)
	if len(args) != 1 || args[0].Text() != "q" {
		t.Errorf("args = %v, want [q]", args)
	}
	if kw["timeout"] == nil || kw["timeout"].Text() != "5" {
		t.Errorf("keyword timeout missing: %v", kw)
	}
	if call.Attr("missing") != "" {
		t.Error("missing attribute should be empty")
	}
}

func TestParamsAndBody(t *testing.T) {
	fn := N(Function, "run", N(Param, "a"), N(Param, "b"), N(Block, "", N(Return, "")))
	got := Params(fn)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Params = %v, want [a b]", got)
	}
	if Body(fn) == nil || Body(fn).Kind() != Block {
		t.Error("expected block body")
	}
	if FunctionName(fn, "Repo") != "Repo.run" {
		t.Errorf("FunctionName = %q, want Repo.run", FunctionName(fn, "Repo"))
	}
	fn.Set("receiver", "Store")
	if FunctionName(fn, "") != "Store.run" {
		t.Errorf("FunctionName = %q, want Store.run", FunctionName(fn, ""))
	}
}

func TestDotted(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"cursor.execute", true},
		{"os/exec.Command", true},
		{"self.db.run", true},
		{"r.URL.Query().Get", false},
		{"fns[0]", false},
		{"", false},
		{"a..b", false},
		{"1abc", false},
	}
	for _, tt := range tests {
		if got := Dotted(tt.in); got != tt.want {
			t.Errorf("Dotted(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestImportsAndQualify(t *testing.T) {
	root := N(Module, "",
		N(Import, "subprocess").At(1),
		N(Import, "app.db").Set("alias", "database").At(2),
		N(Import, "flask", N(ImportName, "request"), N(ImportName, "escape").Set("alias", "esc")).At(3),
		N(Import, "helpers", N(ImportName, "*")).At(4),
		N(Import, "os/exec").Set("alias", "exec").At(5),
		N(Function, "f", N(Block, "", N(Import, "json").At(7))),
	)
	bindings := Imports(root)
	if len(bindings) != 7 {
		t.Fatalf("got %d bindings, want 7: %+v", len(bindings), bindings)
	}
	s := NewScope(bindings)

	tests := []struct {
		in, want string
	}{
		{"subprocess.run", "subprocess.run"},
		{"database.execute_query", "app.db.execute_query"},
		{"request.args.get", "flask.request.args.get"},
		{"esc", "flask.escape"},
		{"exec.Command", "os/exec.Command"},
		{"json.loads", "json.loads"},
		{"unknown.call", "unknown.call"},
	}
	for _, tt := range tests {
		if got := s.Qualify(tt.in); got != tt.want {
			t.Errorf("Qualify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if w := s.Wildcards(); len(w) != 1 || w[0] != "helpers" {
		t.Errorf("Wildcards = %v, want [helpers]", w)
	}
}
