package taint_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/syntax"
	. "github.com/1homsi/taintflow/internal/syntax/syntaxtest"
	"github.com/1homsi/taintflow/internal/taint"
)

var registry = sinks.MustLoad(sinks.Options{})

// sameFile resolves calls by callee name to functions of app/views.
type sameFile map[string]string

func (r sameFile) Targets(_ ir.CanonicalID, _ int, callee string) []ir.CanonicalID {
	if fn, ok := r[callee]; ok {
		return []ir.CanonicalID{ir.FunctionID("python", "app/views", fn)}
	}
	return nil
}

func (r sameFile) TopoOrder(ids []ir.CanonicalID) []ir.CanonicalID { return ids }

func analyze(t *testing.T, opts taint.Options, stmts ...*E) *taint.FileResult {
	t.Helper()
	res, err := taint.NewTracker(registry, opts).Analyze(File("app/views.py", Module(stmts...)))
	require.NoError(t, err)
	return res
}

func kinds(hops []taint.Hop) []taint.HopKind {
	out := make([]taint.HopKind, len(hops))
	for i, h := range hops {
		out[i] = h.Kind
	}
	return out
}

func summary(t *testing.T, res *taint.FileResult, name string) *taint.Summary {
	t.Helper()
	for _, s := range res.Summaries {
		if s.Function.Name == name {
			return s
		}
	}
	t.Fatalf("no summary for %s", name)
	return nil
}

func TestAnalyzeFormattedQuery(t *testing.T) {
	res := analyze(t, taint.Options{},
		From("flask", 1, "request"),
		Def("show", 4, nil,
			Let("query", Fmt(5, Str("SELECT * FROM users WHERE id = ", 5), Index("request.args", "id", 5))),
			Expr(Call("cursor.execute", 6, Name("query", 6))),
		),
	)

	require.Len(t, res.Vulnerabilities, 1)
	v := res.Vulnerabilities[0]
	assert.Equal(t, "CWE-89", v.CWE)
	assert.Equal(t, sinks.SQLQuery, v.Type)
	assert.GreaterOrEqual(t, v.Confidence, 0.8)
	assert.Equal(t, taint.High, v.Level)
	assert.Equal(t, []taint.HopKind{taint.HopSource, taint.HopSink}, kinds(v.Flow))
	assert.Equal(t, 5, v.Source.Line)
	assert.Equal(t, "request.args", v.Source.Symbol)
	assert.Equal(t, 6, v.Sink.Line)
	assert.Equal(t, "app/views.py", v.Sink.File)

	sum := summary(t, res, "show")
	assert.Len(t, sum.Sources, 1)
	assert.False(t, sum.IsRoot(), "a purely local finding does not seed traversal")
}

func TestAnalyzeParameterizedQuery(t *testing.T) {
	tests := []struct {
		name  string
		call  *E
		vulns int
	}{
		{
			name:  "placeholder with bound tuple",
			call:  Call("cursor.execute", 4, Str("SELECT * FROM t WHERE id = %s", 4), Tuple(4, Name("uid", 4))),
			vulns: 0,
		},
		{
			name:  "named placeholder with params keyword",
			call:  Call("cursor.execute", 4, Str("SELECT * FROM t WHERE id = :id", 4), Kw("params", Name("uid", 4))),
			vulns: 0,
		},
		{
			name:  "concatenated",
			call:  Call("cursor.execute", 4, Bin("+", Str("SELECT * FROM t WHERE id = ", 4), Name("uid", 4))),
			vulns: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, taint.Options{},
				From("flask", 1, "request"),
				Def("lookup", 2, nil,
					Let("uid", Call("request.args.get", 3, Str("id", 3))),
					Expr(tt.call),
				),
			)
			assert.Len(t, res.Vulnerabilities, tt.vulns)
		})
	}
}

func TestAnalyzeSanitizers(t *testing.T) {
	tests := []struct {
		name  string
		sink  string
		arg   *E
		vulns int
		flow  []taint.HopKind
	}{
		{"quoted", "os.system", Call("shlex.quote", 5, Name("f", 5)), 0, nil},
		{"int conversion", "os.system", Call("int", 5, Name("f", 5)), 0, nil},
		{"int conversion before sql", "cursor.execute", Call("int", 5, Name("f", 5)), 0, nil},
		{"unknown helper passes through", "os.system", Call("normalize", 5, Name("f", 5)), 1, nil},
		{"raw", "os.system", Name("f", 5), 1, nil},
		{"html escape before sql", "cursor.execute", Call("html.escape", 5, Name("f", 5)), 1,
			[]taint.HopKind{taint.HopSource, taint.HopSanitizer, taint.HopSink}},
		{"quoted before sql", "cursor.execute", Call("shlex.quote", 5, Name("f", 5)), 1,
			[]taint.HopKind{taint.HopSource, taint.HopSanitizer, taint.HopSink}},
		{"html escape before command", "os.system", Call("html.escape", 5, Name("f", 5)), 1,
			[]taint.HopKind{taint.HopSource, taint.HopSanitizer, taint.HopSink}},
		{"both sanitizers", "os.system", Call("html.escape", 5, Call("shlex.quote", 5, Name("f", 5))), 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, taint.Options{},
				Import("os", 1),
				Import("shlex", 2),
				Import("html", 2),
				From("flask", 3, "request"),
				Def("run", 3, nil,
					Let("f", Call("request.form.get", 4, Str("file", 4))),
					Expr(Call(tt.sink, 5, tt.arg)),
				),
			)
			require.Len(t, res.Vulnerabilities, tt.vulns)
			if tt.vulns == 0 {
				return
			}
			v := res.Vulnerabilities[0]
			if tt.sink == "os.system" {
				assert.Equal(t, sinks.CommandInjection, v.Type)
				assert.Equal(t, "CWE-78", v.CWE)
			} else {
				assert.Equal(t, sinks.SQLQuery, v.Type)
			}
			if tt.flow != nil {
				assert.Equal(t, tt.flow, kinds(v.Flow))
			}
		})
	}
}

func TestAnalyzeSanitizerWrapperSummary(t *testing.T) {
	res := analyze(t, taint.Options{Resolver: sameFile{"clean": "clean"}},
		Import("html", 1),
		From("flask", 2, "request"),
		Def("clean", 3, []string{"s"},
			Return(Call("html.escape", 4, Name("s", 4))),
		),
		Def("show", 6, nil,
			Let("q", Call("clean", 7, Call("request.args.get", 7, Str("q", 7)))),
			Expr(Call("cursor.execute", 8, Name("q", 8))),
			Expr(Call("render_template_string", 9, Name("q", 9))),
		),
	)

	r := summary(t, res, "clean").ParamReturn(0)
	require.NotNil(t, r)
	assert.Equal(t, []string{sinks.TemplateInjection}, r.Cleared)
	assert.Contains(t, kinds(r.Hops), taint.HopSanitizer)

	require.Len(t, res.Vulnerabilities, 1, "the escaped value still reaches the query")
	assert.Equal(t, sinks.SQLQuery, res.Vulnerabilities[0].Type)
}

func TestAnalyzeBranchJoin(t *testing.T) {
	res := analyze(t, taint.Options{},
		From("flask", 1, "request"),
		Def("search", 2, []string{"flag"},
			If(Name("flag", 3),
				Block(Let("q", Call("request.args.get", 4, Str("q", 4)))),
				Block(Let("q", Str("static", 6))),
			),
			Expr(Call("cursor.execute", 7, Name("q", 7))),
		),
	)
	require.Len(t, res.Vulnerabilities, 1)
	assert.Equal(t, 4, res.Vulnerabilities[0].Source.Line)
}

func TestAnalyzeLoopBackEdge(t *testing.T) {
	// the tainted value only reaches the sink on the second iteration
	res := analyze(t, taint.Options{},
		From("flask", 1, "request"),
		Def("drain", 2, []string{"items"},
			Let("acc", Str("", 3)),
			For("item", Name("items", 4), Block(
				Expr(Call("cursor.execute", 5, Name("acc", 5))),
				Let("acc", Call("request.args.get", 6, Str("next", 6))),
			)),
		),
	)
	require.Len(t, res.Vulnerabilities, 1, "duplicates from the second pass are dropped")
	assert.Equal(t, 6, res.Vulnerabilities[0].Source.Line)
	assert.Equal(t, 5, res.Vulnerabilities[0].Sink.Line)
}

func TestAnalyzeContainerModes(t *testing.T) {
	body := func() []*E {
		return []*E{
			From("flask", 1, "request"),
			Def("store", 2, nil,
				Let("d", Dict(3)),
				Assign(Index("d", "k", 4), Call("request.args.get", 4, Str("k", 4))),
				Assign(Index("d", "safe", 5), Str("constant", 5)),
				Expr(Call("cursor.execute", 6, Index("d", "safe", 6))),
			),
		}
	}

	whole := analyze(t, taint.Options{ContainerMode: config.ContainerWhole}, body()...)
	assert.Len(t, whole.Vulnerabilities, 1, "one tainted element taints the whole container")

	element := analyze(t, taint.Options{ContainerMode: config.ContainerElement}, body()...)
	assert.Empty(t, element.Vulnerabilities)
}

func TestAnalyzeSummaries(t *testing.T) {
	res := analyze(t, taint.Options{Resolver: sameFile{"run": "run"}},
		Import("os", 1),
		From("flask", 2, "request"),
		Def("run", 3, []string{"cmd"},
			Expr(Call("os.system", 4, Name("cmd", 4))),
		),
		Def("ident", 5, []string{"x"},
			Return(Name("x", 6)),
		),
		Def("handler", 7, nil,
			Let("v", Call("request.args.get", 8, Str("a", 8))),
			Expr(Call("run", 9, Name("v", 9))),
		),
	)

	assert.Empty(t, res.Vulnerabilities, "cross-function flows are left to the engine")

	run := summary(t, res, "run")
	sinksOf := run.ParamSinks(0)
	require.Len(t, sinksOf, 1)
	assert.Equal(t, sinks.CommandInjection, sinksOf[0].Sink.Type)
	assert.Equal(t, []taint.HopKind{taint.HopSink}, kinds(sinksOf[0].Hops))
	assert.False(t, run.ParamReturns(0))

	ident := summary(t, res, "ident")
	assert.True(t, ident.ParamReturns(0))
	assert.Equal(t, taint.Critical, ident.ReturnTaint)

	handler := summary(t, res, "handler")
	assert.True(t, handler.IsRoot())
	require.Len(t, handler.Local.Calls, 1)
	call := handler.Local.Calls[0]
	assert.Equal(t, "run", call.Callee)
	assert.Equal(t, 0, call.Arg)
	assert.Equal(t, 9, call.Line)
	assert.Equal(t, taint.High, call.Level)
	assert.Equal(t, []taint.HopKind{taint.HopSource}, kinds(call.Hops))
}

func TestAnalyzeSameFileReturn(t *testing.T) {
	tests := []struct {
		name   string
		helper *E
		vulns  int
	}{
		{"returns its argument", Def("clean", 2, []string{"x"}, Return(Name("x", 3))), 1},
		{"returns a constant", Def("clean", 2, []string{"x"}, Return(Str("ok", 3))), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, taint.Options{Resolver: sameFile{"clean": "clean"}},
				From("flask", 1, "request"),
				tt.helper,
				Def("view", 4, nil,
					Let("q", Call("clean", 5, Call("request.args.get", 5, Str("q", 5)))),
					Expr(Call("cursor.execute", 6, Name("q", 6))),
				),
			)
			require.Len(t, res.Vulnerabilities, tt.vulns)
			if tt.vulns == 1 {
				v := res.Vulnerabilities[0]
				assert.Equal(t, []taint.HopKind{taint.HopSource, taint.HopCall, taint.HopSink}, kinds(v.Flow))
				assert.Equal(t, "clean", v.Flow[1].Symbol)
			}
		})
	}
}

func TestAnalyzeMethods(t *testing.T) {
	res := analyze(t, taint.Options{},
		Import("subprocess", 1),
		Class("Runner", 2,
			Def("go", 3, []string{"self", "arg"},
				Expr(Call("subprocess.run", 4, Name("arg", 4))),
			),
		),
	)
	sum := summary(t, res, "Runner.go")
	assert.Equal(t, []string{"self", "arg"}, sum.Params)
	assert.Len(t, sum.ParamSinks(1), 1)
	assert.Equal(t, 1, taint.ArgOffset(sum, "r.go"))
	assert.Equal(t, 0, taint.ArgOffset(sum, "go"))
	assert.Equal(t, 1, taint.ParamIndex(sum, "arg"))
}

func TestAnalyzeModuleLevelStatements(t *testing.T) {
	res := analyze(t, taint.Options{},
		Import("os", 1),
		Let("path", Call("os.getenv", 2, Str("TARGET", 2))),
		Expr(Call("os.system", 3, Name("path", 3))),
	)
	// os.getenv yields medium taint, below the default high threshold
	assert.Empty(t, res.Vulnerabilities)
	assert.Equal(t, syntax.ModuleFunc, res.Summaries[0].Function.Name)
	assert.Len(t, res.Summaries[0].Sources, 1)
}

func TestAnalyzeDeterministic(t *testing.T) {
	build := func() *syntax.File {
		return File("app/views.py", Module(
			Import("os", 1),
			From("flask", 2, "request"),
			Def("a", 3, []string{"x", "y"},
				Let("q", Bin("+", Name("x", 4), Call("request.args.get", 4, Str("q", 4)))),
				Expr(Call("cursor.execute", 5, Name("q", 5))),
				Expr(Call("os.system", 6, Name("y", 6))),
				Return(Name("q", 7)),
			),
		))
	}
	tr := taint.NewTracker(registry, taint.Options{})
	first, err := tr.Analyze(build())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := tr.Analyze(build())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAnalyzeParseSkipped(t *testing.T) {
	tr := taint.NewTracker(registry, taint.Options{})

	f := File("broken.py", Module())
	f.Err = errors.New("unexpected indent")
	_, err := tr.Analyze(f)
	assert.ErrorIs(t, err, ir.ErrParseSkipped)

	_, err = tr.Analyze(&syntax.File{Path: "empty.py", Language: "python"})
	assert.ErrorIs(t, err, ir.ErrParseSkipped)
}
