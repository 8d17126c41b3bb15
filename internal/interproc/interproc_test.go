package interproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1homsi/taintflow/internal/graph"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/syntax"
	. "github.com/1homsi/taintflow/internal/syntax/syntaxtest"
	"github.com/1homsi/taintflow/internal/taint"
)

var registry = sinks.MustLoad(sinks.Options{})

type project struct {
	g     *graph.Graph
	cache *SummaryCache
	local []taint.Vulnerability
}

func load(t *testing.T, files ...*syntax.File) project {
	t.Helper()
	g, warnings, err := graph.Build(files, graph.BuildOptions{})
	require.NoError(t, err)
	require.Empty(t, warnings)

	tr := taint.NewTracker(registry, taint.Options{Resolver: g})
	p := project{g: g, cache: NewSummaryCache()}
	for _, f := range files {
		res, err := tr.Analyze(f)
		require.NoError(t, err)
		for _, s := range res.Summaries {
			p.cache.Store(s)
		}
		p.local = append(p.local, res.Vulnerabilities...)
	}
	return p
}

func (p project) propagate(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := New(opts).Propagate(context.Background(), p.g, p.cache)
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

// assertGrounded checks every call hop of every flow against a real call
// edge, and every source hop against a recorded source.
func assertGrounded(t *testing.T, p project, vulns []taint.Vulnerability) {
	t.Helper()
	edges := p.g.Edges()
	sources := make(map[taint.Hop]bool)
	for _, s := range p.cache.All() {
		for _, h := range s.Sources {
			sources[h] = true
		}
	}
	for _, v := range vulns {
		assert.True(t, sources[v.Flow[0]], "source hop %v not recorded", v.Flow[0])
		for _, h := range v.Flow {
			if h.Kind != taint.HopCall {
				continue
			}
			found := false
			for _, e := range edges {
				if e.Kind == graph.EdgeCall && e.File == h.File && e.Line == h.Line && e.Callee == h.Symbol {
					found = true
					break
				}
			}
			assert.True(t, found, "call hop %v has no call edge", h)
		}
	}
}

func TestPropagateCrossFile(t *testing.T) {
	p := load(t,
		File("routes.py", Module(
			From("flask", 1, "request"),
			Import("db", 2),
			Def("show", 4, nil,
				Let("uid", Call("request.args.get", 5, Str("id", 5))),
				Expr(Call("db.execute_query", 6, Name("uid", 6))),
			),
		)),
		File("db.py", Module(
			Def("execute_query", 1, []string{"user_id"},
				Expr(Call("cursor.execute", 2, Bin("+", Str("SELECT * FROM users WHERE id = ", 2), Name("user_id", 2)))),
			),
		)),
	)
	assert.Empty(t, p.local)

	res := p.propagate(t, Options{})
	require.Len(t, res.Vulnerabilities, 1)
	v := res.Vulnerabilities[0]
	assert.Equal(t, "CWE-89", v.CWE)
	assert.Equal(t, []taint.HopKind{taint.HopSource, taint.HopCall, taint.HopSink}, kinds(v.Flow))
	assert.Equal(t, "routes.py", v.Flow[0].File)
	assert.Equal(t, "routes.py", v.Flow[1].File)
	assert.Equal(t, "db.execute_query", v.Flow[1].Symbol)
	assert.Equal(t, "db.py", v.Flow[2].File)
	assert.InDelta(t, 0.9, v.Confidence, 0.05)
	assert.InDelta(t, 0.95*0.9, v.Confidence, 1e-9)

	require.Len(t, res.Roots, 1)
	assert.Equal(t, StateSinkHit, res.Roots[0].State)
	assert.Empty(t, res.Incomplete())
	assertGrounded(t, p, res.Vulnerabilities)
}

func TestPropagateTypedSanitizer(t *testing.T) {
	p := load(t,
		File("routes.py", Module(
			From("flask", 1, "request"),
			Import("db", 2),
			Import("html", 3),
			Def("show", 4, nil,
				Let("uid", Call("html.escape", 5, Call("request.args.get", 5, Str("id", 5)))),
				Expr(Call("db.run", 6, Name("uid", 6))),
			),
		)),
		File("db.py", Module(
			Def("run", 1, []string{"value"},
				Expr(Call("cursor.execute", 2, Name("value", 2))),
				Expr(Call("render_template_string", 3, Name("value", 3))),
			),
		)),
	)
	assert.Empty(t, p.local)

	res := p.propagate(t, Options{})
	require.Len(t, res.Vulnerabilities, 1, "html escaping rules out template injection only")
	v := res.Vulnerabilities[0]
	assert.Equal(t, sinks.SQLQuery, v.Type)
	assert.Equal(t, []taint.HopKind{taint.HopSource, taint.HopSanitizer, taint.HopCall, taint.HopSink}, kinds(v.Flow))
	assertGrounded(t, p, res.Vulnerabilities)
}

func TestPropagateReturnedSource(t *testing.T) {
	p := load(t,
		File("db.py", Module(
			From("flask", 1, "request"),
			Def("read", 2, nil,
				Return(Call("request.args.get", 3, Str("q", 3))),
			),
		)),
		File("routes.py", Module(
			Import("db", 1),
			Def("show", 4, nil,
				Let("q", Call("db.read", 5)),
				Expr(Call("cursor.execute", 6, Name("q", 6))),
			),
		)),
	)
	res := p.propagate(t, Options{})
	require.Len(t, res.Vulnerabilities, 1)
	v := res.Vulnerabilities[0]
	assert.Equal(t, []taint.HopKind{taint.HopSource, taint.HopAssignment, taint.HopSink}, kinds(v.Flow))
	assert.Equal(t, "db.py", v.Source.File)
	assert.Equal(t, "routes.py", v.Sink.File)
	assertGrounded(t, p, res.Vulnerabilities)
}

func TestPropagateSameFileCall(t *testing.T) {
	p := load(t, File("app.py", Module(
		From("flask", 1, "request"),
		Def("helper", 2, []string{"x"},
			Expr(Call("cursor.execute", 3, Name("x", 3))),
		),
		Def("view", 4, nil,
			Let("v", Call("request.args.get", 5, Str("v", 5))),
			Expr(Call("helper", 6, Name("v", 6))),
		),
	)))
	assert.Empty(t, p.local, "flows into another function are confirmed by the engine")

	res := p.propagate(t, Options{})
	require.Len(t, res.Vulnerabilities, 1)
	assert.InDelta(t, 0.9, res.Vulnerabilities[0].Confidence, 1e-9)
	assert.Equal(t, 6, res.Vulnerabilities[0].Flow[1].Line)
}

func TestPropagateDedup(t *testing.T) {
	p := load(t,
		File("routes.py", Module(
			From("flask", 1, "request"),
			Import("db", 2),
			Import("helpers", 3),
			Def("show", 4, nil,
				Let("uid", Call("request.args.get", 5, Str("id", 5))),
				Expr(Call("db.execute_query", 6, Name("uid", 6))),
				Expr(Call("helpers.forward", 7, Name("uid", 7))),
			),
		)),
		File("helpers.py", Module(
			Import("db", 1),
			Def("forward", 2, []string{"x"},
				Expr(Call("db.execute_query", 3, Name("x", 3))),
			),
		)),
		File("db.py", Module(
			Def("execute_query", 1, []string{"user_id"},
				Expr(Call("cursor.execute", 2, Bin("+", Str("SELECT ", 2), Name("user_id", 2)))),
			),
		)),
	)

	res := p.propagate(t, Options{})
	assert.Equal(t, 2, res.Raw)
	require.Len(t, res.Vulnerabilities, 1)
	v := res.Vulnerabilities[0]
	assert.Equal(t, 1, v.Alternates)
	assert.InDelta(t, 0.95*0.9, v.Confidence, 1e-9, "the direct path is retained")
	assert.Len(t, v.Flow, 3)
	assertGrounded(t, p, res.Vulnerabilities)
}

func chain() []*syntax.File {
	return []*syntax.File{
		File("m0.py", Module(
			From("flask", 1, "request"),
			Import("m1", 2),
			Def("start", 3, nil,
				Let("v", Call("request.args.get", 4, Str("v", 4))),
				Expr(Call("m1.f1", 5, Name("v", 5))),
			),
		)),
		File("m1.py", Module(
			Import("m2", 1),
			Def("f1", 2, []string{"x"},
				Expr(Call("cursor.execute", 3, Name("x", 3))),
				Expr(Call("m2.f2", 4, Name("x", 4))),
			),
		)),
		File("m2.py", Module(
			Import("m3", 1),
			Def("f2", 2, []string{"x"},
				Expr(Call("cursor.execute", 3, Name("x", 3))),
				Expr(Call("m3.f3", 4, Name("x", 4))),
			),
		)),
		File("m3.py", Module(
			Def("f3", 1, []string{"x"},
				Expr(Call("cursor.execute", 2, Name("x", 2))),
			),
		)),
	}
}

func TestPropagateConfidenceMonotonic(t *testing.T) {
	p := load(t, chain()...)
	res := p.propagate(t, Options{})
	require.Len(t, res.Vulnerabilities, 3)

	prev := 1.0
	for depth, v := range res.Vulnerabilities { // sorted by sink file: m1, m2, m3
		calls := 0
		for _, h := range v.Flow {
			if h.Kind == taint.HopCall {
				calls++
			}
		}
		assert.Equal(t, depth+1, calls)
		assert.Less(t, v.Confidence, prev, "confidence must fall with depth")
		prev = v.Confidence
	}
	assertGrounded(t, p, res.Vulnerabilities)
}

func TestPropagateMaxDepth(t *testing.T) {
	p := load(t, chain()...)
	res := p.propagate(t, Options{MaxDepth: 2})
	assert.Len(t, res.Vulnerabilities, 2)
	require.Len(t, res.Roots, 1)
	assert.True(t, res.Roots[0].DepthLimited)
	assert.Equal(t, StateSinkHit, res.Roots[0].State)
}

func TestPropagateCycleTerminates(t *testing.T) {
	p := load(t,
		File("a.py", Module(
			From("flask", 1, "request"),
			Import("b", 2),
			Def("ping", 3, []string{"x"},
				Return(Call("b.pong", 4, Name("x", 4))),
			),
			Def("start", 5, nil,
				Let("v", Call("request.args.get", 6, Str("v", 6))),
				Expr(Call("ping", 7, Name("v", 7))),
			),
		)),
		File("b.py", Module(
			Import("a", 1),
			Def("pong", 2, []string{"y"},
				Return(Call("a.ping", 3, Name("y", 3))),
			),
		)),
	)
	require.Len(t, p.g.SCCs(), 1)

	done := make(chan *Result, 1)
	go func() {
		res, err := New(Options{MaxDepth: 1000, RootTimeout: 5 * time.Second}).Propagate(context.Background(), p.g, p.cache)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Empty(t, res.Vulnerabilities)
		for _, rr := range res.Roots {
			assert.Equal(t, StateExhausted, rr.State)
			assert.False(t, rr.DepthLimited)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("propagation did not terminate")
	}
}

func TestPropagateTimeoutBeforeFirstItem(t *testing.T) {
	p := load(t, chain()...)
	res, err := New(Options{RootTimeout: time.Nanosecond}).Propagate(context.Background(), p.g, p.cache)
	require.NoError(t, err)
	require.Len(t, res.Roots, 1)
	assert.Equal(t, StateTimedOut, res.Roots[0].State)
	assert.Len(t, res.Incomplete(), 1)
}

func TestPropagateTimeoutKeepsPartialResult(t *testing.T) {
	p := load(t,
		File("routes.py", Module(
			From("flask", 1, "request"),
			Import("db", 2),
			Def("show", 4, nil,
				Let("uid", Call("request.args.get", 5, Str("id", 5))),
				Expr(Call("db.execute_query", 6, Name("uid", 6))),
				Expr(Call("db.audit", 7, Name("uid", 7))),
			),
		)),
		File("db.py", Module(
			Def("execute_query", 1, []string{"user_id"},
				Expr(Call("cursor.execute", 2, Name("user_id", 2))),
			),
			Def("audit", 4, []string{"user_id"},
				Expr(Call("log", 5, Name("user_id", 5))),
			),
		)),
	)

	e := New(Options{RootTimeout: 200 * time.Millisecond})
	e.afterItem = func(findings int) {
		if findings > 0 {
			// outlive the budget once the first sink is confirmed
			time.Sleep(300 * time.Millisecond)
		}
	}
	res, err := e.Propagate(context.Background(), p.g, p.cache)
	require.NoError(t, err)
	require.Len(t, res.Roots, 1)
	rr := res.Roots[0]
	assert.Equal(t, StateTimedOut, rr.State)
	assert.True(t, rr.Incomplete())
	assert.Equal(t, 1, rr.Findings)
	require.Len(t, res.Vulnerabilities, 1, "findings confirmed before the timeout are kept")
	assert.Equal(t, "CWE-89", res.Vulnerabilities[0].CWE)
}

func TestPropagateCancelled(t *testing.T) {
	p := load(t, chain()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Propagate(ctx, p.g, p.cache)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPropagateDeterministic(t *testing.T) {
	p := load(t, append(chain(),
		File("routes.py", Module(
			From("flask", 1, "request"),
			Import("m1", 2),
			Import("m2", 3),
			Def("a", 4, nil,
				Let("v", Call("request.form.get", 5, Str("v", 5))),
				Expr(Call("m1.f1", 6, Name("v", 6))),
				Expr(Call("m2.f2", 7, Name("v", 7))),
			),
		)),
	)...)

	first, err := json.Marshal(p.propagate(t, Options{Workers: 4}))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := json.Marshal(p.propagate(t, Options{Workers: 4}))
		require.NoError(t, err)
		require.JSONEq(t, string(first), string(again))
		require.Equal(t, first, again)
	}
}

func TestRootsFallBackToEntryPoints(t *testing.T) {
	p := load(t, File("lib.py", Module(
		Def("outer", 1, []string{"x"}, Expr(Call("inner", 2, Name("x", 2)))),
		Def("inner", 3, []string{"x"}),
	)))
	roots := Roots(p.g, p.cache)
	require.Len(t, roots, 1)
	assert.Equal(t, ir.FunctionID("python", "lib", "outer"), roots[0])

	res := p.propagate(t, Options{})
	assert.Empty(t, res.Vulnerabilities)
	assert.Equal(t, StateExhausted, res.Roots[0].State)
}
