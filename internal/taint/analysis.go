package taint

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/sinks"
	"github.com/1homsi/taintflow/internal/syntax"
)

// Resolver binds call sites to project functions. The dependency graph
// implements it.
type Resolver interface {
	// Targets returns the functions a call of callee at line inside fn
	// resolves to. Unresolved calls return nothing.
	Targets(fn ir.CanonicalID, line int, callee string) []ir.CanonicalID
	// TopoOrder orders ids so callees precede their callers.
	TopoOrder(ids []ir.CanonicalID) []ir.CanonicalID
}

// Options tunes a Tracker.
type Options struct {
	ContainerMode string // config.ContainerWhole or config.ContainerElement
	Resolver      Resolver
}

// Tracker is the intra-file taint abstract interpreter. It holds no state
// between files and is safe for concurrent use.
type Tracker struct {
	reg  *sinks.Registry
	opts Options
	log  hclog.Logger
}

func NewTracker(reg *sinks.Registry, opts Options) *Tracker {
	if opts.ContainerMode == "" {
		opts.ContainerMode = config.ContainerWhole
	}
	return &Tracker{reg: reg, opts: opts, log: logging.Named("taint")}
}

// FileResult is the outcome of analysing one file.
type FileResult struct {
	File            string
	Vulnerabilities []Vulnerability
	Summaries       []*Summary
}

// Analyze runs one forward pass over every function of f. Vulnerabilities
// found inside a single function are returned directly; everything that
// crosses a function boundary is recorded in the summaries.
func (t *Tracker) Analyze(f *syntax.File) (*FileResult, error) {
	if f == nil || f.Err != nil || f.Root == nil || f.Root.Kind() != syntax.Module {
		path := ""
		if f != nil {
			path = f.Path
		}
		return nil, fmt.Errorf("%s: %w", path, ir.ErrParseSkipped)
	}

	decls := syntax.Functions(f.Root)
	byID := make(map[ir.CanonicalID]syntax.FuncDecl, len(decls))
	ids := make([]ir.CanonicalID, 0, len(decls))
	for _, d := range decls {
		id := ir.FunctionID(f.Language, f.Module, d.Name)
		byID[id] = d
		ids = append(ids, id)
	}
	if t.opts.Resolver != nil {
		ids = t.opts.Resolver.TopoOrder(ids)
	}

	fa := &fileAnalysis{
		t:        t,
		file:     f,
		scope:    syntax.NewScope(syntax.Imports(f.Root)),
		declared: byID,
		done:     make(map[ir.CanonicalID]*Summary, len(ids)),
		seen:     make(map[string]bool),
	}
	for _, id := range ids {
		d := byID[id]
		fa.analyzeFunction(id, d)
	}

	res := &FileResult{File: f.Path, Vulnerabilities: fa.vulns}
	for _, d := range decls {
		res.Summaries = append(res.Summaries, fa.done[ir.FunctionID(f.Language, f.Module, d.Name)])
	}
	Sort(res.Vulnerabilities)
	t.log.Debug("file analysed", "file", f.Path, "functions", len(decls), "vulnerabilities", len(res.Vulnerabilities))
	return res, nil
}

type fileAnalysis struct {
	t        *Tracker
	file     *syntax.File
	scope    *syntax.Scope
	declared map[ir.CanonicalID]syntax.FuncDecl
	done     map[ir.CanonicalID]*Summary
	vulns    []Vulnerability
	seen     map[string]bool // exact duplicates from re-evaluated loop bodies
}

// env maps local bindings to the taint reaching them.
type env map[string]Set

func (e env) clone() env {
	out := make(env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func joinEnv(a, b env) env {
	out := a.clone()
	for k, v := range b {
		out[k] = Join(out[k], v)
	}
	return out
}

type fnAnalysis struct {
	*fileAnalysis
	fn  ir.CanonicalID
	sum *Summary
}

func (fa *fileAnalysis) analyzeFunction(id ir.CanonicalID, d syntax.FuncDecl) {
	sum := NewSummary(id, fa.file.Path, d.Line, d.Params)
	a := &fnAnalysis{fileAnalysis: fa, fn: id, sum: sum}

	e := make(env)
	for i, p := range d.Params {
		e[p] = Single(ParamOrigin(i), Value{Level: Critical})
	}
	if d.Body != nil {
		a.block(d.Body, e)
	}
	sum.normalize()
	fa.done[id] = sum
}

func (a *fnAnalysis) hop(line int, symbol string, kind HopKind) Hop {
	return Hop{File: a.file.Path, Line: line, Symbol: symbol, Kind: kind}
}

func (a *fnAnalysis) block(n syntax.Node, e env) env {
	for _, s := range n.Children() {
		e = a.stmt(s, e)
	}
	return e
}

func (a *fnAnalysis) stmt(n syntax.Node, e env) env {
	switch n.Kind() {
	case syntax.Function, syntax.Class, syntax.Import:
		// analysed separately or binding-only
		return e
	case syntax.Block:
		return a.block(n, e)
	case syntax.Assign:
		value := a.eval(syntax.Child(n, 1), e)
		a.assign(syntax.Child(n, 0), value, n.Attr("op"), n.Line(), e)
		return e
	case syntax.Return:
		if v := syntax.Child(n, 0); v != nil {
			a.ret(a.eval(v, e))
		}
		return e
	case syntax.If:
		a.eval(syntax.Child(n, 0), e)
		then := a.block(orEmpty(syntax.Child(n, 1)), e.clone())
		els := e.clone()
		if alt := syntax.Child(n, 2); alt != nil {
			els = a.stmt(alt, els)
		}
		return joinEnv(then, els)
	case syntax.For:
		iter := a.eval(syntax.Child(n, 1), e)
		body := orEmpty(syntax.Child(n, 2))
		return a.loop(body, e, func(le env) {
			a.assign(syntax.Child(n, 0), iter, "=", n.Line(), le)
		})
	case syntax.While:
		a.eval(syntax.Child(n, 0), e)
		return a.loop(orEmpty(syntax.Child(n, 1)), e, nil)
	case syntax.With:
		for _, c := range n.Children() {
			e = a.stmt(c, e)
		}
		return e
	case syntax.Try:
		kids := n.Children()
		if len(kids) == 0 {
			return e
		}
		e = a.stmt(kids[0], e)
		out := e
		for _, k := range kids[1:] {
			out = joinEnv(out, a.stmt(k, e.clone()))
		}
		return out
	case syntax.ExprStmt:
		for _, c := range n.Children() {
			a.eval(c, e)
		}
		return e
	default:
		// bare expression used as a statement
		a.eval(n, e)
		return e
	}
}

// loop evaluates body twice so values carried around the back edge are seen.
func (a *fnAnalysis) loop(body syntax.Node, e env, bind func(env)) env {
	cur := e
	for i := 0; i < 2; i++ {
		le := cur.clone()
		if bind != nil {
			bind(le)
		}
		cur = joinEnv(cur, a.block(body, le))
	}
	return cur
}

func orEmpty(n syntax.Node) syntax.Node {
	if n == nil {
		return syntax.N(syntax.Block, "")
	}
	return n
}

func (a *fnAnalysis) assign(target syntax.Node, value Set, op string, line int, e env) {
	if target == nil {
		return
	}
	switch target.Kind() {
	case syntax.Name, syntax.Attribute:
		key := target.Text()
		v := value
		if op != "" && op != "=" && op != ":=" {
			v = Join(e[key], value)
		}
		if len(v) == 0 {
			delete(e, key)
			return
		}
		e[key] = v.With(a.hop(line, key, HopAssignment))
	case syntax.Subscript:
		obj := syntax.Child(target, 0)
		if obj == nil {
			return
		}
		if a.t.opts.ContainerMode == config.ContainerElement {
			if len(value) == 0 {
				delete(e, target.Text())
			} else {
				e[target.Text()] = value.With(a.hop(line, target.Text(), HopAssignment))
			}
			return
		}
		// the whole container absorbs the element
		key := obj.Text()
		if joined := Join(e[key], value); len(joined) > 0 {
			e[key] = joined.With(a.hop(line, key, HopAssignment))
		}
	case syntax.Container:
		for _, c := range target.Children() {
			a.assign(c, value, op, line, e)
		}
	}
}

func (a *fnAnalysis) ret(v Set) {
	for _, o := range v.Origins() {
		a.sum.addReturn(o, v[o])
	}
	a.sum.ReturnTaint = Max(a.sum.ReturnTaint, v.Level())
}

var nonPropagatingOps = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"in": true, "not in": true, "is": true, "is not": true, "===": true, "!==": true,
	"instanceof": true,
}

func (a *fnAnalysis) eval(n syntax.Node, e env) Set {
	if n == nil {
		return nil
	}
	switch n.Kind() {
	case syntax.Literal, syntax.Lambda, syntax.Function, syntax.Class:
		return nil
	case syntax.Name:
		if s := a.source(n, syntax.Name); s != nil {
			return s
		}
		return e[n.Text()]
	case syntax.Attribute:
		if s := a.source(n, syntax.Attribute); s != nil {
			return s
		}
		if v, ok := e[n.Text()]; ok {
			return v
		}
		return a.eval(syntax.Child(n, 0), e)
	case syntax.Subscript:
		if a.t.opts.ContainerMode == config.ContainerElement {
			if v, ok := e[n.Text()]; ok {
				a.eval(syntax.Child(n, 1), e)
				return v
			}
		}
		a.eval(syntax.Child(n, 1), e)
		return a.eval(syntax.Child(n, 0), e)
	case syntax.Call:
		return a.call(n, e)
	case syntax.Format:
		var parts []Set
		for _, c := range n.Children() {
			parts = append(parts, a.eval(c, e))
		}
		return Join(parts...).With(a.hop(n.Line(), "format", HopAssignment))
	case syntax.Binary:
		l := a.eval(syntax.Child(n, 0), e)
		r := a.eval(syntax.Child(n, 1), e)
		if nonPropagatingOps[n.Text()] {
			return nil
		}
		return Join(l, r).With(a.hop(n.Line(), n.Text(), HopAssignment))
	case syntax.Unary:
		v := a.eval(syntax.Child(n, 0), e)
		if n.Text() == "not" || n.Text() == "!" {
			return nil
		}
		return v
	case syntax.Ternary:
		a.eval(syntax.Child(n, 1), e)
		return Join(a.eval(syntax.Child(n, 0), e), a.eval(syntax.Child(n, 2), e))
	case syntax.Assign:
		// assignment expressions (walrus, chained assignment in C-like trees)
		v := a.eval(syntax.Child(n, 1), e)
		a.assign(syntax.Child(n, 0), v, n.Attr("op"), n.Line(), e)
		return v
	}
	var parts []Set
	for _, c := range n.Children() {
		parts = append(parts, a.eval(c, e))
	}
	return Join(parts...)
}

// source returns a fresh source value when n matches a source definition.
func (a *fnAnalysis) source(n syntax.Node, kind syntax.Kind) Set {
	text := n.Text()
	if !syntax.Dotted(text) && kind != syntax.Name {
		return nil
	}
	def := a.t.reg.MatchSource(a.file.Language, sinks.SourceAttribute, text, a.scope.Qualify(text))
	if def == nil {
		return nil
	}
	h := a.hop(n.Line(), text, HopSource)
	a.addSource(h)
	return Single(Local(), Value{Level: MustLevel(def.Level), Provenance: []Hop{h}})
}

func (a *fnAnalysis) addSource(h Hop) {
	for _, s := range a.sum.Sources {
		if s == h {
			return
		}
	}
	a.sum.Sources = append(a.sum.Sources, h)
}

func (a *fnAnalysis) call(n syntax.Node, e env) Set {
	callee := n.Text()
	qualified := callee
	if syntax.Dotted(callee) {
		qualified = a.scope.Qualify(callee)
	}
	line := n.Line()
	site := ir.CallSiteID(a.fn, line, callee)

	args, kw := syntax.CallArgs(n)
	argSets := make([]Set, len(args))
	for i, arg := range args {
		argSets[i] = a.eval(arg, e)
	}
	kwNames := sortedKeys(kw)
	kwSets := make(map[string]Set, len(kw))
	for _, k := range kwNames {
		kwSets[k] = a.eval(kw[k], e)
	}

	if src := a.callSource(n, callee, qualified); src != nil {
		return src
	}

	lang := a.file.Language
	if san := a.t.reg.Sanitizer(lang, callee, qualified); san != nil {
		a.t.log.Trace("sanitized", "file", a.file.Path, "line", line, "callee", callee, "clears", san.Clears)
		if len(san.Clears) == 0 {
			return nil
		}
		parts := append([]Set(nil), argSets...)
		for _, k := range kwNames {
			parts = append(parts, kwSets[k])
		}
		return Join(parts...).Sanitize(a.hop(line, callee, HopSanitizer), san.Clears)
	}

	receiver := a.receiver(n, e)

	if m := a.t.reg.Match(sinks.CallSite{
		Language:  lang,
		Callee:    callee,
		Qualified: qualified,
		Text:      n.Attr("src"),
		Args:      args,
		Keywords:  kw,
		File:      a.file.Path,
		Line:      line,
		Qualify:   a.scope.Qualify,
	}); m != nil {
		ref := SinkRef{
			ID:         m.SinkID,
			Type:       m.Type,
			CWE:        m.CWE,
			Confidence: m.Confidence,
			Threshold:  MustLevel(m.Threshold),
			Site:       site,
		}
		for i, s := range argSets {
			if m.Checks(i) {
				a.sink(ref, s, line, callee)
			}
		}
		if len(m.Args) == 0 {
			for _, k := range kwNames {
				a.sink(ref, kwSets[k], line, callee)
			}
		}
	}

	var targets []ir.CanonicalID
	if a.t.opts.Resolver != nil {
		targets = a.t.opts.Resolver.Targets(a.fn, line, callee)
	}
	if len(targets) == 0 {
		// unknown callee: assume it does not clean its inputs
		parts := append([]Set{receiver}, argSets...)
		for _, k := range kwNames {
			parts = append(parts, kwSets[k])
		}
		return Join(parts...).With(a.hop(line, callee, HopAssignment))
	}

	for i, s := range argSets {
		a.handOff(s, site, callee, line, i, "")
	}
	for _, k := range kwNames {
		a.handOff(kwSets[k], site, callee, line, -1, k)
	}

	result := Single(CallOrigin(site), Value{Level: Critical})
	for _, tgt := range targets {
		result = Join(result, a.sameFileReturn(tgt, argSets, kwNames, kwSets, line, callee))
	}
	return result
}

// callSource matches call-kind sources against the callee.
func (a *fnAnalysis) callSource(n syntax.Node, callee, qualified string) Set {
	def := a.t.reg.MatchSource(a.file.Language, sinks.SourceCall, callee, qualified)
	if def == nil {
		return nil
	}
	h := a.hop(n.Line(), callee, HopSource)
	a.addSource(h)
	return Single(Local(), Value{Level: MustLevel(def.Level), Provenance: []Hop{h}})
}

// receiver evaluates the object of a method call, skipping imported
// module names.
func (a *fnAnalysis) receiver(n syntax.Node, e env) Set {
	c := syntax.Child(n, 0)
	if c == nil || c.Kind() != syntax.Attribute {
		return nil
	}
	obj := syntax.Child(c, 0)
	if obj == nil {
		return nil
	}
	if obj.Kind() == syntax.Name {
		if _, _, imported := a.scope.Lookup(obj.Text()); imported {
			if _, local := e[obj.Text()]; !local {
				return nil
			}
		}
	}
	return a.eval(obj, e)
}

// sameFileReturn applies the summary of an already analysed callee in the
// same file: only arguments proven to reach its return flow back.
func (a *fnAnalysis) sameFileReturn(tgt ir.CanonicalID, args []Set, kwNames []string, kw map[string]Set, line int, callee string) Set {
	if _, ok := a.declared[tgt]; !ok {
		return nil
	}
	sum := a.done[tgt]
	if sum == nil {
		// same SCC, not summarised yet: pass arguments through
		parts := append([]Set(nil), args...)
		for _, k := range kwNames {
			parts = append(parts, kw[k])
		}
		return Join(parts...).With(a.hop(line, callee, HopAssignment))
	}
	off := ArgOffset(sum, callee)
	var parts []Set
	for i, s := range args {
		if r := sum.ParamReturn(i + off); r != nil {
			parts = append(parts, s.Clear(r.Cleared))
		}
	}
	for _, name := range kwNames {
		if i := indexOf(sum.Params, name); i >= 0 {
			if r := sum.ParamReturn(i); r != nil {
				parts = append(parts, kw[name].Clear(r.Cleared))
			}
		}
	}
	return Join(parts...).With(a.hop(line, callee, HopCall))
}

func (a *fnAnalysis) sink(ref SinkRef, s Set, line int, callee string) {
	if len(s) == 0 {
		return
	}
	h := a.hop(line, callee, HopSink)
	for _, o := range s.Origins() {
		if s[o].Clears(ref.Type) {
			continue
		}
		v := s[o].With(h)
		if o.Kind != OriginLocal {
			a.sum.addSink(o, v, ref)
			continue
		}
		if v.Level < ref.Threshold {
			continue
		}
		vuln, err := NewVulnerability(ref, v.Level, v.Provenance, RootID(a.fn, v.Provenance[0]), ref.Confidence)
		if err != nil {
			a.t.log.Error("dropping malformed flow", "file", a.file.Path, "line", line, "error", err)
			continue
		}
		key := fmt.Sprintf("%v|%s", vuln.Key, FormatFlow(vuln.Flow))
		if a.seen[key] {
			continue
		}
		a.seen[key] = true
		a.vulns = append(a.vulns, vuln)
	}
}

// handOff records taint passed to a project call.
func (a *fnAnalysis) handOff(s Set, site ir.CanonicalID, callee string, line, arg int, keyword string) {
	for _, o := range s.Origins() {
		a.sum.addCall(o, s[o], site, callee, line, arg, keyword)
	}
}

// ArgOffset is the number of leading parameters a call does not pass
// explicitly: the receiver of a method invoked through an attribute.
func ArgOffset(callee *Summary, call string) int {
	if len(callee.Params) == 0 || !strings.Contains(call, ".") {
		return 0
	}
	switch callee.Params[0] {
	case "self", "cls":
		return 1
	}
	return 0
}

// ParamIndex returns the parameter a keyword argument binds to, or -1.
func ParamIndex(callee *Summary, keyword string) int {
	return indexOf(callee.Params, keyword)
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]syntax.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
