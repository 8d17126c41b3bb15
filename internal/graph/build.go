package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/syntax"
)

// BuildOptions carries the resolution confidences.
type BuildOptions struct {
	ImportConfidence config.ImportConfidence
	CallConfidence   config.CallConfidence
}

// OptionsFromConfig extracts the build options of a run configuration.
func OptionsFromConfig(cfg config.Config) BuildOptions {
	return BuildOptions{ImportConfidence: cfg.ImportConfidence, CallConfidence: cfg.CallConfidence}
}

// import binding resolved against the project
type target struct {
	module string
	symbol string // "" when the binding names the module itself
	conf   float64
}

type fileInfo struct {
	f         *syntax.File
	id        ir.CanonicalID
	funcs     []syntax.FuncDecl
	scope     *syntax.Scope
	targets   map[string]target // by binding local name
	wildcards []target
}

type builder struct {
	opts    BuildOptions
	g       *Graph
	edges   []Edge
	modules map[string]map[string]bool // language -> module paths
	err     error
}

// Build registers every file, function and class, then resolves imports
// and calls. Files without a usable tree are skipped with a warning. The
// only error is an invariant violation.
func Build(files []*syntax.File, opts BuildOptions) (*Graph, []Warning, error) {
	log := logging.Named("graph")
	if opts.ImportConfidence == (config.ImportConfidence{}) {
		opts.ImportConfidence = config.Default().ImportConfidence
	}
	if opts.CallConfidence == (config.CallConfidence{}) {
		opts.CallConfidence = config.Default().CallConfidence
	}

	b := &builder{opts: opts, g: newGraph(), modules: make(map[string]map[string]bool)}

	sorted := append([]*syntax.File(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var (
		warnings []Warning
		infos    []*fileInfo
	)
	for _, f := range sorted {
		if f == nil {
			continue
		}
		if f.Err != nil || f.Root == nil || f.Root.Kind() != syntax.Module {
			cause := f.Err
			if cause == nil {
				cause = fmt.Errorf("no module tree")
			}
			log.Warn("skipping file", "file", f.Path, "error", cause)
			warnings = append(warnings, Warning{File: f.Path, Err: fmt.Errorf("%w: %v", ir.ErrParseSkipped, cause)})
			continue
		}
		if f.Module == "" {
			f.Module = ir.ModulePathFor(f.Language, f.Path)
		}
		infos = append(infos, b.register(f))
	}

	for _, fi := range infos {
		b.resolveImports(fi)
	}
	for _, fi := range infos {
		b.resolveCalls(fi)
	}
	if b.err != nil {
		return nil, warnings, b.err
	}

	b.g.seal(b.edges)
	st := b.g.Stats()
	log.Debug("graph built", "files", st.Files, "functions", st.Functions,
		"imports", st.ImportEdges, "calls", st.CallEdges, "unresolved", st.UnresolvedEdges)
	return b.g, warnings, nil
}

func (b *builder) addEdge(e Edge) {
	e, err := newEdge(e)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return
	}
	b.edges = append(b.edges, e)
}

func (b *builder) register(f *syntax.File) *fileInfo {
	fi := &fileInfo{
		f:       f,
		id:      ir.FileID(f.Language, f.Module),
		funcs:   syntax.Functions(f.Root),
		targets: make(map[string]target),
	}
	b.g.addNode(Node{ID: fi.id, Kind: ir.KindFile, File: f.Path, Line: 1})
	for _, d := range fi.funcs {
		b.g.addNode(Node{ID: ir.FunctionID(f.Language, f.Module, d.Name), Kind: ir.KindFunction, File: f.Path, Line: d.Line})
	}
	for _, c := range syntax.Classes(f.Root) {
		b.g.addNode(Node{ID: ir.ClassID(f.Language, f.Module, c.Name), Kind: ir.KindClass, File: f.Path, Line: c.Line})
	}
	if b.modules[f.Language] == nil {
		b.modules[f.Language] = make(map[string]bool)
	}
	b.modules[f.Language][f.Module] = true
	return fi
}

func (b *builder) hasFunc(lang, module, name string) bool {
	return b.g.nodes[ir.FunctionID(lang, module, name)] != nil
}

func (b *builder) hasClass(lang, module, name string) bool {
	return b.g.nodes[ir.ClassID(lang, module, name)] != nil
}

func (b *builder) resolveImports(fi *fileInfo) {
	f := fi.f
	bindings := syntax.Imports(f.Root)
	fi.scope = syntax.NewScope(bindings)
	ic := b.opts.ImportConfidence

	for _, bd := range bindings {
		conf := ic.Exact
		if bd.Wildcard {
			conf = ic.Wildcard
		}
		mod, ok := b.resolveModule(f, bd.Spec)
		t := target{module: mod, conf: conf}

		switch {
		case bd.Wildcard:
		case bd.Name != "":
			// "from pkg import db" may name a submodule
			if sub, found := b.submodule(f, bd.Spec, bd.Name); found {
				mod, ok = sub, true
				t = target{module: sub, conf: conf}
			} else {
				t.symbol = bd.Name
			}
		}

		if !ok {
			b.addEdge(Edge{
				Source: fi.id,
				Target: ir.ModuleID(f.Language, bd.Spec),
				Kind:   EdgeUnresolved,
				File:   f.Path,
				Line:   bd.Line,
			})
			continue
		}
		if bd.Wildcard && bd.Local == "" {
			fi.wildcards = append(fi.wildcards, t)
		} else {
			fi.targets[bd.Local] = t
		}
		b.addEdge(Edge{
			Source:     fi.id,
			Target:     ir.FileID(f.Language, mod),
			Kind:       EdgeImport,
			Confidence: conf,
			File:       f.Path,
			Line:       bd.Line,
		})
	}
}

// resolveModule maps an import spec to a project module path.
func (b *builder) resolveModule(f *syntax.File, spec string) (string, bool) {
	mods := b.modules[f.Language]
	if len(mods) == 0 || spec == "" {
		return "", false
	}
	switch f.Language {
	case "go":
		// the longest project package the import path ends with
		best := ""
		for m := range mods {
			if m == "." {
				continue
			}
			if (spec == m || strings.HasSuffix(spec, "/"+m)) && len(m) > len(best) {
				best = m
			}
		}
		return best, best != ""
	case "javascript", "typescript":
		if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
			return "", false
		}
		p := path.Join(path.Dir(f.Path), spec)
		if strings.HasPrefix(p, "../") {
			return "", false
		}
		cand := ir.ModulePathFor(f.Language, p+path.Ext(f.Path))
		if ext := path.Ext(spec); ext != "" {
			cand = ir.ModulePathFor(f.Language, p)
		}
		if mods[cand] {
			return cand, true
		}
		return "", false
	}

	cand, ok := pythonModule(f, spec)
	if !ok {
		return "", false
	}
	if mods[cand] {
		return cand, true
	}
	if strings.HasPrefix(spec, ".") {
		return "", false
	}
	// absolute imports may be rooted below the scanned directory
	var found []string
	for m := range mods {
		if strings.HasSuffix(m, "/"+cand) {
			found = append(found, m)
		}
	}
	if len(found) == 1 {
		return found[0], true
	}
	return "", false
}

// pythonModule turns a dotted spec into a module path, resolving leading
// dots against the importing file's package.
func pythonModule(f *syntax.File, spec string) (string, bool) {
	dots := len(spec) - len(strings.TrimLeft(spec, "."))
	rest := strings.ReplaceAll(spec[dots:], ".", "/")
	if dots == 0 {
		return rest, rest != ""
	}
	pkg := f.Module
	if strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path)) != "__init__" {
		pkg = path.Dir(f.Module)
	}
	for i := 1; i < dots; i++ {
		if pkg == "." || pkg == "" {
			return "", false
		}
		pkg = path.Dir(pkg)
	}
	return path.Join(pkg, rest), true
}

func (b *builder) submodule(f *syntax.File, spec, name string) (string, bool) {
	switch f.Language {
	case "go", "javascript", "typescript":
		return "", false
	}
	joined := spec + "." + name
	if strings.HasSuffix(spec, ".") {
		joined = spec + name
	}
	return b.resolveModule(f, joined)
}

func (b *builder) resolveCalls(fi *fileInfo) {
	f := fi.f
	for _, d := range fi.funcs {
		fn := ir.FunctionID(f.Language, f.Module, d.Name)
		if d.Body == nil {
			continue
		}
		syntax.Walk(d.Body, func(n syntax.Node) bool {
			switch n.Kind() {
			case syntax.Function, syntax.Class:
				return false
			case syntax.Call:
			default:
				return true
			}
			callee := n.Text()
			e := Edge{Source: fn, File: f.Path, Line: n.Line(), Callee: callee, Kind: EdgeUnresolved}
			if to, conf, ok := b.resolveCall(fi, d, callee); ok {
				e.Target, e.Confidence, e.Kind = to, conf, EdgeCall
			} else {
				e.Target = ir.CallSiteID(fn, n.Line(), callee)
			}
			b.addEdge(e)
			return true
		})
	}
}

var selfNames = map[string]bool{"self": true, "cls": true, "this": true}

// resolveCall binds a call to a project function.
func (b *builder) resolveCall(fi *fileInfo, d syntax.FuncDecl, callee string) (ir.CanonicalID, float64, bool) {
	f := fi.f
	lang, mod := f.Language, f.Module
	cc := b.opts.CallConfidence
	fn := func(module, name string) ir.CanonicalID { return ir.FunctionID(lang, module, name) }

	head, rest, dotted := strings.Cut(callee, ".")
	if !dotted {
		switch {
		case b.hasFunc(lang, mod, callee):
			return fn(mod, callee), 1.0, true
		case b.hasClass(lang, mod, callee) && b.hasFunc(lang, mod, callee+".__init__"):
			return fn(mod, callee+".__init__"), 1.0, true
		}
	}

	// receiver method inside the same class
	if dotted && d.Class != "" && !strings.Contains(rest, ".") &&
		(selfNames[head] || head == d.Node.Attr("recvname")) && b.hasFunc(lang, mod, d.Class+"."+rest) {
		return fn(mod, d.Class+"."+rest), 1.0, true
	}

	// static call through a class of this module
	if dotted && b.hasClass(lang, mod, head) && b.hasFunc(lang, mod, callee) {
		return fn(mod, callee), 1.0, true
	}

	if bd, member, ok := fi.scope.Lookup(callee); ok {
		if t, bound := fi.targets[bd.Local]; bound {
			name := member
			if t.symbol != "" {
				name = t.symbol
				if member != "" {
					name += "." + member
				}
			}
			if id, conf, found := b.member(lang, t, name); found {
				return id, conf, true
			}
		}
	}

	if !dotted {
		for _, t := range fi.wildcards {
			if b.hasFunc(lang, t.module, callee) {
				return fn(t.module, callee), t.conf * cc.Direct, true
			}
		}
	}
	return ir.CanonicalID{}, 0, false
}

// member resolves name inside an imported module: a function, a class
// method, or a class constructor.
func (b *builder) member(lang string, t target, name string) (ir.CanonicalID, float64, bool) {
	cc := b.opts.CallConfidence
	if name == "" {
		return ir.CanonicalID{}, 0, false
	}
	if b.hasFunc(lang, t.module, name) {
		conf := cc.Direct
		if strings.Contains(name, ".") {
			conf = cc.Method
		}
		return ir.FunctionID(lang, t.module, name), t.conf * conf, true
	}
	if b.hasClass(lang, t.module, name) && b.hasFunc(lang, t.module, name+".__init__") {
		return ir.FunctionID(lang, t.module, name+".__init__"), t.conf * cc.Method, true
	}
	return ir.CanonicalID{}, 0, false
}
