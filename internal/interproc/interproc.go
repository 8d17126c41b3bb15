// Package interproc propagates taint across function and file boundaries.
// It walks the dependency graph from every root function, splicing the
// per-function summaries computed by the taint tracker into complete
// source-to-sink flows.
package interproc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/1homsi/taintflow/internal/config"
	"github.com/1homsi/taintflow/internal/graph"
	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
	"github.com/1homsi/taintflow/internal/taint"
)

// Options bounds the traversal.
type Options struct {
	MaxDepth    int
	Decay       float64
	RootTimeout time.Duration
	Workers     int
}

// DefaultOptions returns the default traversal bounds.
func DefaultOptions() Options { return OptionsFromConfig(config.Default()) }

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxDepth:    cfg.MaxDepth,
		Decay:       cfg.DecayFactor,
		RootTimeout: cfg.RootTimeout,
		Workers:     cfg.Workers,
	}
}

// RootState is where a root's traversal ended.
type RootState string

const (
	StateSeeded     RootState = "seeded"
	StateTraversing RootState = "traversing"
	StateSinkHit    RootState = "sink_hit"
	StateExhausted  RootState = "exhausted"
	StateTimedOut   RootState = "timed_out"
)

// RootResult reports one root's traversal.
type RootResult struct {
	Root         ir.CanonicalID `json:"root"`
	State        RootState      `json:"state"`
	Findings     int            `json:"findings"`
	Visited      int            `json:"visited"`
	Unresolved   int            `json:"unresolved"`
	DepthLimited bool           `json:"depth_limited"`
	Elapsed      time.Duration  `json:"-"`
}

// Incomplete reports whether the root ran out of time.
func (r RootResult) Incomplete() bool { return r.State == StateTimedOut }

// Result is the outcome of one propagation.
type Result struct {
	Vulnerabilities []taint.Vulnerability `json:"vulnerabilities"`
	Roots           []RootResult          `json:"roots"`
	Raw             int                   `json:"raw_findings"`
}

// Incomplete returns the roots whose traversal timed out.
func (r *Result) Incomplete() []RootResult {
	var out []RootResult
	for _, rr := range r.Roots {
		if rr.Incomplete() {
			out = append(out, rr)
		}
	}
	return out
}

// Engine runs the cross-file propagation.
type Engine struct {
	opts Options
	log  hclog.Logger

	// afterItem, when set, runs after each work item with the findings
	// confirmed so far for the root.
	afterItem func(findings int)
}

func New(opts Options) *Engine {
	def := DefaultOptions()
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.Decay <= 0 || opts.Decay > 1 {
		opts.Decay = def.Decay
	}
	if opts.RootTimeout <= 0 {
		opts.RootTimeout = def.RootTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	return &Engine{opts: opts, log: logging.Named("interproc")}
}

// Roots returns the functions that seed traversal: those whose summary
// hands local taint to a call or returns it. With none, every entry point
// is a root so completeness statistics are still reported.
func Roots(g *graph.Graph, cache *SummaryCache) []ir.CanonicalID {
	var roots []ir.CanonicalID
	for _, fn := range g.Functions() {
		if s, ok := cache.Get(fn); ok && s.IsRoot() {
			roots = append(roots, fn)
		}
	}
	if len(roots) == 0 {
		roots = g.EntryPoints()
	}
	return roots
}

// Propagate traverses from every root concurrently. Each root has its own
// visited set and time budget; a root that times out keeps the findings it
// confirmed. The returned vulnerabilities are deduplicated and sorted. An
// invariant violation aborts the run.
func (e *Engine) Propagate(ctx context.Context, g *graph.Graph, cache *SummaryCache) (*Result, error) {
	roots := Roots(g, cache)
	e.log.Debug("propagating", "roots", len(roots), "max_depth", e.opts.MaxDepth, "decay", e.opts.Decay)

	results := make([]RootResult, len(roots))
	found := make([][]taint.Vulnerability, len(roots))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.Workers)
	for i, root := range roots {
		i, root := i, root
		eg.Go(func() error {
			w := &walker{
				e:       e,
				g:       g,
				cache:   cache,
				root:    root,
				visited: make(map[visitKey]bool),
				seen:    make(map[ir.CanonicalID]bool),
			}
			rr, vulns, err := w.run(gctx)
			if err != nil {
				return fmt.Errorf("root %s: %w", root, err)
			}
			results[i], found[i] = rr, vulns
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []taint.Vulnerability
	for _, vs := range found {
		all = append(all, vs...)
	}
	res := &Result{Roots: results, Raw: len(all)}
	res.Vulnerabilities = taint.Dedup(all)
	taint.Sort(res.Vulnerabilities)

	if inc := res.Incomplete(); len(inc) > 0 {
		e.log.Warn("traversal incomplete", "roots", len(inc), "error", ir.ErrTraversalTimeout)
	}
	e.log.Debug("propagation done", "raw", res.Raw, "vulnerabilities", len(res.Vulnerabilities))
	return res, nil
}

// visitKey identifies one entry into a function: the channel taint arrives
// on, the call site it came through (zero when arriving by return) and the
// types already ruled out by sanitizers.
type visitKey struct {
	fn      ir.CanonicalID
	origin  taint.Origin
	site    ir.CanonicalID
	cleared string
}

// item is a pending unit of work: taint of level arriving in fn on origin.
type item struct {
	fn      ir.CanonicalID
	origin  taint.Origin
	level   taint.Level
	hops    []taint.Hop
	cleared []string
	conf    float64
	depth   int
	stack   []graph.Edge // call edges entered and not yet returned through
}

type walker struct {
	e       *Engine
	g       *graph.Graph
	cache   *SummaryCache
	root    ir.CanonicalID
	visited map[visitKey]bool
	seen    map[ir.CanonicalID]bool // functions whose unresolved calls were counted
	queue   []item
	vulns   []taint.Vulnerability
	rr      RootResult
}

func (w *walker) run(ctx context.Context) (RootResult, []taint.Vulnerability, error) {
	start := time.Now()
	w.rr = RootResult{Root: w.root, State: StateSeeded}

	ctx, cancel := context.WithTimeout(ctx, w.e.opts.RootTimeout)
	defer cancel()

	w.count(w.root)
	sum, ok := w.cache.Get(w.root)
	if ok {
		if err := w.seed(sum); err != nil {
			return w.rr, nil, err
		}
	}

	w.rr.State = StateTraversing
	for len(w.queue) > 0 {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				w.rr.State = StateTimedOut
				w.e.log.Warn("root timed out", "root", w.root.String(), "pending", len(w.queue),
					"error", ir.ErrTraversalTimeout)
				break
			}
			return w.rr, nil, err
		}
		it := w.queue[0]
		w.queue = w.queue[1:]
		if err := w.process(it); err != nil {
			return w.rr, nil, err
		}
		if w.e.afterItem != nil {
			w.e.afterItem(len(w.vulns))
		}
	}

	if w.rr.State != StateTimedOut {
		w.rr.State = StateExhausted
		if len(w.vulns) > 0 {
			w.rr.State = StateSinkHit
		}
	}
	w.rr.Findings = len(w.vulns)
	w.rr.Visited = len(w.visited)
	w.rr.Elapsed = time.Since(start)
	return w.rr, w.vulns, nil
}

// seed queues the root's local taint: arguments handed to project calls
// and values returned to callers.
func (w *walker) seed(sum *taint.Summary) error {
	for _, cf := range sum.Local.Calls {
		if err := w.call(w.root, cf, cf.Level, cf.Hops, cf.Cleared, 1.0, 0, nil); err != nil {
			return err
		}
	}
	if r := sum.Local.Return; r != nil {
		if err := w.ret(w.root, r.Level, r.Hops, r.Cleared, 1.0, 0, nil, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) process(it item) error {
	var site ir.CanonicalID
	if n := len(it.stack); n > 0 {
		site = it.stack[n-1].Site()
	}
	key := visitKey{fn: it.fn, origin: it.origin, site: site, cleared: strings.Join(it.cleared, ",")}
	if w.visited[key] {
		return nil
	}
	w.visited[key] = true
	w.count(it.fn)

	sum, ok := w.cache.Get(it.fn)
	if !ok {
		return nil
	}
	facts := sum.Facts(it.origin)
	if facts == nil {
		return nil
	}

	for _, sf := range facts.Sinks {
		if err := w.sink(it, sf); err != nil {
			return err
		}
	}
	for _, cf := range facts.Calls {
		hops := taint.Concat(it.hops, cf.Hops)
		cleared := taint.UnionCleared(it.cleared, cf.Cleared)
		if err := w.call(it.fn, cf, it.level, hops, cleared, it.conf, it.depth, it.stack); err != nil {
			return err
		}
	}
	if r := facts.Return; r != nil {
		fromParam := it.origin.Kind == taint.OriginParam
		cleared := taint.UnionCleared(it.cleared, r.Cleared)
		if err := w.ret(it.fn, it.level, taint.Concat(it.hops, r.Hops), cleared, it.conf, it.depth, it.stack, fromParam); err != nil {
			return err
		}
	}
	return nil
}

// call follows a flow handed to a project call into each resolved callee.
func (w *walker) call(fn ir.CanonicalID, cf taint.CallFlow, level taint.Level, hops []taint.Hop, cleared []string, conf float64, depth int, stack []graph.Edge) error {
	for _, e := range w.g.CallTargets(fn, cf.Line, cf.Callee) {
		if e.Kind != graph.EdgeCall {
			continue
		}
		callee, ok := w.cache.Get(e.Target)
		if !ok {
			continue
		}
		var param int
		if cf.Arg >= 0 {
			param = cf.Arg + taint.ArgOffset(callee, e.Callee)
		} else {
			param = taint.ParamIndex(callee, cf.Keyword)
		}
		if param < 0 || param >= len(callee.Params) {
			continue
		}
		if depth+1 > w.e.opts.MaxDepth {
			w.rr.DepthLimited = true
			continue
		}
		next, err := w.decay(conf, e)
		if err != nil {
			return err
		}
		w.queue = append(w.queue, item{
			fn:      e.Target,
			origin:  taint.ParamOrigin(param),
			level:   level,
			hops:    taint.Extend(hops, taint.Hop{File: e.File, Line: e.Line, Symbol: e.Callee, Kind: taint.HopCall}),
			cleared: cleared,
			conf:    next,
			depth:   depth + 1,
			stack:   push(stack, e),
		})
	}
	return nil
}

// ret continues a returned flow at the call site it entered through, or at
// every caller when it did not enter through a call. A parameter returned
// within one file is already part of the caller's summary.
func (w *walker) ret(fn ir.CanonicalID, level taint.Level, hops []taint.Hop, cleared []string, conf float64, depth int, stack []graph.Edge, fromParam bool) error {
	var (
		sites []graph.Edge
		rest  []graph.Edge
	)
	if n := len(stack); n > 0 {
		sites, rest = stack[n-1:], stack[:n-1]
	} else {
		sites = w.g.ReverseCalls(fn)
	}
	for _, e := range sites {
		if fromParam && w.sameFile(e) {
			continue
		}
		if depth+1 > w.e.opts.MaxDepth {
			w.rr.DepthLimited = true
			continue
		}
		next, err := w.decay(conf, e)
		if err != nil {
			return err
		}
		w.queue = append(w.queue, item{
			fn:      e.Source,
			origin:  taint.CallOrigin(e.Site()),
			level:   level,
			hops:    taint.Extend(hops, taint.Hop{File: e.File, Line: e.Line, Symbol: e.Callee, Kind: taint.HopAssignment}),
			cleared: cleared,
			conf:    next,
			depth:   depth + 1,
			stack:   rest,
		})
	}
	return nil
}

// count records the unresolved calls of fn once per root. They are never
// followed.
func (w *walker) count(fn ir.CanonicalID) {
	if w.seen[fn] {
		return
	}
	w.seen[fn] = true
	w.rr.Unresolved += len(w.g.Unresolved(fn))
}

func (w *walker) sameFile(e graph.Edge) bool {
	to := w.g.Node(e.Target)
	return to != nil && to.File == e.File
}

func (w *walker) sink(it item, sf taint.SinkFlow) error {
	if it.level < sf.Sink.Threshold {
		return nil
	}
	if taint.ClearsType(it.cleared, sf.Sink.Type) || taint.ClearsType(sf.Cleared, sf.Sink.Type) {
		return nil
	}
	flow := taint.Concat(it.hops, sf.Hops)
	if len(flow) == 0 || flow[0].Kind != taint.HopSource {
		return ir.Invariantf(taint.FormatFlow(flow), "flow reaching %s does not start at a source", sf.Sink.ID)
	}
	conf := it.conf
	if sf.Sink.Confidence < conf {
		conf = sf.Sink.Confidence
	}
	v, err := taint.NewVulnerability(sf.Sink, it.level, flow, taint.RootID(w.root, flow[0]), conf)
	if err != nil {
		return err
	}
	w.vulns = append(w.vulns, v)
	return nil
}

func (w *walker) decay(conf float64, e graph.Edge) (float64, error) {
	next := graph.Decay(conf, e.Confidence, w.e.opts.Decay)
	if err := ir.CheckConfidence(next, e.Site().String()); err != nil {
		return 0, err
	}
	if next > conf {
		return 0, ir.Invariantf(next, "confidence rose across %s", e.Site())
	}
	return next, nil
}

func push(stack []graph.Edge, e graph.Edge) []graph.Edge {
	out := make([]graph.Edge, len(stack), len(stack)+1)
	copy(out, stack)
	return append(out, e)
}
