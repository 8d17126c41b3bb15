// Package graph is the project-wide dependency graph: files, functions and
// classes linked by import and call edges that carry a resolution
// confidence. It is read-only once built.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/1homsi/taintflow/internal/ir"
)

// EdgeKind classifies an edge.
type EdgeKind string

const (
	EdgeImport     EdgeKind = "import"
	EdgeCall       EdgeKind = "call"
	EdgeUnresolved EdgeKind = "unresolved"
)

// Node is a file, function or class.
type Node struct {
	ID   ir.CanonicalID `json:"id"`
	Kind ir.Kind        `json:"kind"`
	File string         `json:"file"`
	Line int            `json:"line"`
}

// Edge links two nodes. Unresolved edges point at a synthetic module or
// call-site ID and always carry confidence 0.
type Edge struct {
	Source     ir.CanonicalID `json:"source"`
	Target     ir.CanonicalID `json:"target"`
	Kind       EdgeKind       `json:"kind"`
	Confidence float64        `json:"confidence"`
	File       string         `json:"file"`
	Line       int            `json:"line"`
	Callee     string         `json:"callee,omitempty"` // call text at the site
}

// Site returns the call-site ID of a call edge.
func (e Edge) Site() ir.CanonicalID { return ir.CallSiteID(e.Source, e.Line, e.Callee) }

func (e Edge) less(o Edge) bool {
	if e.Source != o.Source {
		return e.Source.Less(o.Source)
	}
	if e.Line != o.Line {
		return e.Line < o.Line
	}
	if e.Kind != o.Kind {
		return e.Kind < o.Kind
	}
	if e.Callee != o.Callee {
		return e.Callee < o.Callee
	}
	return e.Target.Less(o.Target)
}

func newEdge(e Edge) (Edge, error) {
	if e.Kind == EdgeUnresolved && e.Confidence != 0 {
		return Edge{}, ir.Invariantf(e.Confidence, "unresolved edge %s -> %s carries confidence", e.Source, e.Target)
	}
	if err := ir.CheckConfidence(e.Confidence, e.Source.String()+" -> "+e.Target.String()); err != nil {
		return Edge{}, err
	}
	return e, nil
}

// Warning is a non-fatal problem met while building.
type Warning struct {
	File string
	Err  error
}

func (w Warning) Error() string { return fmt.Sprintf("%s: %v", w.File, w.Err) }

func (w Warning) Unwrap() error { return w.Err }

type callKey struct {
	fn     ir.CanonicalID
	line   int
	callee string
}

// Graph is the dependency graph of one project snapshot.
type Graph struct {
	nodes map[ir.CanonicalID]*Node
	ids   []ir.CanonicalID // sorted
	edges []Edge           // sorted
	out   map[ir.CanonicalID][]int
	in    map[ir.CanonicalID][]int
	calls map[callKey][]int
}

func newGraph() *Graph {
	return &Graph{
		nodes: make(map[ir.CanonicalID]*Node),
		out:   make(map[ir.CanonicalID][]int),
		in:    make(map[ir.CanonicalID][]int),
		calls: make(map[callKey][]int),
	}
}

func (g *Graph) addNode(n Node) {
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	g.nodes[n.ID] = &n
}

// seal sorts nodes and edges and builds the indexes. Duplicate edges are
// merged keeping the highest confidence.
func (g *Graph) seal(edges []Edge) {
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].less(edges[j]) })
	for _, e := range edges {
		if n := len(g.edges); n > 0 {
			last := &g.edges[n-1]
			if last.Source == e.Source && last.Target == e.Target && last.Kind == e.Kind &&
				last.Line == e.Line && last.Callee == e.Callee {
				if e.Confidence > last.Confidence {
					last.Confidence = e.Confidence
				}
				continue
			}
		}
		g.edges = append(g.edges, e)
	}
	for i, e := range g.edges {
		g.out[e.Source] = append(g.out[e.Source], i)
		g.in[e.Target] = append(g.in[e.Target], i)
		if e.Kind == EdgeCall || e.Kind == EdgeUnresolved && e.Callee != "" {
			k := callKey{fn: e.Source, line: e.Line, callee: e.Callee}
			g.calls[k] = append(g.calls[k], i)
		}
	}
	g.ids = make([]ir.CanonicalID, 0, len(g.nodes))
	for id := range g.nodes {
		g.ids = append(g.ids, id)
	}
	sort.Slice(g.ids, func(i, j int) bool { return g.ids[i].Less(g.ids[j]) })
}

// Node returns the node for id, or nil.
func (g *Graph) Node(id ir.CanonicalID) *Node { return g.nodes[id] }

// Nodes returns all nodes in ID order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.ids))
	for i, id := range g.ids {
		out[i] = g.nodes[id]
	}
	return out
}

// Edges returns all edges in deterministic order.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// Functions returns the function nodes in ID order.
func (g *Graph) Functions() []ir.CanonicalID {
	var out []ir.CanonicalID
	for _, id := range g.ids {
		if id.Kind == ir.KindFunction {
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) pick(idx []int, keep func(Edge) bool) []Edge {
	var out []Edge
	for _, i := range idx {
		if keep(g.edges[i]) {
			out = append(out, g.edges[i])
		}
	}
	return out
}

// CallTargets returns the call edges (resolved or not) of the call of
// callee at line inside fn.
func (g *Graph) CallTargets(fn ir.CanonicalID, line int, callee string) []Edge {
	return g.pick(g.calls[callKey{fn: fn, line: line, callee: callee}], func(Edge) bool { return true })
}

// Targets returns the functions a call resolves to.
func (g *Graph) Targets(fn ir.CanonicalID, line int, callee string) []ir.CanonicalID {
	var out []ir.CanonicalID
	for _, e := range g.CallTargets(fn, line, callee) {
		if e.Kind == EdgeCall {
			out = append(out, e.Target)
		}
	}
	return out
}

// Callees returns the resolved call edges leaving fn.
func (g *Graph) Callees(fn ir.CanonicalID) []Edge {
	return g.pick(g.out[fn], func(e Edge) bool { return e.Kind == EdgeCall })
}

// ReverseCalls returns the resolved call edges entering fn.
func (g *Graph) ReverseCalls(fn ir.CanonicalID) []Edge {
	return g.pick(g.in[fn], func(e Edge) bool { return e.Kind == EdgeCall })
}

// Unresolved returns the unresolved edges leaving id.
func (g *Graph) Unresolved(id ir.CanonicalID) []Edge {
	return g.pick(g.out[id], func(e Edge) bool { return e.Kind == EdgeUnresolved })
}

// Imports returns the import edges leaving a file.
func (g *Graph) Imports(file ir.CanonicalID) []Edge {
	return g.pick(g.out[file], func(e Edge) bool { return e.Kind == EdgeImport })
}

// EntryPoints returns functions no resolved call reaches.
func (g *Graph) EntryPoints() []ir.CanonicalID {
	var out []ir.CanonicalID
	for _, id := range g.Functions() {
		if len(g.ReverseCalls(id)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarises the graph.
type Stats struct {
	Files           int `json:"files"`
	Functions       int `json:"functions"`
	Classes         int `json:"classes"`
	ImportEdges     int `json:"import_edges"`
	CallEdges       int `json:"call_edges"`
	UnresolvedEdges int `json:"unresolved_edges"`
}

func (g *Graph) Stats() Stats {
	var s Stats
	for _, n := range g.nodes {
		switch n.Kind {
		case ir.KindFile:
			s.Files++
		case ir.KindFunction:
			s.Functions++
		case ir.KindClass:
			s.Classes++
		}
	}
	for _, e := range g.edges {
		switch e.Kind {
		case EdgeImport:
			s.ImportEdges++
		case EdgeCall:
			s.CallEdges++
		case EdgeUnresolved:
			s.UnresolvedEdges++
		}
	}
	return s
}

// Checksum hashes the sorted nodes and edges. Equal inputs give equal sums.
func (g *Graph) Checksum() string {
	h := sha256.New()
	for _, id := range g.ids {
		n := g.nodes[id]
		fmt.Fprintf(h, "n %s %s %d\n", id, n.File, n.Line)
	}
	for _, e := range g.edges {
		fmt.Fprintf(h, "e %s %s %s %.4f %s %d %s\n", e.Source, e.Target, e.Kind, e.Confidence, e.File, e.Line, e.Callee)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Decay applies one hop: the path confidence times the edge confidence
// times the decay factor.
func Decay(conf, edge, decay float64) float64 { return conf * edge * decay }

// PathConfidence is the product of the edge confidences times
// decay^len(edges).
func PathConfidence(edges []Edge, decay float64) float64 {
	c := 1.0
	for _, e := range edges {
		c = Decay(c, e.Confidence, decay)
	}
	return c
}
