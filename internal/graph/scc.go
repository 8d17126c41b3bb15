package graph

import (
	"sort"

	"github.com/1homsi/taintflow/internal/ir"
	"github.com/1homsi/taintflow/internal/logging"
)

// sccState holds Tarjan's algorithm state for a single node.
type sccState struct {
	index   int
	lowlink int
	onStack bool
}

// SCCs finds the strongly connected components of the resolved call graph
// with Tarjan's algorithm. Only components with more than one function or
// a self-call are returned, each sorted, in order of their first member.
func (g *Graph) SCCs() [][]ir.CanonicalID {
	var (
		index int
		stack []ir.CanonicalID
		state = make(map[ir.CanonicalID]*sccState)
		out   [][]ir.CanonicalID
	)

	var strongConnect func(v ir.CanonicalID)
	strongConnect = func(v ir.CanonicalID) {
		state[v] = &sccState{index: index, lowlink: index, onStack: true}
		index++
		stack = append(stack, v)

		for _, e := range g.Callees(v) {
			w := e.Target
			ws := state[w]
			if ws == nil {
				strongConnect(w)
				if state[w].lowlink < state[v].lowlink {
					state[v].lowlink = state[w].lowlink
				}
			} else if ws.onStack && ws.index < state[v].lowlink {
				state[v].lowlink = ws.index
			}
		}

		if state[v].lowlink != state[v].index {
			return
		}
		var comp []ir.CanonicalID
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			state[w].onStack = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		if len(comp) > 1 || g.selfCall(comp[0]) {
			sort.Slice(comp, func(i, j int) bool { return comp[i].Less(comp[j]) })
			out = append(out, comp)
		}
	}

	for _, id := range g.Functions() {
		if state[id] == nil {
			strongConnect(id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0].Less(out[j][0]) })
	logging.Debugf("[graph] %d recursive components", len(out))
	return out
}

func (g *Graph) selfCall(id ir.CanonicalID) bool {
	for _, e := range g.Callees(id) {
		if e.Target == id {
			return true
		}
	}
	return false
}

// TopoOrder returns ids with callees before callers, following resolved
// call edges among ids only. Functions in a cycle keep their input order.
func (g *Graph) TopoOrder(ids []ir.CanonicalID) []ir.CanonicalID {
	in := make(map[ir.CanonicalID]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	var (
		visited = make(map[ir.CanonicalID]bool, len(ids))
		result  = make([]ir.CanonicalID, 0, len(ids))
	)

	var visit func(ir.CanonicalID)
	visit = func(id ir.CanonicalID) {
		if visited[id] {
			return
		}
		visited[id] = true
		// Callees() is already in edge order, which is deterministic
		for _, e := range g.Callees(id) {
			if in[e.Target] {
				visit(e.Target)
			}
		}
		result = append(result, id)
	}

	for _, id := range ids {
		visit(id)
	}
	return result
}
