package graph

import (
	"strings"

	"github.com/dchambers/composer/internal/model"
)

// CircularDependencyError reports a dependency cycle. Chain lists the
// property paths in dependency order with the entry property repeated
// at the end, e.g. ["a/price", "b/total", "a/price"].
type CircularDependencyError struct {
	Chain []string
}

// Error implements the error interface.
func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Chain, " → ")
}

// propGraph is a property-level dependency graph: an edge from p to q
// means q is computed from p. Both the seal-time declaration check and
// the per-materialization re-check reduce to cycle detection here.
type propGraph struct {
	adj   map[*model.Property]map[*model.Property]bool
	order []*model.Property
}

func newPropGraph() *propGraph {
	return &propGraph{adj: make(map[*model.Property]map[*model.Property]bool)}
}

func (pg *propGraph) edge(from, to *model.Property) {
	if pg.adj[from] == nil {
		pg.adj[from] = make(map[*model.Property]bool)
		pg.order = append(pg.order, from)
	}
	if !pg.adj[from][to] {
		pg.adj[from][to] = true
	}
	if pg.adj[to] == nil {
		pg.adj[to] = make(map[*model.Property]bool)
		pg.order = append(pg.order, to)
	}
}

// succs returns deterministic successor order: declaration path order
// keeps cycle chains stable across runs.
func (pg *propGraph) succs(p *model.Property) []*model.Property {
	out := make([]*model.Property, 0, len(pg.adj[p]))
	for q := range pg.adj[p] {
		out = append(out, q)
	}
	sortProps(out)
	return out
}

func sortProps(ps []*model.Property) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].Path() < ps[j-1].Path(); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// findCycle detects strongly connected components with Tarjan's
// algorithm and reconstructs one cycle's property chain. Returns nil
// when the graph is acyclic.
func (pg *propGraph) findCycle() *CircularDependencyError {
	var (
		index   int
		stack   []*model.Property
		indices = make(map[*model.Property]int)
		lowlink = make(map[*model.Property]int)
		onStack = make(map[*model.Property]bool)
		cyclic  [][]*model.Property
	)

	var connect func(v *model.Property)
	connect = func(v *model.Property) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range pg.succs(v) {
			if _, seen := indices[w]; !seen {
				connect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var scc []*model.Property
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			if len(scc) > 1 || pg.adj[v][v] {
				cyclic = append(cyclic, scc)
			}
		}
	}

	for _, v := range pg.order {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}
	if len(cyclic) == 0 {
		return nil
	}
	return &CircularDependencyError{Chain: pg.chain(cyclic[0])}
}

// chain walks one strongly connected component edge by edge until it
// closes back on the entry property.
func (pg *propGraph) chain(scc []*model.Property) []string {
	if len(scc) == 1 {
		p := scc[0].Path()
		return []string{p, p}
	}
	member := make(map[*model.Property]bool, len(scc))
	for _, p := range scc {
		member[p] = true
	}
	start := scc[len(scc)-1] // entry node: Tarjan pops the root last
	visited := make(map[*model.Property]bool)
	path := []string{start.Path()}
	cur := start
	for {
		visited[cur] = true
		var next *model.Property
		for _, w := range pg.succs(cur) {
			if member[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == nil {
			break
		}
		path = append(path, next.Path())
		if next == start {
			break
		}
		cur = next
	}
	return path
}

// declCycleCheck builds the conservative declaration-space property
// graph from the seal bindings and reports the first cycle. List
// traversals collapse onto the item template, so a cycle that only a
// populated list could close is still reported at seal.
func declCycleCheck(bindings []declBinding) *CircularDependencyError {
	pg := newPropGraph()
	for _, b := range bindings {
		for _, in := range b.ins {
			for _, out := range b.outs {
				pg.edge(in, out)
			}
		}
	}
	return pg.findCycle()
}
