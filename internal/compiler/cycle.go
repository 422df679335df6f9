package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/cts/internal/ir"
)

// Warning is a finding that does not stop a forrest from loading.
type Warning struct {
	Code    string   `json:"code"`
	Field   string   `json:"field,omitempty"`
	Path    []string `json:"path,omitempty"`
	Message string   `json:"message"`
	Level   string   `json:"level"` // "warning" or "info"
}

func (w Warning) String() string {
	return fmt.Sprintf("[%s] %s", w.Code, w.Message)
}

// Analyze performs static analysis on a forrest and returns warnings:
// relation sides naming undeclared trees, and value relations that relay
// around a loop of trees.
//
// Relay loops are warnings, not errors. The engine stops each event at
// the first relation it revisits, so a loop only costs extra work.
func Analyze(spec *ir.ForrestSpec) []Warning {
	warnings := []Warning{}

	declared := make(map[string]bool, len(spec.Trees))
	for _, t := range spec.Trees {
		declared[t.Name] = true
	}
	for i, r := range spec.Relations {
		for side, sel := range []ir.SelectionSpec{r.Selection1, r.Selection2} {
			if sel.TreeName == "" || declared[sel.TreeName] {
				continue
			}
			warnings = append(warnings, Warning{
				Code:    WarnUnresolvedTree,
				Field:   fmt.Sprintf("relations[%d].selection%d.tree", i, side+1),
				Message: fmt.Sprintf("tree %q is not declared; it will be remapped when the forrest loads", sel.TreeName),
				Level:   "info",
			})
		}
	}

	return append(warnings, relayCycles(spec)...)
}

// graph maps a node to its successors.
type graph map[string][]string

func (g graph) addEdge(from, to string) {
	if !slices.Contains(g[from], to) {
		g[from] = append(g[from], to)
	}
	if _, ok := g[to]; !ok {
		g[to] = []string{}
	}
}

func (g graph) hasSelfLoop(node string) bool {
	return slices.Contains(g[node], node)
}

// relayCycles looks for loops a value change can travel. Graph nodes are
// directed hops "from>to#i" along value relation i, present when from
// throws events and to receives them; a hop continues into every other
// relation touching its destination tree. Aliases collapse onto the tree
// they share. Loops spanning fewer than three trees end at echo
// suppression and are not reported.
func relayCycles(spec *ir.ForrestSpec) []Warning {
	trees := make(map[string]ir.TreeSpec, len(spec.Trees))
	for _, t := range spec.Trees {
		trees[t.Name] = t
	}
	canonical := func(name string) string {
		seen := map[string]bool{}
		for !seen[name] {
			seen[name] = true
			target, ok := trees[name].AliasOf()
			if !ok {
				break
			}
			name = target
		}
		return name
	}

	type hop struct {
		from, to string
		rel      int
	}
	var warnings []Warning
	var hops []hop
	for i, r := range spec.Relations {
		if r.Kind != ir.KindIs || r.GraftOnly || r.CreationOnly {
			continue
		}
		a, b := canonical(r.Selection1.TreeName), canonical(r.Selection2.TreeName)
		ta, okA := trees[a]
		tb, okB := trees[b]
		if !okA || !okB {
			continue
		}
		if a == b {
			if ta.ThrowEvents && ta.ReceiveEvents {
				warnings = append(warnings, Warning{
					Code:    WarnSelfRelay,
					Field:   fmt.Sprintf("relations[%d]", i),
					Path:    []string{a, a},
					Message: fmt.Sprintf("value relation within tree %s relays back into itself", a),
					Level:   "info",
				})
			}
			continue
		}
		if ta.ThrowEvents && tb.ReceiveEvents {
			hops = append(hops, hop{a, b, i})
		}
		if tb.ThrowEvents && ta.ReceiveEvents {
			hops = append(hops, hop{b, a, i})
		}
	}

	key := func(h hop) string { return fmt.Sprintf("%s>%s#%d", h.from, h.to, h.rel) }
	byKey := make(map[string]hop, len(hops))
	g := make(graph)
	for _, h := range hops {
		byKey[key(h)] = h
		g[key(h)] = []string{}
	}
	for _, h := range hops {
		for _, next := range hops {
			if next.from == h.to && next.rel != h.rel {
				g.addEdge(key(h), key(next))
			}
		}
	}

	reported := make(map[string]bool)
	for _, scc := range tarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		distinct := make(map[string]bool)
		rels := make([]int, 0, len(scc))
		for _, k := range scc {
			distinct[byKey[k].from] = true
			rels = append(rels, byKey[k].rel)
		}
		slices.Sort(rels)
		sig := fmt.Sprint(rels)
		if len(distinct) < 3 || reported[sig] {
			continue
		}
		reported[sig] = true

		cycle := reconstructCyclePath(scc, g)
		path := make([]string, len(cycle))
		for j, k := range cycle {
			path[j] = byKey[k].from
		}
		warnings = append(warnings, Warning{
			Code:    WarnRelayCycle,
			Path:    path,
			Message: fmt.Sprintf("values relay around a cycle: %s", strings.Join(path, " → ")),
			Level:   "warning",
		})
	}
	return warnings
}

// aliasCycles reports alias chains that never reach a realized tree.
func aliasCycles(spec *ir.ForrestSpec) []ValidationError {
	index := make(map[string]int, len(spec.Trees))
	g := make(graph)
	for i, t := range spec.Trees {
		index[t.Name] = i
		if target, ok := t.AliasOf(); ok {
			g.addEdge(t.Name, target)
		}
	}

	var errs []ValidationError
	for _, scc := range tarjanSCC(g) {
		if len(scc) == 1 && !g.hasSelfLoop(scc[0]) {
			continue
		}
		path := reconstructCyclePath(scc, g)
		errs = append(errs, ValidationError{
			Field:   fmt.Sprintf("trees[%d].url", index[path[0]]),
			Message: fmt.Sprintf("alias cycle: %s", strings.Join(path, " → ")),
			Code:    ErrAliasCycle,
		})
	}
	return errs
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Nodes are visited in sorted order and each component starts at its
// smallest member, so results are deterministic. Single-node components
// without self-loops are not cycles.
func tarjanSCC(g graph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}

	slices.SortFunc(sccs, func(a, b []string) int { return strings.Compare(a[0], b[0]) })
	return sccs
}

// reconstructCyclePath builds a closed path through an SCC, starting at
// its first member and following edges that stay inside the component.
func reconstructCyclePath(scc []string, g graph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)
	for {
		visited[current] = true

		// Prefer members not yet on the path; close the loop last.
		next := ""
		for _, w := range g[current] {
			if members[w] && !visited[w] {
				next = w
				break
			}
		}
		if next == "" && slices.Contains(g[current], start) {
			next = start
		}
		if next == "" {
			break
		}
		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
