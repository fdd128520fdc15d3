package engine

import (
	"container/heap"
	"errors"
	"fmt"
	"strings"
)

// EdgeKind distinguishes ordering constraints from refresh triggers.
type EdgeKind string

const (
	// EdgeOrdering means From must converge before To starts.
	EdgeOrdering EdgeKind = "ordering"

	// EdgeNotification means a change of From triggers a refresh of To.
	EdgeNotification EdgeKind = "notification"
)

// Edge is a derived relationship between two resources.
type Edge struct {
	// From is the resource that converges (or notifies) first.
	From Identity `json:"from"`

	// To is the dependent (or notified) resource.
	To Identity `json:"to"`

	// Kind is the edge kind.
	Kind EdgeKind `json:"kind"`

	// Attribute is the metaparameter the edge was first derived from.
	Attribute string `json:"attribute"`

	// Deferred marks a notification edge that points backwards in the
	// schedule. Its target has already converged when From changes, so the
	// refresh is delivered late instead of gating the target.
	Deferred bool `json:"deferred,omitempty"`
}

// Graph is a compiled catalog: relationship edges, a stable topological
// order and the resolved providers. Indices refer to declaration order.
type Graph struct {
	catalog   *Catalog
	resources []*Resource
	index     map[Identity]int
	edges     []Edge

	orderingPreds [][]int
	orderingSuccs [][]int

	// gatePreds are the predecessors a resource waits for: ordering
	// predecessors plus notifiers whose edge is not deferred.
	gatePreds [][]int
	gateSuccs [][]int

	notifySources [][]int
	notifyTargets [][]int
	deferred      map[[2]int]bool

	order    []int
	position []int
	levels   [][]int

	platform     Platform
	providers    []Provider
	providerErrs []error
}

// Compile derives the relationship graph of a catalog, checks it for
// ordering cycles and unresolved references, computes the topological order
// and resolves providers. The catalog is sealed on success. A nil registry
// skips provider resolution.
func Compile(c *Catalog, registry *Registry, platform Platform) (*Graph, error) {
	resources := c.Resources()
	n := len(resources)

	g := &Graph{
		catalog:       c,
		resources:     resources,
		index:         make(map[Identity]int, n),
		orderingPreds: make([][]int, n),
		orderingSuccs: make([][]int, n),
		gatePreds:     make([][]int, n),
		gateSuccs:     make([][]int, n),
		notifySources: make([][]int, n),
		notifyTargets: make([][]int, n),
		deferred:      make(map[[2]int]bool),
		position:      make([]int, n),
		platform:      platform,
		providers:     make([]Provider, n),
		providerErrs:  make([]error, n),
	}
	for i, r := range resources {
		g.index[r.ID()] = i
	}

	if err := g.buildEdges(); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.scheduleNotifications()
	if err := g.computeOrder(); err != nil {
		return nil, err
	}
	g.computeLevels()

	if registry != nil {
		for i, r := range resources {
			p, err := registry.Resolve(r.Type(), platform)
			if err != nil {
				var engErr *EngineError
				if !errors.As(err, &engErr) {
					engErr = NewNoProviderError(r.Type(), platform)
					engErr.Err = err
				}
				g.providerErrs[i] = engErr.WithResource(r.ID().String())
				continue
			}
			g.providers[i] = p
		}
	}

	c.seal()
	return g, nil
}

// buildEdges derives the edges from relationship metaparameters in
// declaration order, deduplicating by (from, to, kind).
func (g *Graph) buildEdges() error {
	type edgeKey struct {
		from, to int
		kind     EdgeKind
	}
	seen := make(map[edgeKey]bool)

	add := func(from, to int, kind EdgeKind, attribute string) {
		key := edgeKey{from: from, to: to, kind: kind}
		if seen[key] {
			return
		}
		seen[key] = true
		g.edges = append(g.edges, Edge{
			From:      g.resources[from].ID(),
			To:        g.resources[to].ID(),
			Kind:      kind,
			Attribute: attribute,
		})
		if kind == EdgeOrdering {
			g.orderingSuccs[from] = append(g.orderingSuccs[from], to)
			g.orderingPreds[to] = append(g.orderingPreds[to], from)
			g.gateSuccs[from] = append(g.gateSuccs[from], to)
			g.gatePreds[to] = append(g.gatePreds[to], from)
		} else {
			g.notifyTargets[from] = append(g.notifyTargets[from], to)
			g.notifySources[to] = append(g.notifySources[to], from)
		}
	}

	resolve := func(r *Resource, attribute string, ref Identity) (int, error) {
		i, ok := g.index[ref]
		if !ok {
			return 0, NewUnresolvedReferenceError(r.ID(), attribute, ref)
		}
		return i, nil
	}

	for i, r := range g.resources {
		for _, ref := range r.requires {
			j, err := resolve(r, AttrRequire, ref)
			if err != nil {
				return err
			}
			add(j, i, EdgeOrdering, AttrRequire)
		}
		for _, ref := range r.befores {
			j, err := resolve(r, AttrBefore, ref)
			if err != nil {
				return err
			}
			add(i, j, EdgeOrdering, AttrBefore)
		}
		for _, ref := range r.subscribes {
			j, err := resolve(r, AttrSubscribe, ref)
			if err != nil {
				return err
			}
			add(j, i, EdgeNotification, AttrSubscribe)
		}
		for _, ref := range r.notifies {
			j, err := resolve(r, AttrNotify, ref)
			if err != nil {
				return err
			}
			add(i, j, EdgeNotification, AttrNotify)
		}
	}
	return nil
}

// detectCycles uses depth-first search over ordering edges to find one
// concrete cycle. Roots are visited in declaration order.
func (g *Graph) detectCycles() error {
	visited := make([]bool, len(g.resources))
	onStack := make([]bool, len(g.resources))
	path := make([]int, 0, len(g.resources))

	for i := range g.resources {
		if visited[i] {
			continue
		}
		if cycle := g.detectCyclesUtil(i, visited, onStack, path); cycle != nil {
			ids := make([]Identity, len(cycle))
			for k, idx := range cycle {
				ids[k] = g.resources[idx].ID()
			}
			return NewCyclicDependencyError(ids)
		}
	}
	return nil
}

func (g *Graph) detectCyclesUtil(node int, visited, onStack []bool, path []int) []int {
	visited[node] = true
	onStack[node] = true
	path = append(path, node)

	for _, next := range g.orderingSuccs[node] {
		if !visited[next] {
			if cycle := g.detectCyclesUtil(next, visited, onStack, path); cycle != nil {
				return cycle
			}
		} else if onStack[next] {
			for k, idx := range path {
				if idx == next {
					cycle := append([]int(nil), path[k:]...)
					return append(cycle, next)
				}
			}
		}
	}

	onStack[node] = false
	return nil
}

// scheduleNotifications adds notification edges to the scheduling graph in
// declaration order, except those that would close a cycle. Those are
// marked deferred.
func (g *Graph) scheduleNotifications() {
	for k := range g.edges {
		e := &g.edges[k]
		if e.Kind != EdgeNotification {
			continue
		}
		from, to := g.index[e.From], g.index[e.To]
		if from == to || g.reaches(to, from) {
			e.Deferred = true
			g.deferred[[2]int{from, to}] = true
			continue
		}
		if !containsInt(g.gateSuccs[from], to) {
			g.gateSuccs[from] = append(g.gateSuccs[from], to)
			g.gatePreds[to] = append(g.gatePreds[to], from)
		}
	}
}

// reaches reports whether target is reachable from start in the scheduling graph.
func (g *Graph) reaches(start, target int) bool {
	seen := make([]bool, len(g.resources))
	stack := []int{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if seen[node] {
			continue
		}
		seen[node] = true
		stack = append(stack, g.gateSuccs[node]...)
	}
	return false
}

// computeOrder runs Kahn's algorithm over the scheduling graph, breaking
// ties by declaration order.
func (g *Graph) computeOrder() error {
	inDegree := make([]int, len(g.resources))
	for i := range g.resources {
		inDegree[i] = len(g.gatePreds[i])
	}

	ready := &intMinHeap{}
	for i, d := range inDegree {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	g.order = make([]int, 0, len(g.resources))
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		g.position[node] = len(g.order)
		g.order = append(g.order, node)
		for _, next := range g.gateSuccs[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(g.order) != len(g.resources) {
		return &EngineError{
			Class:   ErrorClassInternal,
			Code:    ErrCodeCyclicDependency,
			Message: "failed to order all resources",
		}
	}
	return nil
}

// computeLevels groups resources by longest path from a root.
// Resources at the same level never depend on each other.
func (g *Graph) computeLevels() {
	level := make([]int, len(g.resources))
	depth := 0
	for _, node := range g.order {
		for _, pred := range g.gatePreds[node] {
			if level[pred]+1 > level[node] {
				level[node] = level[pred] + 1
			}
		}
		if level[node]+1 > depth {
			depth = level[node] + 1
		}
	}
	g.levels = make([][]int, depth)
	for _, node := range g.order {
		g.levels[level[node]] = append(g.levels[level[node]], node)
	}
}

// Catalog returns the compiled catalog.
func (g *Graph) Catalog() *Catalog { return g.catalog }

// Platform returns the platform providers were resolved for.
func (g *Graph) Platform() Platform { return g.platform }

// Len returns the number of resources.
func (g *Graph) Len() int { return len(g.resources) }

// Edges returns the deduplicated relationship edges.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// Order returns the resources in topological order.
func (g *Graph) Order() []*Resource {
	out := make([]*Resource, len(g.order))
	for k, node := range g.order {
		out[k] = g.resources[node]
	}
	return out
}

// Position returns the topological position of a resource, or -1.
func (g *Graph) Position(id Identity) int {
	i, ok := g.index[id]
	if !ok {
		return -1
	}
	return g.position[i]
}

// Predecessors returns the ordering predecessors of a resource.
func (g *Graph) Predecessors(id Identity) []Identity { return g.identities(id, g.orderingPreds) }

// Successors returns the ordering successors of a resource.
func (g *Graph) Successors(id Identity) []Identity { return g.identities(id, g.orderingSuccs) }

// Notifiers returns the resources that notify id.
func (g *Graph) Notifiers(id Identity) []Identity { return g.identities(id, g.notifySources) }

// NotifyTargets returns the resources id notifies.
func (g *Graph) NotifyTargets(id Identity) []Identity { return g.identities(id, g.notifyTargets) }

// DeferredNotifications returns the notification edges delivered late.
func (g *Graph) DeferredNotifications() []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Deferred {
			out = append(out, e)
		}
	}
	return out
}

// Levels returns the resources grouped by scheduling depth.
func (g *Graph) Levels() [][]Identity {
	out := make([][]Identity, len(g.levels))
	for l, nodes := range g.levels {
		for _, node := range nodes {
			out[l] = append(out[l], g.resources[node].ID())
		}
	}
	return out
}

// Provider returns the provider resolved for a resource.
func (g *Graph) Provider(id Identity) (Provider, error) {
	i, ok := g.index[id]
	if !ok {
		return nil, fmt.Errorf("resource %s is not in the graph", id)
	}
	if g.providerErrs[i] != nil {
		return nil, g.providerErrs[i]
	}
	if g.providers[i] == nil {
		return nil, NewNoProviderError(id.Type, g.platform).WithResource(id.String())
	}
	return g.providers[i], nil
}

func (g *Graph) identities(id Identity, adjacency [][]int) []Identity {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]Identity, len(adjacency[i]))
	for k, node := range adjacency[i] {
		out[k] = g.resources[node].ID()
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Catalog {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, nodes := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, node := range nodes {
			r := g.resources[node]
			sb.WriteString(fmt.Sprintf("    %q [fillcolor=%q, style=\"filled,rounded\"];\n",
				r.ID().String(), getTypeColor(r.Type())))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From.String(), e.To.String(), getEdgeStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// getTypeColor returns a color for visualizing resource types.
func getTypeColor(resourceType string) string {
	switch resourceType {
	case "package":
		return "lightgreen"
	case "file", "neutron_config":
		return "lightblue"
	case "neutron_network", "neutron_subnet", "contrail_rt":
		return "lightyellow"
	case "consul_service":
		return "plum"
	case "exec":
		return "lightcoral"
	case "class":
		return "lightgray"
	default:
		return "white"
	}
}

// getEdgeStyle returns a DOT style string for an edge.
func getEdgeStyle(e Edge) string {
	switch {
	case e.Kind == EdgeOrdering:
		return "style=solid, color=black"
	case e.Deferred:
		return "style=dotted, color=red"
	default:
		return "style=dashed, color=blue"
	}
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// intMinHeap orders ready resources by declaration index.
type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *intMinHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *intMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
