// Package verify implements the four independent verification engines
// (safety, liveness, timing, causality) that run over the IR produced by
// package semantic, plus the Report aggregator that runs all four and
// renders their findings deterministically.
//
// The reachability and component-finding helpers in this file generalize
// the fixpoint style of package kripke (itself grounded in a Kripke/CTL
// model checker) to the plain string-keyed graphs the safety, liveness,
// and causality engines each build over their own node space (control
// states for safety/liveness, device names for causality). There is no
// general-purpose graph library anywhere in the supporting dependency
// set, so, as with package ir's TopologyGraph, the graph operations here
// are hand-rolled against slices and maps.
package verify

// adjacency is a plain directed graph: node name -> its direct successors,
// in edge-insertion order.
type adjacency map[string][]string

func (a adjacency) addEdge(from, to string) {
	a[from] = append(a[from], to)
}

// bfsReachable returns every node reachable from start, including start
// itself.
func bfsReachable(start string, adj adjacency) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// bfsPath returns the shortest path from start to goal (inclusive of both
// ends), or ok=false if goal is unreachable.
func bfsPath(start, goal string, adj adjacency) ([]string, bool) {
	if start == goal {
		return []string{start}, true
	}
	parent := map[string]string{start: ""}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == goal {
				return reconstructPath(parent, start, goal), true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func reconstructPath(parent map[string]string, start, goal string) []string {
	var rev []string
	cur := goal
	for cur != start {
		rev = append(rev, cur)
		cur = parent[cur]
	}
	rev = append(rev, start)
	path := make([]string, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

// pathExists is a thin readability wrapper over bfsPath for callers that
// only care whether a connection exists.
func pathExists(from, to string, adj adjacency) bool {
	_, ok := bfsPath(from, to, adj)
	return ok
}

// stronglyConnectedComponents computes the strongly connected components
// of adj restricted to nodes, via Kosaraju's algorithm: a DFS finish-order
// pass over the graph, then a second DFS over the transpose graph in
// reverse finish order, each tree of the second pass being one component.
func stronglyConnectedComponents(nodes []string, adj adjacency) [][]string {
	visited := make(map[string]bool, len(nodes))
	var order []string
	var visit func(n string)
	visit = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, next := range adj[n] {
			visit(next)
		}
		order = append(order, n)
	}
	for _, n := range nodes {
		visit(n)
	}

	transpose := make(adjacency)
	for _, n := range nodes {
		for _, next := range adj[n] {
			transpose.addEdge(next, n)
		}
	}

	assigned := make(map[string]bool, len(nodes))
	var components [][]string
	var collect func(n string, comp *[]string)
	collect = func(n string, comp *[]string) {
		if assigned[n] {
			return
		}
		assigned[n] = true
		*comp = append(*comp, n)
		for _, next := range transpose[n] {
			collect(next, comp)
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if assigned[n] {
			continue
		}
		var comp []string
		collect(n, &comp)
		components = append(components, comp)
	}
	return components
}

// hasCycle reports whether a component represents a genuine cycle: more
// than one member, or a single member with a self-loop.
func hasCycle(comp []string, adj adjacency) bool {
	if len(comp) > 1 {
		return true
	}
	if len(comp) == 1 {
		for _, next := range adj[comp[0]] {
			if next == comp[0] {
				return true
			}
		}
	}
	return false
}
