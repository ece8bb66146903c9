package concurrency

import (
	"sort"
	"sync"

	"mit.edu/dsg/minibase/common"
)

// waitsForGraph is the directed graph of "transaction t waits behind a lock
// granted to transaction u". Waiters maintain their own out-edges while
// blocked, recomputing them on every retry, so an edge exists only while the
// wait is live. The deadlock detector periodically searches the graph for
// strongly connected components.
//
// Latch ordering: a queue latch may be held while taking the graph latch,
// never the reverse.
type waitsForGraph struct {
	mu    sync.Mutex
	edges map[common.TransactionID]map[common.TransactionID]struct{}
}

func newWaitsForGraph() *waitsForGraph {
	return &waitsForGraph{edges: make(map[common.TransactionID]map[common.TransactionID]struct{})}
}

// AddEdge records that t waits on u.
func (g *waitsForGraph) AddEdge(t, u common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges[t] == nil {
		g.edges[t] = make(map[common.TransactionID]struct{})
	}
	g.edges[t][u] = struct{}{}
}

// RemoveEdge deletes the edge t->u if present.
func (g *waitsForGraph) RemoveEdge(t, u common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges[t], u)
	if len(g.edges[t]) == 0 {
		delete(g.edges, t)
	}
}

// SetEdges replaces every out-edge of t with edges to the given blockers.
func (g *waitsForGraph) SetEdges(t common.TransactionID, blockers []common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(blockers) == 0 {
		delete(g.edges, t)
		return
	}
	out := make(map[common.TransactionID]struct{}, len(blockers))
	for _, u := range blockers {
		out[u] = struct{}{}
	}
	g.edges[t] = out
}

// RemoveTxn drops every out-edge of t, e.g. when its wait ends.
func (g *waitsForGraph) RemoveTxn(t common.TransactionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, t)
}

// EdgeList returns the edges as sorted (from, to) pairs.
func (g *waitsForGraph) EdgeList() [][2]common.TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out [][2]common.TransactionID
	for t, us := range g.edges {
		for u := range us {
			out = append(out, [2]common.TransactionID{t, u})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// FindVictim searches for deadlocks. Every strongly connected component of
// two or more transactions is a deadlock whose victim is its largest
// (youngest) transaction id; across multiple components the overall victim
// is the maximum of the per-component victims.
func (g *waitsForGraph) FindVictim() (common.TransactionID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	tj := &tarjan{
		graph: g.edges,
		index: make(map[common.TransactionID]int),
		low:   make(map[common.TransactionID]int),
		onStk: make(map[common.TransactionID]bool),
	}

	// Deterministic visit order keeps the detector's behavior reproducible.
	nodes := make([]common.TransactionID, 0, len(g.edges))
	for t := range g.edges {
		nodes = append(nodes, t)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	victim := common.InvalidTransactionID
	found := false
	for _, t := range nodes {
		if _, visited := tj.index[t]; !visited {
			tj.strongConnect(t)
		}
	}
	for _, scc := range tj.sccs {
		if len(scc) < 2 {
			continue
		}
		found = true
		for _, t := range scc {
			if t > victim {
				victim = t
			}
		}
	}
	return victim, found
}

// tarjan runs Tarjan's strongly-connected-components algorithm over the
// waits-for edges. Nodes with out-edges are roots; sink nodes (holders that
// wait on no one) are discovered through the edges.
type tarjan struct {
	graph   map[common.TransactionID]map[common.TransactionID]struct{}
	counter int
	index   map[common.TransactionID]int
	low     map[common.TransactionID]int
	onStk   map[common.TransactionID]bool
	stack   []common.TransactionID
	sccs    [][]common.TransactionID
}

func (tj *tarjan) strongConnect(v common.TransactionID) {
	tj.index[v] = tj.counter
	tj.low[v] = tj.counter
	tj.counter++
	tj.stack = append(tj.stack, v)
	tj.onStk[v] = true

	// Sorted successors for determinism.
	succs := make([]common.TransactionID, 0, len(tj.graph[v]))
	for u := range tj.graph[v] {
		succs = append(succs, u)
	}
	sort.Slice(succs, func(i, j int) bool { return succs[i] < succs[j] })

	for _, u := range succs {
		if _, visited := tj.index[u]; !visited {
			tj.strongConnect(u)
			if tj.low[u] < tj.low[v] {
				tj.low[v] = tj.low[u]
			}
		} else if tj.onStk[u] && tj.index[u] < tj.low[v] {
			tj.low[v] = tj.index[u]
		}
	}

	if tj.low[v] == tj.index[v] {
		var scc []common.TransactionID
		for {
			n := len(tj.stack) - 1
			u := tj.stack[n]
			tj.stack = tj.stack[:n]
			tj.onStk[u] = false
			scc = append(scc, u)
			if u == v {
				break
			}
		}
		tj.sccs = append(tj.sccs, scc)
	}
}
