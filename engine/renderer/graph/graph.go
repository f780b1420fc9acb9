package graph

// DependencyGraph is the directed acyclic graph of one frame's passes,
// produced by Builder.Build. It is immutable once built.
type DependencyGraph struct {
	passes []PassDecl
	succ   [][]PassID
	pred   [][]PassID
	order  []PassID
}

func (g *DependencyGraph) PassCount() int {
	return len(g.passes)
}

func (g *DependencyGraph) Pass(id PassID) *PassDecl {
	return &g.passes[id]
}

// Order returns the topological execution order, with declaration order
// as the tie-break among independent passes.
func (g *DependencyGraph) Order() []PassID {
	return g.order
}

// Successors returns the passes that must run after id, in edge insertion
// order.
func (g *DependencyGraph) Successors(id PassID) []PassID {
	return g.succ[id]
}

func (g *DependencyGraph) Predecessors(id PassID) []PassID {
	return g.pred[id]
}

func (g *DependencyGraph) HasEdge(from, to PassID) bool {
	for _, s := range g.succ[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (g *DependencyGraph) EdgeCount() int {
	n := 0
	for _, s := range g.succ {
		n += len(s)
	}
	return n
}
