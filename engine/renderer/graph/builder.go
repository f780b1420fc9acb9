package graph

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
)

// PassAccess declares one resource touched by a pass: how it is accessed
// and the stage, access mask and image layout the pass requires.
type PassAccess struct {
	Handle ResourceHandle
	Kind   AccessKind
	Stage  vk.PipelineStageFlags
	Mask   vk.AccessFlags
	// Required image layout. Must stay LayoutUndefined for buffers.
	Layout vk.ImageLayout
}

// PassID identifies a pass within a single frame's graph. IDs are
// assigned in declaration order, starting at zero.
type PassID int

// PassDecl is a per-frame declaration of one pass. Declarations are value
// records; they never outlive the frame they were added to.
type PassDecl struct {
	Name     string
	Queue    QueueKind
	Accesses []PassAccess
	// Explicit ordering hints: this pass runs after the listed ones, in
	// addition to any ordering implied by resource accesses.
	DependsOn []PassID
	// Execute records the pass's commands into the given command buffer.
	// Called by the recorder after the pass's barriers are in place.
	Execute func(cb vk.CommandBuffer)
}

// Builder collects pass declarations for one frame. Declaration order is
// significant: it disambiguates accesses to the same resource.
type Builder struct {
	passes []PassDecl
}

func NewBuilder() *Builder {
	return &Builder{}
}

// AddPass appends a pass declaration and returns its id.
func (b *Builder) AddPass(decl PassDecl) PassID {
	b.passes = append(b.passes, decl)
	return PassID(len(b.passes) - 1)
}

func (b *Builder) PassCount() int {
	return len(b.passes)
}

// Build derives the dependency graph from the declared accesses. For any
// two passes touching the same resource, an edge runs from the
// earlier-declared to the later-declared one when at least one of the two
// accesses is a write; two reads never create an edge. Explicit DependsOn
// hints add their edges on top. Fails with core.ErrCycleDetected when
// the result is not acyclic.
func (b *Builder) Build() (*DependencyGraph, error) {
	n := len(b.passes)
	g := &DependencyGraph{
		passes: b.passes,
		succ:   make([][]PassID, n),
		pred:   make([][]PassID, n),
	}

	edges := make(map[[2]PassID]struct{})
	addEdge := func(from, to PassID) {
		if from == to {
			return
		}
		key := [2]PassID{from, to}
		if _, ok := edges[key]; ok {
			return
		}
		edges[key] = struct{}{}
		g.succ[from] = append(g.succ[from], to)
		g.pred[to] = append(g.pred[to], from)
	}

	// Hazard edges. touches holds, per resource, the passes that touched
	// it so far in declaration order.
	type touch struct {
		pass PassID
		kind AccessKind
	}
	touches := make(map[ResourceHandle][]touch)
	for i, decl := range b.passes {
		for _, acc := range decl.Accesses {
			if acc.Handle.IsZero() {
				return nil, fmt.Errorf("pass %q declares an access to an uninitialized resource handle", decl.Name)
			}
			if acc.Handle.Kind() == ResourceBuffer && acc.Layout != vk.ImageLayoutUndefined {
				return nil, fmt.Errorf("pass %q requests an image layout on %s", decl.Name, acc.Handle)
			}
			for _, prev := range touches[acc.Handle] {
				if prev.pass == PassID(i) {
					continue
				}
				if prev.kind.IsWrite() || acc.Kind.IsWrite() {
					addEdge(prev.pass, PassID(i))
				}
			}
			touches[acc.Handle] = append(touches[acc.Handle], touch{pass: PassID(i), kind: acc.Kind})
		}
		for _, dep := range decl.DependsOn {
			if dep < 0 || int(dep) >= n {
				return nil, fmt.Errorf("pass %q depends on unknown pass id %d", decl.Name, dep)
			}
			addEdge(dep, PassID(i))
		}
	}

	if err := g.sortTopological(); err != nil {
		return nil, err
	}
	return g, nil
}

// sortTopological fills g.order using Kahn's algorithm with declaration
// order as the tie-break among ready passes, so the result is stable for
// identical input.
func (g *DependencyGraph) sortTopological() error {
	n := len(g.passes)
	indegree := make([]int, n)
	for i := 0; i < n; i++ {
		indegree[i] = len(g.pred[i])
	}

	// ready is kept in ascending declaration order; the smallest id is
	// always scheduled next.
	var ready []PassID
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, PassID(i))
		}
	}

	g.order = make([]PassID, 0, n)
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		g.order = append(g.order, next)
		for _, succ := range g.succ[next] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = insertSorted(ready, succ)
			}
		}
	}

	if len(g.order) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if indegree[i] > 0 {
				stuck = append(stuck, g.passes[i].Name)
			}
		}
		return fmt.Errorf("%w: passes %v cannot be ordered", core.ErrCycleDetected, stuck)
	}
	return nil
}

func insertSorted(ids []PassID, id PassID) []PassID {
	i := 0
	for i < len(ids) && ids[i] < id {
		i++
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
