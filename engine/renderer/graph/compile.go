package graph

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"golang.org/x/exp/slices"

	"github.com/basaltengine/basalt/engine/core"
)

// Compile walks the graph in topological order and emits the minimal
// ordered command sequence that makes every pass's declared accesses
// correct: pipeline barriers where a resource's tracked state differs
// from the required one, and release/acquire pairs joined by semaphores
// where the owning queue family changes. Barriers for one pass are
// batched into a single combined barrier command.
//
// The tracker is updated to post-pass ground truth after each pass, so
// the output is deterministic for identical input and tracker state.
func Compile(g *DependencyGraph, tracker *Tracker, families QueueFamilies) (*CommandSequence, error) {
	seq := &CommandSequence{Graph: g}

	// Work on a copy so a failed compilation leaves the tracker exactly
	// as it was; commit once the whole walk succeeds.
	work := tracker.Clone()

	// Semaphores for cross-family edges, allocated in execution order so
	// numbering is stable.
	type edgeKey struct{ from, to PassID }
	edgeSems := make(map[edgeKey]SemaphoreID)
	nextSem := SemaphoreID(0)
	for _, u := range g.Order() {
		succs := slices.Clone(g.Successors(u))
		slices.Sort(succs)
		for _, v := range succs {
			if !families.Shared(g.Pass(u).Queue, g.Pass(v).Queue) {
				edgeSems[edgeKey{u, v}] = nextSem
				nextSem++
			}
		}
	}

	for _, id := range g.Order() {
		decl := g.Pass(id)
		passFamily := families.FamilyOf(decl.Queue)

		waitStages := vk.PipelineStageFlags(0)
		for _, acc := range decl.Accesses {
			waitStages |= acc.Stage
		}
		if waitStages == 0 {
			waitStages = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		}

		// Wait on every cross-family predecessor before any of this
		// pass's barriers or commands.
		preds := slices.Clone(g.Predecessors(id))
		slices.Sort(preds)
		for _, p := range preds {
			if sem, ok := edgeSems[edgeKey{p, id}]; ok {
				seq.Commands = append(seq.Commands, CmdWaitSemaphore{
					Queue:     decl.Queue,
					Semaphore: sem,
					Stage:     waitStages,
				})
			}
		}

		seq.Commands = append(seq.Commands, CmdBeginPass{Queue: decl.Queue, Pass: id, Name: decl.Name})

		barrier := CmdPipelineBarrier{Queue: decl.Queue}
		for _, acc := range decl.Accesses {
			if acc.Stage == 0 {
				return nil, fmt.Errorf("%w: pass %q access to %s has no pipeline stage",
					core.ErrUnsatisfiableTransition, decl.Name, acc.Handle)
			}
			state, known := work.StateOf(acc.Handle)

			switch {
			case known && state.QueueFamily != passFamily:
				// Ownership transfer: release on the owning queue,
				// acquire here, joined by a dedicated semaphore. A
				// same-queue barrier cannot order across queues.
				srcKind, ok := kindForFamily(families, state.QueueFamily)
				if !ok {
					return nil, fmt.Errorf("%w: %s owned by unknown queue family %d (pass %q)",
						core.ErrUnsatisfiableTransition, acc.Handle, state.QueueFamily, decl.Name)
				}
				sem := nextSem
				nextSem++

				release := CmdPipelineBarrier{
					Queue:    srcKind,
					SrcStage: nonZeroStage(state.Stage),
					DstStage: vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
				}
				appendTransfer(&release, acc.Handle, state, acc, state.QueueFamily, passFamily, true)
				seq.Commands = append(seq.Commands,
					release,
					CmdSignalSemaphore{Queue: srcKind, Semaphore: sem},
					CmdWaitSemaphore{Queue: decl.Queue, Semaphore: sem, Stage: acc.Stage},
				)

				// The acquire half repeats families and layouts and
				// joins the pass's batched barrier.
				barrier.SrcStage |= vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
				barrier.DstStage |= acc.Stage
				appendTransfer(&barrier, acc.Handle, state, acc, state.QueueFamily, passFamily, false)

			case transitionNeeded(state, known, acc):
				srcMask := state.Mask
				srcStage := nonZeroStage(state.Stage)
				if !known {
					// Pristine resource: nothing to wait for beyond
					// the layout transition itself.
					srcMask = 0
					srcStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
				}
				barrier.SrcStage |= srcStage
				barrier.DstStage |= acc.Stage
				if acc.Handle.Kind() == ResourceImage {
					barrier.Images = append(barrier.Images, ImageBarrier{
						Handle:    acc.Handle,
						SrcMask:   srcMask,
						DstMask:   acc.Mask,
						OldLayout: state.Layout,
						NewLayout: acc.Layout,
						SrcFamily: passFamily,
						DstFamily: passFamily,
					})
				} else {
					barrier.Buffers = append(barrier.Buffers, BufferBarrier{
						Handle:    acc.Handle,
						SrcMask:   srcMask,
						DstMask:   acc.Mask,
						SrcFamily: passFamily,
						DstFamily: passFamily,
					})
				}
			}
		}
		if len(barrier.Buffers) > 0 || len(barrier.Images) > 0 {
			seq.Commands = append(seq.Commands, barrier)
		}

		seq.Commands = append(seq.Commands, CmdExecutePass{Queue: decl.Queue, Pass: id})

		succs := slices.Clone(g.Successors(id))
		slices.Sort(succs)
		for _, v := range succs {
			if sem, ok := edgeSems[edgeKey{id, v}]; ok {
				seq.Commands = append(seq.Commands, CmdSignalSemaphore{Queue: decl.Queue, Semaphore: sem})
			}
		}

		// Record ground truth: the state every resource will be in once
		// this pass's commands execute.
		for _, acc := range decl.Accesses {
			work.Update(acc.Handle, ResourceState{
				Stage:       acc.Stage,
				Mask:        acc.Mask,
				Layout:      acc.Layout,
				QueueFamily: passFamily,
			})
		}
	}

	seq.SemaphoreCount = int(nextSem)
	*tracker = *work
	return seq, nil
}

// transitionNeeded reports whether the tracked state differs from the
// access requirements. A resource that was never used needs a barrier
// only for an image layout transition; its content is undefined, so
// there is nothing to make visible.
func transitionNeeded(state ResourceState, known bool, acc PassAccess) bool {
	if !known {
		return acc.Handle.Kind() == ResourceImage && acc.Layout != vk.ImageLayoutUndefined
	}
	return state.Stage != acc.Stage || state.Mask != acc.Mask || state.Layout != acc.Layout
}

// appendTransfer adds the release or acquire half of an ownership
// transfer to the given barrier command.
func appendTransfer(b *CmdPipelineBarrier, h ResourceHandle, state ResourceState, acc PassAccess, srcFamily, dstFamily uint32, release bool) {
	srcMask := state.Mask
	dstMask := acc.Mask
	if release {
		// Availability only; visibility happens on the acquire side.
		dstMask = 0
	} else {
		srcMask = 0
	}
	if h.Kind() == ResourceImage {
		b.Images = append(b.Images, ImageBarrier{
			Handle:    h,
			SrcMask:   srcMask,
			DstMask:   dstMask,
			OldLayout: state.Layout,
			NewLayout: acc.Layout,
			SrcFamily: srcFamily,
			DstFamily: dstFamily,
		})
	} else {
		b.Buffers = append(b.Buffers, BufferBarrier{
			Handle:    h,
			SrcMask:   srcMask,
			DstMask:   dstMask,
			SrcFamily: srcFamily,
			DstFamily: dstFamily,
		})
	}
}

func nonZeroStage(s vk.PipelineStageFlags) vk.PipelineStageFlags {
	if s == 0 {
		return vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
	}
	return s
}

// kindForFamily maps a family index back to the first queue kind backed
// by it.
func kindForFamily(families QueueFamilies, family uint32) (QueueKind, bool) {
	for q := QueueGraphics; q < queueKindCount; q++ {
		if families.FamilyOf(q) == family {
			return q, true
		}
	}
	return QueueGraphics, false
}
