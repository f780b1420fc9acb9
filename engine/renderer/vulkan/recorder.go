package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/graph"
)

// queueSubmission is one batch bound for a single queue: the commands
// recorded into one primary buffer plus the semaphores the submission
// waits on and signals. Batches on the same queue with no intervening
// semaphore wait are folded together by the segmenter.
type queueSubmission struct {
	queue      graph.QueueKind
	commands   []graph.Command
	waits      []vk.Semaphore
	waitStages []vk.PipelineStageFlags
	signals    []vk.Semaphore

	// tail, when set, records extra commands after the batch's graph
	// commands. Used for the end-of-frame present transition.
	tail func(cb vk.CommandBuffer)

	buffer *VulkanCommandBuffer
}

// segmentSequence splits a compiled command sequence into per-queue
// submission batches. A semaphore wait opens a new batch (the wait must
// gate everything after it); a semaphore signal closes its batch so the
// signal fires as soon as the release work is done. Batch close order
// follows the sequence, so every signal is submitted before the batch
// that waits on it.
func segmentSequence(seq *graph.CommandSequence, sems []vk.Semaphore) []*queueSubmission {
	var ordered []*queueSubmission
	open := make(map[graph.QueueKind]*queueSubmission)

	batchFor := func(q graph.QueueKind) *queueSubmission {
		if b, ok := open[q]; ok {
			return b
		}
		b := &queueSubmission{queue: q}
		open[q] = b
		return b
	}
	closeBatch := func(q graph.QueueKind) {
		if b, ok := open[q]; ok {
			ordered = append(ordered, b)
			delete(open, q)
		}
	}

	for _, cmd := range seq.Commands {
		switch c := cmd.(type) {
		case graph.CmdWaitSemaphore:
			if b, ok := open[c.Queue]; ok && len(b.commands) > 0 {
				closeBatch(c.Queue)
			}
			b := batchFor(c.Queue)
			b.waits = append(b.waits, sems[c.Semaphore])
			b.waitStages = append(b.waitStages, c.Stage)
		case graph.CmdSignalSemaphore:
			b := batchFor(c.Queue)
			b.signals = append(b.signals, sems[c.Semaphore])
			closeBatch(c.Queue)
		default:
			b := batchFor(cmd.CommandQueue())
			b.commands = append(b.commands, cmd)
		}
	}
	// Close leftovers in queue order for a stable tail.
	for _, q := range []graph.QueueKind{graph.QueueGraphics, graph.QueueCompute, graph.QueueTransfer} {
		closeBatch(q)
	}
	return ordered
}

// recorder turns compiled command sequences into submitted GPU work.
type recorder struct {
	context  *VulkanContext
	registry *resourceRegistry
	locks    *VulkanLockPool
	workers  int
}

// record distributes the batches across recording workers. Each worker
// owns its slice of the frame slot's command pools, so no pool is ever
// touched by two goroutines.
func (r *recorder) record(batches []*queueSubmission, pools *FramePools, graphOf *graph.DependencyGraph) error {
	workers := r.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(batches) {
		workers = len(batches)
	}
	if workers == 0 {
		return nil
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; i < len(batches); i += workers {
				if err := r.recordBatch(batches[i], pools, worker, graphOf); err != nil {
					errs[worker] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *recorder) recordBatch(batch *queueSubmission, pools *FramePools, worker int, g *graph.DependencyGraph) error {
	family := r.context.Device.Families().FamilyOf(batch.queue)
	cb, err := pools.Acquire(worker, family)
	if err != nil {
		return err
	}
	if err := cb.Begin(true, false); err != nil {
		return err
	}

	for _, cmd := range batch.commands {
		switch c := cmd.(type) {
		case graph.CmdBeginPass:
			core.LogDebug("recording pass %q on %s", c.Name, c.Queue)
		case graph.CmdPipelineBarrier:
			if err := r.recordBarrier(cb.Handle, c); err != nil {
				return err
			}
		case graph.CmdExecutePass:
			decl := g.Pass(c.Pass)
			if decl.Execute != nil {
				decl.Execute(cb.Handle)
			}
		default:
			return fmt.Errorf("unexpected command %T inside a submission batch", cmd)
		}
	}

	if batch.tail != nil {
		batch.tail(cb.Handle)
	}

	if err := cb.End(); err != nil {
		return err
	}
	batch.buffer = cb
	return nil
}

func (r *recorder) recordBarrier(cb vk.CommandBuffer, cmd graph.CmdPipelineBarrier) error {
	bufferBarriers := make([]vk.BufferMemoryBarrier, 0, len(cmd.Buffers))
	for _, b := range cmd.Buffers {
		res, ok := r.registry.lookup(b.Handle)
		if !ok {
			return fmt.Errorf("%w: barrier references unknown buffer %s",
				core.ErrUnsatisfiableTransition, b.Handle)
		}
		srcFamily, dstFamily := b.SrcFamily, b.DstFamily
		if srcFamily == dstFamily {
			srcFamily, dstFamily = vk.QueueFamilyIgnored, vk.QueueFamilyIgnored
		}
		bufferBarriers = append(bufferBarriers, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       b.SrcMask,
			DstAccessMask:       b.DstMask,
			SrcQueueFamilyIndex: srcFamily,
			DstQueueFamilyIndex: dstFamily,
			Buffer:              res.buffer,
			Offset:              0,
			Size:                vk.DeviceSize(vk.WholeSize),
		})
	}

	imageBarriers := make([]vk.ImageMemoryBarrier, 0, len(cmd.Images))
	for _, im := range cmd.Images {
		res, ok := r.registry.lookup(im.Handle)
		if !ok {
			return fmt.Errorf("%w: barrier references unknown image %s",
				core.ErrUnsatisfiableTransition, im.Handle)
		}
		srcFamily, dstFamily := im.SrcFamily, im.DstFamily
		if srcFamily == dstFamily {
			srcFamily, dstFamily = vk.QueueFamilyIgnored, vk.QueueFamilyIgnored
		}
		imageBarriers = append(imageBarriers, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       im.SrcMask,
			DstAccessMask:       im.DstMask,
			OldLayout:           im.OldLayout,
			NewLayout:           im.NewLayout,
			SrcQueueFamilyIndex: srcFamily,
			DstQueueFamilyIndex: dstFamily,
			Image:               res.image,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: res.aspect,
				LevelCount: 1,
				LayerCount: 1,
			},
		})
	}

	vk.CmdPipelineBarrier(cb,
		cmd.SrcStage, cmd.DstStage, 0,
		0, nil,
		uint32(len(bufferBarriers)), bufferBarriers,
		uint32(len(imageBarriers)), imageBarriers)
	return nil
}

// presentTransitionBarrier moves an acquired swapchain image into the
// presentable layout. No pass renders to the swapchain image directly,
// so prior contents are discardable and the transition starts from
// Undefined.
func presentTransitionBarrier(image vk.Image) vk.ImageMemoryBarrier {
	return vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       0,
		DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit),
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutPresentSrc,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
}

// queueTails returns, per queue kind, the index of the last batch bound
// for that queue. Independent queues carry no semaphore between them, so
// a single fence on the final batch would not prove the other queues'
// work has finished; the slot's fence for each queue rides that queue's
// tail batch instead.
func queueTails(batches []*queueSubmission) map[graph.QueueKind]int {
	tails := make(map[graph.QueueKind]int, len(batches))
	for i, b := range batches {
		tails[b.queue] = i
	}
	return tails
}

// submit hands the recorded batches to their queues in close order,
// serialized per queue family. Each queue's slot fence is attached to
// that queue's last batch; fences for queues with no work this frame
// are left signaled.
func (r *recorder) submit(batches []*queueSubmission, fences []*VulkanFence) error {
	tails := queueTails(batches)
	for i, batch := range batches {
		var submitFence vk.Fence
		if fences != nil && tails[batch.queue] == i {
			f := fences[batch.queue]
			if err := f.FenceReset(r.context); err != nil {
				return err
			}
			submitFence = f.Handle
		}

		submitInfo := vk.SubmitInfo{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   uint32(len(batch.waits)),
			PWaitSemaphores:      batch.waits,
			PWaitDstStageMask:    batch.waitStages,
			CommandBufferCount:   1,
			PCommandBuffers:      []vk.CommandBuffer{batch.buffer.Handle},
			SignalSemaphoreCount: uint32(len(batch.signals)),
			PSignalSemaphores:    batch.signals,
		}

		family := r.context.Device.Families().FamilyOf(batch.queue)
		queue := r.context.Device.QueueFor(batch.queue)
		err := r.locks.SafeQueueCall(family, func() error {
			if res := vk.QueueSubmit(queue, 1, []vk.SubmitInfo{submitInfo}, submitFence); res != vk.Success {
				return fmt.Errorf("queue submit on %s failed: %s", batch.queue, VulkanResultString(res))
			}
			return nil
		})
		if err != nil {
			core.LogError(err.Error())
			return err
		}
		batch.buffer.UpdateSubmitted()
	}
	return nil
}
