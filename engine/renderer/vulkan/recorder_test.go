package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/renderer/graph"
)

func TestSegmentFoldsSameQueueCommands(t *testing.T) {
	// Two passes on the same queue with a barrier between them fold
	// into one submission batch.
	seq := &graph.CommandSequence{
		Commands: []graph.Command{
			graph.CmdBeginPass{Queue: graph.QueueGraphics, Pass: 0, Name: "a"},
			graph.CmdExecutePass{Queue: graph.QueueGraphics, Pass: 0},
			graph.CmdBeginPass{Queue: graph.QueueGraphics, Pass: 1, Name: "b"},
			graph.CmdPipelineBarrier{Queue: graph.QueueGraphics},
			graph.CmdExecutePass{Queue: graph.QueueGraphics, Pass: 1},
		},
	}

	batches := segmentSequence(seq, nil)
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if got := len(batches[0].commands); got != 5 {
		t.Fatalf("folded batch has %d commands, want 5", got)
	}
	if batches[0].queue != graph.QueueGraphics {
		t.Fatalf("batch queue = %v, want graphics", batches[0].queue)
	}
}

func TestSegmentSplitsOnSemaphoreWait(t *testing.T) {
	// compute produces, graphics consumes across families: the signal
	// closes the producer batch and the wait opens a fresh consumer
	// batch, in that submission order.
	sems := make([]vk.Semaphore, 1)
	seq := &graph.CommandSequence{
		SemaphoreCount: 1,
		Commands: []graph.Command{
			graph.CmdBeginPass{Queue: graph.QueueCompute, Pass: 0, Name: "produce"},
			graph.CmdExecutePass{Queue: graph.QueueCompute, Pass: 0},
			graph.CmdSignalSemaphore{Queue: graph.QueueCompute, Semaphore: 0},
			graph.CmdWaitSemaphore{Queue: graph.QueueGraphics, Semaphore: 0, Stage: vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)},
			graph.CmdBeginPass{Queue: graph.QueueGraphics, Pass: 1, Name: "consume"},
			graph.CmdExecutePass{Queue: graph.QueueGraphics, Pass: 1},
		},
	}

	batches := segmentSequence(seq, sems)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}

	producer, consumer := batches[0], batches[1]
	if producer.queue != graph.QueueCompute {
		t.Fatalf("first submitted batch on %v, want compute (signal before wait)", producer.queue)
	}
	if len(producer.signals) != 1 {
		t.Fatalf("producer signals = %d, want 1", len(producer.signals))
	}
	if consumer.queue != graph.QueueGraphics {
		t.Fatalf("second batch on %v, want graphics", consumer.queue)
	}
	if len(consumer.waits) != 1 || len(consumer.waitStages) != 1 {
		t.Fatalf("consumer waits = %d/%d, want 1/1", len(consumer.waits), len(consumer.waitStages))
	}
	if consumer.waitStages[0] != vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) {
		t.Fatalf("consumer wait stage = %v", consumer.waitStages[0])
	}
}

func TestSegmentWaitAfterCommandsOpensNewBatch(t *testing.T) {
	// An ownership-transfer wait in the middle of a pass's commands must
	// split the consumer's work so the wait gates the acquire.
	sems := make([]vk.Semaphore, 1)
	seq := &graph.CommandSequence{
		SemaphoreCount: 1,
		Commands: []graph.Command{
			graph.CmdBeginPass{Queue: graph.QueueGraphics, Pass: 0, Name: "consume"},
			graph.CmdWaitSemaphore{Queue: graph.QueueGraphics, Semaphore: 0, Stage: vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit)},
			graph.CmdPipelineBarrier{Queue: graph.QueueGraphics},
			graph.CmdExecutePass{Queue: graph.QueueGraphics, Pass: 0},
		},
	}

	batches := segmentSequence(seq, sems)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if len(batches[0].commands) != 1 || len(batches[0].waits) != 0 {
		t.Fatalf("pre-wait batch: %d commands, %d waits", len(batches[0].commands), len(batches[0].waits))
	}
	if len(batches[1].waits) != 1 || len(batches[1].commands) != 2 {
		t.Fatalf("post-wait batch: %d commands, %d waits", len(batches[1].commands), len(batches[1].waits))
	}
}

func TestSegmentInterleavedQueues(t *testing.T) {
	// Independent work on three queues stays in three batches with no
	// semaphores at all.
	seq := &graph.CommandSequence{
		Commands: []graph.Command{
			graph.CmdBeginPass{Queue: graph.QueueGraphics, Pass: 0, Name: "draw"},
			graph.CmdExecutePass{Queue: graph.QueueGraphics, Pass: 0},
			graph.CmdBeginPass{Queue: graph.QueueCompute, Pass: 1, Name: "simulate"},
			graph.CmdExecutePass{Queue: graph.QueueCompute, Pass: 1},
			graph.CmdBeginPass{Queue: graph.QueueTransfer, Pass: 2, Name: "upload"},
			graph.CmdExecutePass{Queue: graph.QueueTransfer, Pass: 2},
		},
	}

	batches := segmentSequence(seq, nil)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	for _, b := range batches {
		if len(b.waits) != 0 || len(b.signals) != 0 {
			t.Fatalf("independent batch on %v carries semaphores", b.queue)
		}
		if len(b.commands) != 2 {
			t.Fatalf("batch on %v has %d commands, want 2", b.queue, len(b.commands))
		}
	}
}

func TestQueueTailsFenceEveryQueue(t *testing.T) {
	// Independent passes on different queues compile with no semaphore
	// linking them, so a fence on the final batch alone would not cover
	// the other queue's work. Every queue with a batch must own a tail
	// for its slot fence to ride.
	gfxBuf := graph.NewBufferHandle("vertices")
	simBuf := graph.NewBufferHandle("particles")

	b := graph.NewBuilder()
	b.AddPass(graph.PassDecl{Name: "draw", Queue: graph.QueueGraphics, Accesses: []graph.PassAccess{{
		Handle: gfxBuf,
		Kind:   graph.AccessWrite,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit),
		Mask:   vk.AccessFlags(vk.AccessShaderWriteBit),
	}}})
	b.AddPass(graph.PassDecl{Name: "simulate", Queue: graph.QueueCompute, Accesses: []graph.PassAccess{{
		Handle: simBuf,
		Kind:   graph.AccessWrite,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		Mask:   vk.AccessFlags(vk.AccessShaderWriteBit),
	}}})
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	seq, err := graph.Compile(g, graph.NewTracker(0), graph.QueueFamilies{0, 1, 2})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if seq.SemaphoreCount != 0 {
		t.Fatalf("independent passes need %d semaphores, want 0", seq.SemaphoreCount)
	}

	batches := segmentSequence(seq, nil)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}

	tails := queueTails(batches)
	for _, q := range []graph.QueueKind{graph.QueueGraphics, graph.QueueCompute} {
		i, ok := tails[q]
		if !ok {
			t.Fatalf("no tail batch for %v, its slot fence would never arm", q)
		}
		if batches[i].queue != q {
			t.Fatalf("tail for %v points at a %v batch", q, batches[i].queue)
		}
	}
	if tails[graph.QueueGraphics] == tails[graph.QueueCompute] {
		t.Fatal("graphics and compute share a tail batch")
	}
}

func TestPresentTransitionBarrier(t *testing.T) {
	barrier := presentTransitionBarrier(vk.NullImage)

	if barrier.OldLayout != vk.ImageLayoutUndefined {
		t.Errorf("old layout = %v, want Undefined", barrier.OldLayout)
	}
	if barrier.NewLayout != vk.ImageLayoutPresentSrc {
		t.Errorf("new layout = %v, want PresentSrc", barrier.NewLayout)
	}
	if barrier.SrcQueueFamilyIndex != vk.QueueFamilyIgnored || barrier.DstQueueFamilyIndex != vk.QueueFamilyIgnored {
		t.Error("present transition must not encode an ownership transfer")
	}
	if barrier.SubresourceRange.AspectMask != vk.ImageAspectFlags(vk.ImageAspectColorBit) {
		t.Errorf("aspect = %v, want color", barrier.SubresourceRange.AspectMask)
	}
}
