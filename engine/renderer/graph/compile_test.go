package graph

import (
	"errors"
	"reflect"
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
)

// Distinct family per kind: 0 graphics, 1 compute, 2 transfer.
var testFamilies = QueueFamilies{0, 1, 2}

func transferWrite(h ResourceHandle) PassAccess {
	return PassAccess{
		Handle: h,
		Kind:   AccessWrite,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Mask:   vk.AccessFlags(vk.AccessTransferWriteBit),
	}
}

func mustBuild(t *testing.T, b *Builder) *DependencyGraph {
	t.Helper()
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func indexOf(t *testing.T, cmds []Command, match func(Command) bool) int {
	t.Helper()
	for i, c := range cmds {
		if match(c) {
			return i
		}
	}
	t.Fatal("expected command not found")
	return -1
}

func TestCompileDisjointPassesEmitNoBarriers(t *testing.T) {
	b := NewBuilder()
	for _, name := range []string{"a", "b", "c"} {
		buf := NewBufferHandle(name)
		b.AddPass(PassDecl{Name: name, Queue: QueueGraphics, Accesses: []PassAccess{shaderWrite(buf)}})
	}
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if n := seq.BarrierCount(); n != 0 {
		t.Errorf("disjoint passes compiled to %d barriers, want 0", n)
	}
	if seq.SemaphoreCount != 0 {
		t.Errorf("disjoint same-queue passes need %d semaphores, want 0", seq.SemaphoreCount)
	}
}

func TestCompileWriteThenReadEmitsOrderedBarrier(t *testing.T) {
	buf := NewBufferHandle("particles")
	b := NewBuilder()
	p := b.AddPass(PassDecl{Name: "simulate", Queue: QueueCompute, Accesses: []PassAccess{shaderWrite(buf)}})
	q := b.AddPass(PassDecl{Name: "shade", Queue: QueueCompute, Accesses: []PassAccess{{
		Handle: buf,
		Kind:   AccessRead,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		Mask:   vk.AccessFlags(vk.AccessShaderReadBit),
	}}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(1), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	execP := indexOf(t, seq.Commands, func(c Command) bool {
		e, ok := c.(CmdExecutePass)
		return ok && e.Pass == p
	})
	execQ := indexOf(t, seq.Commands, func(c Command) bool {
		e, ok := c.(CmdExecutePass)
		return ok && e.Pass == q
	})
	barrierAt := indexOf(t, seq.Commands, func(c Command) bool {
		_, ok := c.(CmdPipelineBarrier)
		return ok
	})
	if !(execP < barrierAt && barrierAt < execQ) {
		t.Fatalf("barrier at %d not strictly between producer (%d) and consumer (%d)", barrierAt, execP, execQ)
	}

	barrier := seq.Commands[barrierAt].(CmdPipelineBarrier)
	if len(barrier.Buffers) != 1 {
		t.Fatalf("barrier has %d buffer entries, want 1", len(barrier.Buffers))
	}
	entry := barrier.Buffers[0]
	if entry.SrcMask != vk.AccessFlags(vk.AccessShaderWriteBit) {
		t.Errorf("src mask = %v, want writer's mask", entry.SrcMask)
	}
	if entry.DstMask != vk.AccessFlags(vk.AccessShaderReadBit) {
		t.Errorf("dst mask = %v, want reader's mask", entry.DstMask)
	}
	if entry.SrcFamily != entry.DstFamily {
		t.Error("same-queue hazard must not transfer ownership")
	}
}

func TestCompileTrackerReflectsPostPassState(t *testing.T) {
	img := NewImageHandle("albedo")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "draw", Queue: QueueGraphics, Accesses: []PassAccess{{
		Handle: img,
		Kind:   AccessWrite,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		Mask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
		Layout: vk.ImageLayoutColorAttachmentOptimal,
	}}})
	g := mustBuild(t, b)

	tr := NewTracker(0)
	if _, err := Compile(g, tr, testFamilies); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got, known := tr.StateOf(img)
	if !known {
		t.Fatal("compiled resource unknown to tracker")
	}
	want := ResourceState{
		Stage:       vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		Mask:        vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
		Layout:      vk.ImageLayoutColorAttachmentOptimal,
		QueueFamily: 0,
	}
	if got != want {
		t.Errorf("tracker state = %+v, want declared post-pass state %+v", got, want)
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	buf := NewBufferHandle("indirect")
	img := NewImageHandle("target")
	build := func() *DependencyGraph {
		b := NewBuilder()
		b.AddPass(PassDecl{Name: "upload", Queue: QueueTransfer, Accesses: []PassAccess{transferWrite(buf)}})
		b.AddPass(PassDecl{Name: "cull", Queue: QueueCompute, Accesses: []PassAccess{{
			Handle: buf,
			Kind:   AccessReadWrite,
			Stage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
			Mask:   vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit),
		}}})
		b.AddPass(PassDecl{Name: "draw", Queue: QueueGraphics, Accesses: []PassAccess{
			{
				Handle: buf,
				Kind:   AccessRead,
				Stage:  vk.PipelineStageFlags(vk.PipelineStageDrawIndirectBit),
				Mask:   vk.AccessFlags(vk.AccessIndirectCommandReadBit),
			},
			{
				Handle: img,
				Kind:   AccessWrite,
				Stage:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
				Mask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
				Layout: vk.ImageLayoutColorAttachmentOptimal,
			},
		}})
		return mustBuild(t, b)
	}

	base := NewTracker(0)
	first, err := Compile(build(), base.Clone(), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Compile(build(), base.Clone(), testFamilies)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if !reflect.DeepEqual(withoutHandles(first.Commands), withoutHandles(again.Commands)) {
			t.Fatalf("recompilation diverged on run %d", i)
		}
		if first.SemaphoreCount != again.SemaphoreCount {
			t.Fatalf("semaphore count diverged: %d vs %d", first.SemaphoreCount, again.SemaphoreCount)
		}
	}
}

// withoutHandles erases resource handles (fresh uuids per build) so
// command streams from separately built identical graphs compare equal.
func withoutHandles(cmds []Command) []Command {
	out := make([]Command, len(cmds))
	for i, c := range cmds {
		switch b := c.(type) {
		case CmdPipelineBarrier:
			nb := b
			nb.Buffers = append([]BufferBarrier(nil), b.Buffers...)
			nb.Images = append([]ImageBarrier(nil), b.Images...)
			for j := range nb.Buffers {
				nb.Buffers[j].Handle = ResourceHandle{}
			}
			for j := range nb.Images {
				nb.Images[j].Handle = ResourceHandle{}
			}
			out[i] = nb
		default:
			out[i] = c
		}
	}
	return out
}

func TestCompileSameGraphTwiceSameTrackerState(t *testing.T) {
	buf := NewBufferHandle("scene")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "write", Queue: QueueGraphics, Accesses: []PassAccess{shaderWrite(buf)}})
	b.AddPass(PassDecl{Name: "read", Queue: QueueGraphics, Accesses: []PassAccess{shaderRead(buf)}})
	g := mustBuild(t, b)

	base := NewTracker(0)
	base.Update(buf, ResourceState{
		Stage:       vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Mask:        vk.AccessFlags(vk.AccessTransferWriteBit),
		QueueFamily: 0,
	})

	first, err := Compile(g, base.Clone(), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	second, err := Compile(g, base.Clone(), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !reflect.DeepEqual(first.Commands, second.Commands) {
		t.Error("identical graph and tracker state compiled to different sequences")
	}
}

func TestCompileCrossQueueTransferUsesReleaseAcquire(t *testing.T) {
	buf := NewBufferHandle("mesh-upload")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "upload", Queue: QueueTransfer, Accesses: []PassAccess{transferWrite(buf)}})
	b.AddPass(PassDecl{Name: "draw", Queue: QueueGraphics, Accesses: []PassAccess{{
		Handle: buf,
		Kind:   AccessRead,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageVertexInputBit),
		Mask:   vk.AccessFlags(vk.AccessVertexAttributeReadBit),
	}}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var release, acquire *CmdPipelineBarrier
	for _, c := range seq.Commands {
		pb, ok := c.(CmdPipelineBarrier)
		if !ok || !pb.IsOwnershipTransfer() {
			continue
		}
		switch pb.Queue {
		case QueueTransfer:
			release = &pb
		case QueueGraphics:
			acquire = &pb
		}
	}
	if release == nil {
		t.Fatal("no ownership release on the transfer queue")
	}
	if acquire == nil {
		t.Fatal("no ownership acquire on the graphics queue")
	}
	if release.Buffers[0].SrcFamily != 2 || release.Buffers[0].DstFamily != 0 {
		t.Errorf("release families = %d→%d, want 2→0",
			release.Buffers[0].SrcFamily, release.Buffers[0].DstFamily)
	}
	if acquire.Buffers[0].SrcFamily != 2 || acquire.Buffers[0].DstFamily != 0 {
		t.Errorf("acquire families = %d→%d, want 2→0",
			acquire.Buffers[0].SrcFamily, acquire.Buffers[0].DstFamily)
	}
	if seq.SemaphoreCount == 0 {
		t.Error("cross-queue transfer compiled without any semaphore")
	}

	// The graphics side must wait on the transfer queue's signal before
	// acquiring; a same-queue barrier cannot order across queues.
	relAt := indexOf(t, seq.Commands, func(c Command) bool {
		pb, ok := c.(CmdPipelineBarrier)
		return ok && pb.Queue == QueueTransfer && pb.IsOwnershipTransfer()
	})
	acqAt := indexOf(t, seq.Commands, func(c Command) bool {
		pb, ok := c.(CmdPipelineBarrier)
		return ok && pb.Queue == QueueGraphics && pb.IsOwnershipTransfer()
	})
	sig, ok := seq.Commands[relAt+1].(CmdSignalSemaphore)
	if !ok || sig.Queue != QueueTransfer {
		t.Fatalf("expected a semaphore signal right after the release, got %T", seq.Commands[relAt+1])
	}
	waitAt := indexOf(t, seq.Commands, func(c Command) bool {
		w, ok := c.(CmdWaitSemaphore)
		return ok && w.Queue == QueueGraphics && w.Semaphore == sig.Semaphore
	})
	if !(relAt < waitAt && waitAt < acqAt) {
		t.Errorf("transfer ordering broken: release %d, wait %d, acquire %d", relAt, waitAt, acqAt)
	}
}

func TestCompileSharedFamilyNeedsNoSemaphore(t *testing.T) {
	// All kinds on family 0, as on hardware with one universal queue.
	shared := QueueFamilies{0, 0, 0}
	buf := NewBufferHandle("upload")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "upload", Queue: QueueTransfer, Accesses: []PassAccess{transferWrite(buf)}})
	b.AddPass(PassDecl{Name: "draw", Queue: QueueGraphics, Accesses: []PassAccess{shaderRead(buf)}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), shared)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if seq.SemaphoreCount != 0 {
		t.Errorf("shared family compiled %d semaphores, want 0", seq.SemaphoreCount)
	}
	if seq.BarrierCount() != 1 {
		t.Errorf("shared family compiled %d barriers, want 1", seq.BarrierCount())
	}
}

func TestCompileBatchesBarriersPerPass(t *testing.T) {
	a := NewBufferHandle("a")
	c := NewBufferHandle("c")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "w1", Queue: QueueGraphics, Accesses: []PassAccess{shaderWrite(a)}})
	b.AddPass(PassDecl{Name: "w2", Queue: QueueGraphics, Accesses: []PassAccess{shaderWrite(c)}})
	b.AddPass(PassDecl{Name: "gather", Queue: QueueGraphics, Accesses: []PassAccess{shaderRead(a), shaderRead(c)}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if n := seq.BarrierCount(); n != 1 {
		t.Fatalf("expected one combined barrier for the gather pass, got %d", n)
	}
	barrier := seq.Commands[indexOf(t, seq.Commands, func(c Command) bool {
		_, ok := c.(CmdPipelineBarrier)
		return ok
	})].(CmdPipelineBarrier)
	if len(barrier.Buffers) != 2 {
		t.Errorf("combined barrier has %d entries, want 2", len(barrier.Buffers))
	}
}

func TestCompileIdenticalReadsDoNotRepeatBarriers(t *testing.T) {
	buf := NewBufferHandle("static")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "write", Queue: QueueGraphics, Accesses: []PassAccess{shaderWrite(buf)}})
	b.AddPass(PassDecl{Name: "read-a", Queue: QueueGraphics, Accesses: []PassAccess{shaderRead(buf)}})
	b.AddPass(PassDecl{Name: "read-b", Queue: QueueGraphics, Accesses: []PassAccess{shaderRead(buf)}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if n := seq.BarrierCount(); n != 1 {
		t.Errorf("read broadcast compiled %d barriers, want 1 (before the first read only)", n)
	}
}

func TestCompileRejectsMissingStage(t *testing.T) {
	buf := NewBufferHandle("b")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "broken", Queue: QueueGraphics, Accesses: []PassAccess{{
		Handle: buf,
		Kind:   AccessRead,
		Mask:   vk.AccessFlags(vk.AccessShaderReadBit),
	}}})
	g := mustBuild(t, b)

	_, err := Compile(g, NewTracker(0), testFamilies)
	if !errors.Is(err, core.ErrUnsatisfiableTransition) {
		t.Fatalf("expected ErrUnsatisfiableTransition, got %v", err)
	}
}

func TestCompileFirstImageUseTransitionsLayout(t *testing.T) {
	img := NewImageHandle("depth")
	b := NewBuilder()
	b.AddPass(PassDecl{Name: "depth-prepass", Queue: QueueGraphics, Accesses: []PassAccess{{
		Handle: img,
		Kind:   AccessWrite,
		Stage:  vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit),
		Mask:   vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
		Layout: vk.ImageLayoutDepthStencilAttachmentOptimal,
	}}})
	g := mustBuild(t, b)

	seq, err := Compile(g, NewTracker(0), testFamilies)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if seq.BarrierCount() != 1 {
		t.Fatalf("first image use compiled %d barriers, want 1 layout transition", seq.BarrierCount())
	}
	barrier := seq.Commands[indexOf(t, seq.Commands, func(c Command) bool {
		_, ok := c.(CmdPipelineBarrier)
		return ok
	})].(CmdPipelineBarrier)
	im := barrier.Images[0]
	if im.OldLayout != vk.ImageLayoutUndefined || im.NewLayout != vk.ImageLayoutDepthStencilAttachmentOptimal {
		t.Errorf("layout transition %v→%v, want undefined→depth-stencil", im.OldLayout, im.NewLayout)
	}
}
