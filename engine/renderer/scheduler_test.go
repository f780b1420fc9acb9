package renderer

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/config"
	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// fakeBackend simulates the GPU side: each Submit marks its slot as
// in flight, each BeginFrame plays the fence wait and clears it. A
// Submit into a slot that is still in flight is the exact bug the
// scheduler must prevent.
type fakeBackend struct {
	families graph.QueueFamilies

	inFlight  map[int]bool
	begins    int
	submits   int
	presents  int
	destroyed map[int][]graph.ResourceHandle

	// scripted failures, consumed in order
	beginErrs   []error
	presentErrs []error

	unsafeSubmit bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		families:  graph.QueueFamilies{0, 1, 2},
		inFlight:  map[int]bool{},
		destroyed: map[int][]graph.ResourceHandle{},
	}
}

func (f *fakeBackend) Initialize(appName string, width, height uint32) error { return nil }
func (f *fakeBackend) Shutdown() error                                       { return nil }
func (f *fakeBackend) Resized(width, height uint32) error                    { return nil }
func (f *fakeBackend) QueueFamilies() graph.QueueFamilies                    { return f.families }

func (f *fakeBackend) BeginFrame(slot int) error {
	f.begins++
	if len(f.beginErrs) > 0 {
		err := f.beginErrs[0]
		f.beginErrs = f.beginErrs[1:]
		if err != nil {
			return err
		}
	}
	f.inFlight[slot] = false
	return nil
}

func (f *fakeBackend) Submit(seq *graph.CommandSequence, slot int) error {
	if f.inFlight[slot] {
		f.unsafeSubmit = true
	}
	f.inFlight[slot] = true
	f.submits++
	return nil
}

func (f *fakeBackend) Present(slot int) error {
	f.presents++
	if len(f.presentErrs) > 0 {
		err := f.presentErrs[0]
		f.presentErrs = f.presentErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) CreateBuffer(name string, size uint64, usage vk.BufferUsageFlags, locality memory.Locality) (graph.ResourceHandle, error) {
	return graph.NewBufferHandle(name), nil
}

func (f *fakeBackend) CreateImage(name string, width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (graph.ResourceHandle, error) {
	return graph.NewImageHandle(name), nil
}

func (f *fakeBackend) DestroyResource(h graph.ResourceHandle, slot int) {
	f.destroyed[slot] = append(f.destroyed[slot], h)
}

func testRendererConfig(frames int) config.Renderer {
	cfg := config.Default().Renderer
	cfg.FramesInFlight = frames
	return cfg
}

func newTestRenderer(t *testing.T, be Backend, frames int) *Renderer {
	t.Helper()
	r := New(be, testRendererConfig(frames))
	if err := r.Initialize("test", 640, 480); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return r
}

func TestFrameSlotSafety(t *testing.T) {
	const frames = 3
	be := newFakeBackend()
	r := newTestRenderer(t, be, frames)

	buf, _ := r.CreateBuffer("scene", 1024, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), memory.DeviceLocal)
	img, _ := r.CreateImage("target", 640, 480, vk.FormatB8g8r8a8Unorm, vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit))

	rng := rand.New(rand.NewSource(11))
	for frame := 0; frame < 3*frames+2; frame++ {
		wantSlot := frame % frames
		if got := r.FrameSlot(); got != wantSlot {
			t.Fatalf("frame %d: slot = %d, want %d", frame, got, wantSlot)
		}
		err := r.DrawFrame(func(b *graph.Builder) error {
			// randomized workload: one to three passes over shared resources
			n := 1 + rng.Intn(3)
			for i := 0; i < n; i++ {
				kind := graph.AccessRead
				if rng.Intn(2) == 0 {
					kind = graph.AccessWrite
				}
				b.AddPass(graph.PassDecl{
					Name:  fmt.Sprintf("pass-%d", i),
					Queue: graph.QueueGraphics,
					Accesses: []graph.PassAccess{
						{
							Handle: buf,
							Kind:   kind,
							Stage:  vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
							Mask:   vk.AccessFlags(vk.AccessShaderReadBit),
						},
						{
							Handle: img,
							Kind:   graph.AccessWrite,
							Stage:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
							Mask:   vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
							Layout: vk.ImageLayoutColorAttachmentOptimal,
						},
					},
				})
			}
			return nil
		})
		if err != nil {
			t.Fatalf("frame %d: %v", frame, err)
		}
	}

	if be.unsafeSubmit {
		t.Fatal("a frame slot was reused before its fence wait")
	}
	if be.submits != 3*frames+2 {
		t.Fatalf("submits = %d, want %d", be.submits, 3*frames+2)
	}
}

func TestSlotReclaimedBeforeReuse(t *testing.T) {
	be := newFakeBackend()
	r := newTestRenderer(t, be, 2)

	var reclaimed []int
	r.SetSlotReclaimedFunc(func(slot int) { reclaimed = append(reclaimed, slot) })

	for i := 0; i < 4; i++ {
		if err := r.DrawFrame(func(b *graph.Builder) error { return nil }); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	want := []int{0, 1, 0, 1}
	if len(reclaimed) != len(want) {
		t.Fatalf("reclaimed = %v, want %v", reclaimed, want)
	}
	for i := range want {
		if reclaimed[i] != want[i] {
			t.Fatalf("reclaimed = %v, want %v", reclaimed, want)
		}
	}
}

func TestSwapchainOutOfDateRecovery(t *testing.T) {
	be := newFakeBackend()
	be.presentErrs = []error{core.ErrSwapchainOutOfDate}
	be.beginErrs = []error{nil, core.ErrSwapchainBooting}
	r := newTestRenderer(t, be, 2)

	// frame 0 presents stale, frame 1 is skipped while the swapchain
	// recreates, frame 2 runs normally
	for i := 0; i < 3; i++ {
		if err := r.DrawFrame(func(b *graph.Builder) error { return nil }); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if be.submits != 2 {
		t.Fatalf("submits = %d, want 2 (recreation frame skipped)", be.submits)
	}
}

func TestCycleAbortsBeforeSubmit(t *testing.T) {
	be := newFakeBackend()
	r := newTestRenderer(t, be, 2)

	buf, _ := r.CreateBuffer("ping", 256, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), memory.DeviceLocal)

	err := r.DrawFrame(func(b *graph.Builder) error {
		b.AddPass(graph.PassDecl{
			Name:      "a",
			Queue:     graph.QueueGraphics,
			DependsOn: []graph.PassID{1},
			Accesses: []graph.PassAccess{{
				Handle: buf, Kind: graph.AccessWrite,
				Stage: vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
				Mask:  vk.AccessFlags(vk.AccessShaderWriteBit),
			}},
		})
		b.AddPass(graph.PassDecl{
			Name:  "b",
			Queue: graph.QueueGraphics,
			Accesses: []graph.PassAccess{{
				Handle: buf, Kind: graph.AccessWrite,
				Stage: vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
				Mask:  vk.AccessFlags(vk.AccessShaderWriteBit),
			}},
		})
		return nil
	})
	if !errors.Is(err, core.ErrCycleDetected) {
		t.Fatalf("err = %v, want ErrCycleDetected", err)
	}
	if be.submits != 0 {
		t.Fatalf("submits = %d, want 0 after cycle", be.submits)
	}
	if r.State() != FrameIdle {
		t.Fatalf("state = %v, want idle after abort", r.State())
	}
}

func TestBuildAbortSkipsFrame(t *testing.T) {
	be := newFakeBackend()
	r := newTestRenderer(t, be, 2)

	if err := r.DrawFrame(func(b *graph.Builder) error { return ErrFrameAborted }); err != nil {
		t.Fatalf("aborted frame returned %v, want nil", err)
	}
	if be.submits != 0 || be.presents != 0 {
		t.Fatalf("aborted frame reached the backend: %d submits, %d presents", be.submits, be.presents)
	}
}

func TestDeviceLostIsFatal(t *testing.T) {
	be := newFakeBackend()
	be.beginErrs = []error{core.ErrDeviceLost}
	r := newTestRenderer(t, be, 2)

	err := r.DrawFrame(func(b *graph.Builder) error { return nil })
	if !errors.Is(err, core.ErrDeviceLost) {
		t.Fatalf("err = %v, want ErrDeviceLost", err)
	}
}

func TestDestroyDefersToCurrentSlot(t *testing.T) {
	be := newFakeBackend()
	r := newTestRenderer(t, be, 2)

	buf, _ := r.CreateBuffer("transient", 64, vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit), memory.HostVisible)
	if err := r.DrawFrame(func(b *graph.Builder) error { return nil }); err != nil {
		t.Fatal(err)
	}

	r.DestroyResource(buf) // slot advanced to 1
	if got := be.destroyed[1]; len(got) != 1 || got[0] != buf {
		t.Fatalf("destroyed[1] = %v, want [%v]", got, buf)
	}
	if _, known := r.Tracker().StateOf(buf); known {
		t.Fatal("destroyed handle still tracked")
	}
}
