package renderer

import (
	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// Backend is the GPU-facing side of the renderer. The frame scheduler
// drives it through one frame slot at a time; implementations own the
// device, swapchain, command pools and per-slot synchronization
// primitives.
type Backend interface {
	Initialize(appName string, width, height uint32) error
	Shutdown() error

	// Resized invalidates framebuffer-sized state; the swapchain is
	// recreated on the next BeginFrame.
	Resized(width, height uint32) error

	// QueueFamilies reports which device queue family backs each queue
	// kind. Immutable after Initialize.
	QueueFamilies() graph.QueueFamilies

	// BeginFrame blocks (bounded) until the slot's fence from K frames
	// ago signals, guaranteeing the slot's pools and resources are no
	// longer referenced by the GPU, then acquires the next swapchain
	// image. Fails with core.ErrDeviceLost on fence timeout and with
	// core.ErrSwapchainBooting while the swapchain is being recreated.
	BeginFrame(slot int) error

	// Submit records the compiled sequence into the slot's command
	// pools, batches the buffers per destination queue with the
	// sequence's semaphores and submits, arming the slot's fence.
	Submit(seq *graph.CommandSequence, slot int) error

	// Present returns the acquired image to the swapchain. Fails with
	// core.ErrSwapchainOutOfDate when the surface changed; the backend
	// recreates the swapchain before the next frame.
	Present(slot int) error

	// Resource creation and destruction. Backing memory comes from the
	// backend's allocator; destruction is deferred until the given
	// frame slot's fence signals.
	CreateBuffer(name string, size uint64, usage vk.BufferUsageFlags, locality memory.Locality) (graph.ResourceHandle, error)
	CreateImage(name string, width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (graph.ResourceHandle, error)
	DestroyResource(h graph.ResourceHandle, slot int)
}
