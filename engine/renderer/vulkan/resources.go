package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// resource binds a graph handle to its device objects and the
// allocator range backing them.
type resource struct {
	handle     graph.ResourceHandle
	buffer     vk.Buffer
	image      vk.Image
	view       vk.ImageView
	aspect     vk.ImageAspectFlags
	allocation *memory.Allocation
}

// resourceRegistry maps graph handles to device resources. Creation
// and destruction may happen from any thread; the recorder reads it
// while resolving barrier commands.
type resourceRegistry struct {
	context   *VulkanContext
	allocator *memory.Allocator
	backend   *deviceMemoryBackend
	locks     *VulkanLockPool

	mu        sync.RWMutex
	resources map[graph.ResourceHandle]*resource
	// resources parked per frame slot until the slot's fence signals
	retired [][]*resource
}

func newResourceRegistry(context *VulkanContext, allocator *memory.Allocator, backend *deviceMemoryBackend, locks *VulkanLockPool, frameSlots int) *resourceRegistry {
	return &resourceRegistry{
		context:   context,
		allocator: allocator,
		backend:   backend,
		locks:     locks,
		resources: make(map[graph.ResourceHandle]*resource),
		retired:   make([][]*resource, frameSlots),
	}
}

func (rr *resourceRegistry) createBuffer(name string, size uint64, usage vk.BufferUsageFlags, locality memory.Locality) (graph.ResourceHandle, error) {
	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	var buffer vk.Buffer
	if res := vk.CreateBuffer(rr.context.Device.LogicalDevice, &bufferCreateInfo, rr.context.Allocator, &buffer); res != vk.Success {
		return graph.ResourceHandle{}, fmt.Errorf("failed to create buffer %q: %s", name, VulkanResultString(res))
	}

	requirements := vk.MemoryRequirements{}
	vk.GetBufferMemoryRequirements(rr.context.Device.LogicalDevice, buffer, &requirements)
	requirements.Deref()

	allocation, err := rr.allocator.Allocate(uint64(requirements.Size), uint64(requirements.Alignment), requirements.MemoryTypeBits, locality)
	if err != nil {
		vk.DestroyBuffer(rr.context.Device.LogicalDevice, buffer, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("allocating memory for buffer %q: %w", name, err)
	}

	deviceMemory, ok := rr.backend.Memory(allocation.Block)
	if !ok {
		rr.allocator.Free(allocation)
		vk.DestroyBuffer(rr.context.Device.LogicalDevice, buffer, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("buffer %q: allocation block %d has no device memory", name, allocation.Block)
	}
	if res := vk.BindBufferMemory(rr.context.Device.LogicalDevice, buffer, deviceMemory, vk.DeviceSize(allocation.Offset)); res != vk.Success {
		rr.allocator.Free(allocation)
		vk.DestroyBuffer(rr.context.Device.LogicalDevice, buffer, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("failed to bind memory for buffer %q: %s", name, VulkanResultString(res))
	}

	handle := graph.NewBufferHandle(name)
	rr.mu.Lock()
	rr.resources[handle] = &resource{handle: handle, buffer: buffer, allocation: allocation}
	rr.mu.Unlock()

	core.LogDebug("buffer %q created, %s", name, allocation)
	return handle, nil
}

func (rr *resourceRegistry) createImage(name string, width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (graph.ResourceHandle, error) {
	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        vk.ImageTilingOptimal,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}

	var image vk.Image
	if res := vk.CreateImage(rr.context.Device.LogicalDevice, &imageCreateInfo, rr.context.Allocator, &image); res != vk.Success {
		return graph.ResourceHandle{}, fmt.Errorf("failed to create image %q: %s", name, VulkanResultString(res))
	}

	requirements := vk.MemoryRequirements{}
	vk.GetImageMemoryRequirements(rr.context.Device.LogicalDevice, image, &requirements)
	requirements.Deref()

	allocation, err := rr.allocator.Allocate(uint64(requirements.Size), uint64(requirements.Alignment), requirements.MemoryTypeBits, memory.DeviceLocal)
	if err != nil {
		vk.DestroyImage(rr.context.Device.LogicalDevice, image, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("allocating memory for image %q: %w", name, err)
	}

	deviceMemory, ok := rr.backend.Memory(allocation.Block)
	if !ok {
		rr.allocator.Free(allocation)
		vk.DestroyImage(rr.context.Device.LogicalDevice, image, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("image %q: allocation block %d has no device memory", name, allocation.Block)
	}
	if res := vk.BindImageMemory(rr.context.Device.LogicalDevice, image, deviceMemory, vk.DeviceSize(allocation.Offset)); res != vk.Success {
		rr.allocator.Free(allocation)
		vk.DestroyImage(rr.context.Device.LogicalDevice, image, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("failed to bind memory for image %q: %s", name, VulkanResultString(res))
	}

	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	switch format {
	case vk.FormatD32Sfloat:
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	case vk.FormatD32SfloatS8Uint, vk.FormatD24UnormS8Uint:
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(rr.context.Device.LogicalDevice, &viewInfo, rr.context.Allocator, &view); res != vk.Success {
		rr.allocator.Free(allocation)
		vk.DestroyImage(rr.context.Device.LogicalDevice, image, rr.context.Allocator)
		return graph.ResourceHandle{}, fmt.Errorf("failed to create view for image %q: %s", name, VulkanResultString(res))
	}

	handle := graph.NewImageHandle(name)
	rr.mu.Lock()
	rr.resources[handle] = &resource{handle: handle, image: image, view: view, aspect: aspect, allocation: allocation}
	rr.mu.Unlock()

	core.LogDebug("image %q created %dx%d, %s", name, width, height, allocation)
	return handle, nil
}

func (rr *resourceRegistry) lookup(h graph.ResourceHandle) (*resource, bool) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	r, ok := rr.resources[h]
	return r, ok
}

// destroy unregisters the handle and parks its device objects on the
// given frame slot; they are released in collect once the slot's fence
// has signaled.
func (rr *resourceRegistry) destroy(h graph.ResourceHandle, slot int) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	r, ok := rr.resources[h]
	if !ok {
		return
	}
	delete(rr.resources, h)
	rr.retired[slot] = append(rr.retired[slot], r)
}

// collect releases everything parked on the slot. The caller guarantees
// the slot's fence has signaled.
func (rr *resourceRegistry) collect(slot int) {
	rr.mu.Lock()
	retired := rr.retired[slot]
	rr.retired[slot] = nil
	rr.mu.Unlock()

	for _, r := range retired {
		rr.release(r)
		rr.allocator.FreeDeferred(r.allocation, slot)
	}
	rr.allocator.Collect(slot)
}

func (rr *resourceRegistry) release(r *resource) {
	rr.locks.SafeCall(ResourceManagement, func() error {
		if r.view != vk.NullImageView {
			vk.DestroyImageView(rr.context.Device.LogicalDevice, r.view, rr.context.Allocator)
		}
		if r.image != vk.NullImage {
			vk.DestroyImage(rr.context.Device.LogicalDevice, r.image, rr.context.Allocator)
		}
		if r.buffer != vk.NullBuffer {
			vk.DestroyBuffer(rr.context.Device.LogicalDevice, r.buffer, rr.context.Allocator)
		}
		return nil
	})
}

// shutdown releases everything immediately. The device must be idle.
func (rr *resourceRegistry) shutdown() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for h, r := range rr.resources {
		rr.release(r)
		rr.allocator.Free(r.allocation)
		delete(rr.resources, h)
	}
	for slot, retired := range rr.retired {
		for _, r := range retired {
			rr.release(r)
			rr.allocator.Free(r.allocation)
		}
		rr.retired[slot] = nil
	}
}
