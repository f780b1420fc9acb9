package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// deviceMemoryBackend feeds the suballocator with raw vk.DeviceMemory
// blocks. Block handles are indices into an internal table so the
// allocator never touches vk types.
type deviceMemoryBackend struct {
	context *VulkanContext
	locks   *VulkanLockPool

	mu     sync.Mutex
	nextID memory.BlockID
	blocks map[memory.BlockID]vk.DeviceMemory
}

func newDeviceMemoryBackend(context *VulkanContext, locks *VulkanLockPool) *deviceMemoryBackend {
	return &deviceMemoryBackend{
		context: context,
		locks:   locks,
		nextID:  1,
		blocks:  make(map[memory.BlockID]vk.DeviceMemory),
	}
}

func (b *deviceMemoryBackend) AllocateBlock(size uint64, typeIndex int32) (memory.BlockID, error) {
	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: uint32(typeIndex),
	}

	var deviceMemory vk.DeviceMemory
	var res vk.Result
	b.locks.SafeCall(MemoryManagement, func() error {
		res = vk.AllocateMemory(b.context.Device.LogicalDevice, &allocateInfo, b.context.Allocator, &deviceMemory)
		return nil
	})
	switch res {
	case vk.Success:
	case vk.ErrorOutOfDeviceMemory:
		return 0, fmt.Errorf("%w: device refused %d bytes of type %d", core.ErrOutOfDeviceMemory, size, typeIndex)
	default:
		return 0, fmt.Errorf("failed to allocate %d bytes of device memory: %s", size, VulkanResultString(res))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.blocks[id] = deviceMemory
	return id, nil
}

func (b *deviceMemoryBackend) FreeBlock(id memory.BlockID) {
	b.mu.Lock()
	deviceMemory, ok := b.blocks[id]
	delete(b.blocks, id)
	b.mu.Unlock()
	if !ok {
		core.LogWarn("FreeBlock called with unknown block %d", id)
		return
	}
	b.locks.SafeCall(MemoryManagement, func() error {
		vk.FreeMemory(b.context.Device.LogicalDevice, deviceMemory, b.context.Allocator)
		return nil
	})
}

func (b *deviceMemoryBackend) TypeIndex(typeBits uint32, locality memory.Locality) (int32, error) {
	properties := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if locality == memory.HostVisible {
		properties = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	index := b.context.FindMemoryIndex(typeBits, uint32(properties))
	if index < 0 {
		return 0, fmt.Errorf("%w: no %s memory type matches filter %#x", core.ErrOutOfDeviceMemory, locality, typeBits)
	}
	return index, nil
}

// Memory returns the device memory behind a block handle, for binding
// buffers and images against allocator ranges.
func (b *deviceMemoryBackend) Memory(id memory.BlockID) (vk.DeviceMemory, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	deviceMemory, ok := b.blocks[id]
	return deviceMemory, ok
}
