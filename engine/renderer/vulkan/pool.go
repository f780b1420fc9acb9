package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/containers"
	"github.com/basaltengine/basalt/engine/core"
)

type LockGroup string

const (
	DeviceManagement    LockGroup = "device_management"
	QueueManagement     LockGroup = "queue_management"
	MemoryManagement    LockGroup = "memory_management"
	ResourceManagement  LockGroup = "resource_management"
	ShaderManagement    LockGroup = "shader_management"
	SwapchainManagement LockGroup = "swapchain_management"
)

// Mutex pool. Queue submission must be externally synchronized per
// queue, so every QueueSubmit and QueuePresent goes through
// SafeQueueCall for its family.
type VulkanLockPool struct {
	locks map[LockGroup]*sync.Mutex
	mu    sync.Mutex // Protects access to the maps

	queueMutexes map[uint32]*sync.Mutex // Queue family index as key
}

func NewVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[uint32]*sync.Mutex),
	}
}

func (vs *VulkanLockPool) lockFor(group LockGroup) *sync.Mutex {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, exists := vs.locks[group]; !exists {
		vs.locks[group] = &sync.Mutex{}
	}
	return vs.locks[group]
}

func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	l := vs.lockFor(group)
	l.Lock()
	defer l.Unlock()

	return fn()
}

func (vs *VulkanLockPool) queueLockFor(index uint32) *sync.Mutex {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, exists := vs.queueMutexes[index]; !exists {
		vs.queueMutexes[index] = &sync.Mutex{}
	}
	return vs.queueMutexes[index]
}

func (vs *VulkanLockPool) SafeQueueCall(queueFamilyIndex uint32, fn func() error) error {
	l := vs.queueLockFor(queueFamilyIndex)
	l.Lock()
	defer l.Unlock()

	return fn()
}

// recycledBufferCap bounds how many reset command buffers a worker pool
// keeps around between frames.
const recycledBufferCap = 16

type workerPool struct {
	pool     vk.CommandPool
	recycled *containers.RingQueue[*VulkanCommandBuffer]
	issued   []*VulkanCommandBuffer
}

// FramePools owns the command pools for one frame slot: one pool per
// (worker, family) pair, so recording workers never share a pool and a
// slot's pools are reset only after its fence has signaled.
type FramePools struct {
	context *VulkanContext
	workers []map[uint32]*workerPool
}

func NewFramePools(context *VulkanContext, workers int, families []uint32) (*FramePools, error) {
	fp := &FramePools{context: context}
	for w := 0; w < workers; w++ {
		perFamily := make(map[uint32]*workerPool, len(families))
		for _, family := range families {
			if _, exists := perFamily[family]; exists {
				continue
			}
			poolCreateInfo := vk.CommandPoolCreateInfo{
				SType:            vk.StructureTypeCommandPoolCreateInfo,
				QueueFamilyIndex: family,
			}
			var pool vk.CommandPool
			if res := vk.CreateCommandPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &pool); res != vk.Success {
				fp.Destroy()
				return nil, fmt.Errorf("failed to create command pool for family %d: %s", family, VulkanResultString(res))
			}
			perFamily[family] = &workerPool{
				pool:     pool,
				recycled: containers.NewRingQueue[*VulkanCommandBuffer](recycledBufferCap),
			}
		}
		fp.workers = append(fp.workers, perFamily)
	}
	return fp, nil
}

// Acquire hands out a primary command buffer from the worker's pool for
// the given family, reusing a recycled one when available. Only the
// owning worker may call this for its index.
func (fp *FramePools) Acquire(worker int, family uint32) (*VulkanCommandBuffer, error) {
	wp, ok := fp.workers[worker][family]
	if !ok {
		return nil, fmt.Errorf("no command pool for worker %d, family %d", worker, family)
	}
	if cb, err := wp.recycled.Dequeue(); err == nil {
		cb.Reset()
		wp.issued = append(wp.issued, cb)
		return cb, nil
	}
	cb, err := NewVulkanCommandBuffer(fp.context, wp.pool, true)
	if err != nil {
		return nil, err
	}
	wp.issued = append(wp.issued, cb)
	return cb, nil
}

// Reset resets every pool in the slot and parks the issued buffers for
// reuse. Must only run once the slot's fence has signaled.
func (fp *FramePools) Reset() error {
	for w := range fp.workers {
		for family, wp := range fp.workers[w] {
			if res := vk.ResetCommandPool(fp.context.Device.LogicalDevice, wp.pool, 0); res != vk.Success {
				return fmt.Errorf("failed to reset command pool for family %d: %s", family, VulkanResultString(res))
			}
			for _, cb := range wp.issued {
				if err := wp.recycled.Enqueue(cb); err != nil {
					cb.Free(fp.context, wp.pool)
				}
			}
			wp.issued = wp.issued[:0]
		}
	}
	return nil
}

func (fp *FramePools) Destroy() {
	for w := range fp.workers {
		for _, wp := range fp.workers[w] {
			if wp.pool != vk.NullCommandPool {
				vk.DestroyCommandPool(fp.context.Device.LogicalDevice, wp.pool, fp.context.Allocator)
			}
		}
	}
	fp.workers = nil
	core.LogDebug("Frame command pools destroyed.")
}
