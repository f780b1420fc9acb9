package vulkan

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/config"
	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/platform"
	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// VulkanRenderer is the GPU side of the frame scheduler: it owns the
// instance, device, swapchain, command pools, the memory allocator and
// the resource registry, and turns compiled command sequences into
// queue submissions.
type VulkanRenderer struct {
	platform *platform.Platform
	cfg      config.Renderer
	context  *VulkanContext
	locks    *VulkanLockPool

	memBackend *deviceMemoryBackend
	allocator  *memory.Allocator
	registry   *resourceRegistry
	recorder   *recorder
	shaders    *ShaderCache

	// per frame slot; fences indexed by graph.QueueKind so every
	// queue's work gates the slot's reuse
	framePools               []*FramePools
	inFlightFences           [][]*VulkanFence
	imageAvailableSemaphores []vk.Semaphore
	queueCompleteSemaphores  []vk.Semaphore
	edgeSemaphores           [][]vk.Semaphore

	cachedFramebufferWidth  uint32
	cachedFramebufferHeight uint32

	debug bool
}

func New(p *platform.Platform, cfg config.Renderer) *VulkanRenderer {
	return &VulkanRenderer{
		platform: p,
		cfg:      cfg,
		context: &VulkanContext{
			Allocator: nil,
		},
		locks: NewVulkanLockPool(),
		debug: cfg.Validation,
	}
}

func (vr *VulkanRenderer) Initialize(appName string, appWidth, appHeight uint32) error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return fmt.Errorf("%w: GetInstanceProcAddress is nil", core.ErrDeviceUnavailable)
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		return fmt.Errorf("%w: initializing vulkan loader: %s", core.ErrDeviceUnavailable, err)
	}

	vr.context.FramebufferWidth = appWidth
	vr.context.FramebufferHeight = appHeight

	// Setup Vulkan instance.
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Basalt Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, vr.platform.GetRequiredExtensionNames()...)
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}
	if vr.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	var validationLayers []string
	if vr.debug {
		validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
	}
	createInfo.EnabledLayerCount = uint32(len(validationLayers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(validationLayers)

	if res := vk.CreateInstance(&createInfo, vr.context.Allocator, &vr.context.Instance); res != vk.Success {
		err := fmt.Errorf("%w: creating instance failed with %s", core.ErrDeviceUnavailable, VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	if err := vk.InitInstance(vr.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if vr.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if res := vk.CreateDebugReportCallback(vr.context.Instance, &debugCreateInfo, nil, &dbg); res != vk.Success {
			core.LogWarn("CreateDebugReportCallback failed with %s, continuing without validation output", VulkanResultString(res))
		} else {
			vr.context.debugMessenger = dbg
		}
	}

	// Surface
	surface, err := vr.platform.CreateVulkanSurface(vr.context.Instance)
	if err != nil {
		core.LogError(err.Error())
		return fmt.Errorf("%w: %s", core.ErrDeviceUnavailable, err)
	}
	vr.context.Surface = surface
	core.LogDebug("Vulkan surface created.")

	// Device creation
	vr.context.Device = &VulkanDevice{}
	if err := DeviceCreate(vr.context, vr.cfg.DedicatedTransferQueue); err != nil {
		return err
	}

	// Swapchain
	sc, err := SwapchainCreate(vr.context, vr.context.FramebufferWidth, vr.context.FramebufferHeight, vr.cfg.VSync)
	if err != nil {
		return err
	}
	vr.context.Swapchain = sc

	// Memory
	vr.memBackend = newDeviceMemoryBackend(vr.context, vr.locks)
	vr.allocator = memory.New(vr.memBackend, memory.Config{
		MinBlockSize: vr.cfg.MinBlockSize,
		FrameSlots:   vr.cfg.FramesInFlight,
	})
	vr.registry = newResourceRegistry(vr.context, vr.allocator, vr.memBackend, vr.locks, vr.cfg.FramesInFlight)
	vr.recorder = &recorder{
		context:  vr.context,
		registry: vr.registry,
		locks:    vr.locks,
		workers:  vr.cfg.RecordWorkers,
	}

	// Per-slot pools and sync objects.
	families := []uint32{
		uint32(vr.context.Device.GraphicsQueueIndex),
		uint32(vr.context.Device.ComputeQueueIndex),
		uint32(vr.context.Device.TransferQueueIndex),
	}
	vr.framePools = make([]*FramePools, vr.cfg.FramesInFlight)
	vr.inFlightFences = make([][]*VulkanFence, vr.cfg.FramesInFlight)
	vr.imageAvailableSemaphores = make([]vk.Semaphore, vr.cfg.FramesInFlight)
	vr.queueCompleteSemaphores = make([]vk.Semaphore, vr.cfg.FramesInFlight)
	vr.edgeSemaphores = make([][]vk.Semaphore, vr.cfg.FramesInFlight)
	for i := 0; i < vr.cfg.FramesInFlight; i++ {
		pools, err := NewFramePools(vr.context, vr.cfg.RecordWorkers, families)
		if err != nil {
			return err
		}
		vr.framePools[i] = pools

		// One fence per queue kind, created signaled so the first pass
		// through each slot does not block on work that was never
		// submitted. A queue unused this frame leaves its fence
		// signaled, so waiting on all of them stays cheap.
		vr.inFlightFences[i] = make([]*VulkanFence, len(families))
		for q := range families {
			fence, err := NewFence(vr.context, true)
			if err != nil {
				return err
			}
			vr.inFlightFences[i][q] = fence
		}

		if vr.imageAvailableSemaphores[i], err = NewSemaphore(vr.context); err != nil {
			return err
		}
		if vr.queueCompleteSemaphores[i], err = NewSemaphore(vr.context); err != nil {
			return err
		}
	}

	// Shader cache; optional when the directory is absent.
	if vr.cfg.ShaderDir != "" {
		shaders, err := NewShaderCache(vr.context, vr.locks, vr.cfg.ShaderDir)
		if err != nil {
			core.LogWarn("shader cache disabled: %v", err)
		} else {
			vr.shaders = shaders
		}
	}

	core.LogInfo("Vulkan renderer initialized.")
	return nil
}

func (vr *VulkanRenderer) Shutdown() error {
	if vr.context.Device == nil || vr.context.Device.LogicalDevice == nil {
		return nil
	}
	vk.DeviceWaitIdle(vr.context.Device.LogicalDevice)

	// Destroy in the opposite order of creation.
	if vr.shaders != nil {
		vr.shaders.Shutdown()
	}
	for i := range vr.framePools {
		if vr.framePools[i] != nil {
			vr.framePools[i].Destroy()
		}
		for _, fence := range vr.inFlightFences[i] {
			if fence != nil {
				fence.FenceDestroy(vr.context)
			}
		}
		DestroySemaphores(vr.context, []vk.Semaphore{vr.imageAvailableSemaphores[i], vr.queueCompleteSemaphores[i]})
		DestroySemaphores(vr.context, vr.edgeSemaphores[i])
	}
	vr.registry.shutdown()
	vr.allocator.Shutdown()

	vr.context.Swapchain.SwapchainDestroy(vr.context)
	DeviceDestroy(vr.context)

	if vr.context.Surface != vk.NullSurface {
		vk.DestroySurface(vr.context.Instance, vr.context.Surface, vr.context.Allocator)
		vr.context.Surface = vk.NullSurface
	}
	if vr.context.debugMessenger != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(vr.context.Instance, vr.context.debugMessenger, vr.context.Allocator)
	}
	vk.DestroyInstance(vr.context.Instance, vr.context.Allocator)
	vr.context.Instance = nil

	core.LogInfo("Vulkan renderer shut down.")
	return nil
}

func (vr *VulkanRenderer) QueueFamilies() graph.QueueFamilies {
	return vr.context.Device.Families()
}

func (vr *VulkanRenderer) Resized(width, height uint32) error {
	// Bump the framebuffer size generation; the swapchain is recreated
	// on the next BeginFrame.
	vr.cachedFramebufferWidth = width
	vr.cachedFramebufferHeight = height
	vr.context.FramebufferSizeGeneration++

	core.LogInfo("renderer resized: w/h/gen: %d/%d/%d", width, height, vr.context.FramebufferSizeGeneration)
	return nil
}

func (vr *VulkanRenderer) BeginFrame(slot int) error {
	if vr.context.RecreatingSwapchain {
		if res := vk.DeviceWaitIdle(vr.context.Device.LogicalDevice); !VulkanResultIsSuccess(res) {
			return fmt.Errorf("BeginFrame vkDeviceWaitIdle failed: %s", VulkanResultString(res))
		}
		return fmt.Errorf("%w: still recreating", core.ErrSwapchainBooting)
	}

	// A pending resize forces recreation before any further work.
	if vr.context.FramebufferSizeGeneration != vr.context.FramebufferSizeLastGeneration {
		if err := vr.recreateSwapchain(); err != nil {
			return err
		}
		return fmt.Errorf("%w: swapchain recreated after resize", core.ErrSwapchainBooting)
	}

	// Bounded wait on the slot's fences from K frames ago. The slot's
	// pools and parked resources are reclaimable only once every
	// queue's fence has signaled; queues idle that frame left theirs
	// signaled.
	timeoutNs := vr.cfg.FenceTimeoutMS * uint64(1_000_000)
	for _, fence := range vr.inFlightFences[slot] {
		if err := fence.FenceWait(vr.context, timeoutNs); err != nil {
			return err
		}
	}
	if err := vr.framePools[slot].Reset(); err != nil {
		return err
	}
	vr.registry.collect(slot)

	imageIndex, err := vr.context.Swapchain.SwapchainAcquireNextImageIndex(
		vr.context, math.MaxUint64, vr.imageAvailableSemaphores[slot], vk.NullFence)
	if err != nil {
		if errorsIsOutOfDate(err) {
			if rerr := vr.recreateSwapchain(); rerr != nil {
				return rerr
			}
		}
		return err
	}
	vr.context.ImageIndex = imageIndex
	return nil
}

// Submit records the compiled sequence into the slot's pools and hands
// the batches to their queues. The first graphics batch waits for the
// acquired image; the last signals the present semaphore and moves the
// image into the presentable layout; each queue's slot fence is armed
// by that queue's final submission.
func (vr *VulkanRenderer) Submit(seq *graph.CommandSequence, slot int) error {
	sems, err := vr.ensureEdgeSemaphores(slot, seq.SemaphoreCount)
	if err != nil {
		return err
	}

	batches := segmentSequence(seq, sems)

	// Present chaining needs at least one graphics submission.
	firstGraphics, lastGraphics := -1, -1
	for i, b := range batches {
		if b.queue == graph.QueueGraphics {
			if firstGraphics < 0 {
				firstGraphics = i
			}
			lastGraphics = i
		}
	}
	if firstGraphics < 0 {
		batches = append(batches, &queueSubmission{queue: graph.QueueGraphics})
		firstGraphics = len(batches) - 1
		lastGraphics = firstGraphics
	}
	batches[firstGraphics].waits = append(batches[firstGraphics].waits, vr.imageAvailableSemaphores[slot])
	batches[firstGraphics].waitStages = append(batches[firstGraphics].waitStages,
		vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit))
	batches[lastGraphics].signals = append(batches[lastGraphics].signals, vr.queueCompleteSemaphores[slot])
	batches[lastGraphics].tail = vr.recordPresentTransition

	if err := vr.recorder.record(batches, vr.framePools[slot], seq.Graph); err != nil {
		return err
	}
	return vr.recorder.submit(batches, vr.inFlightFences[slot])
}

// recordPresentTransition puts the acquired swapchain image into the
// presentable layout at the end of the frame's graphics work.
func (vr *VulkanRenderer) recordPresentTransition(cb vk.CommandBuffer) {
	barrier := presentTransitionBarrier(vr.context.Swapchain.Images[vr.context.ImageIndex])
	vk.CmdPipelineBarrier(cb,
		vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
}

func (vr *VulkanRenderer) Present(slot int) error {
	presentFamily := uint32(vr.context.Device.PresentQueueIndex)
	err := vr.locks.SafeQueueCall(presentFamily, func() error {
		return vr.context.Swapchain.SwapchainPresent(
			vr.context.Device.PresentQueue,
			vr.queueCompleteSemaphores[slot],
			vr.context.ImageIndex)
	})
	if err != nil && errorsIsOutOfDate(err) {
		if rerr := vr.recreateSwapchain(); rerr != nil {
			return rerr
		}
	}
	return err
}

func (vr *VulkanRenderer) CreateBuffer(name string, size uint64, usage vk.BufferUsageFlags, locality memory.Locality) (graph.ResourceHandle, error) {
	return vr.registry.createBuffer(name, size, usage, locality)
}

func (vr *VulkanRenderer) CreateImage(name string, width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (graph.ResourceHandle, error) {
	return vr.registry.createImage(name, width, height, format, usage)
}

func (vr *VulkanRenderer) DestroyResource(h graph.ResourceHandle, slot int) {
	vr.registry.destroy(h, slot)
}

// Shaders exposes the SPIR-V module cache; nil when no shader directory
// is configured.
func (vr *VulkanRenderer) Shaders() *ShaderCache {
	return vr.shaders
}

func (vr *VulkanRenderer) ensureEdgeSemaphores(slot, count int) ([]vk.Semaphore, error) {
	for len(vr.edgeSemaphores[slot]) < count {
		s, err := NewSemaphore(vr.context)
		if err != nil {
			return nil, err
		}
		vr.edgeSemaphores[slot] = append(vr.edgeSemaphores[slot], s)
	}
	return vr.edgeSemaphores[slot], nil
}

func (vr *VulkanRenderer) recreateSwapchain() error {
	if vr.context.RecreatingSwapchain {
		return nil
	}
	if vr.cachedFramebufferWidth == 0 && vr.context.FramebufferWidth == 0 {
		return fmt.Errorf("%w: window too small for swapchain creation", core.ErrSwapchainBooting)
	}
	vr.context.RecreatingSwapchain = true

	if res := vk.DeviceWaitIdle(vr.context.Device.LogicalDevice); !VulkanResultIsSuccess(res) {
		vr.context.RecreatingSwapchain = false
		return fmt.Errorf("recreateSwapchain vkDeviceWaitIdle failed: %s", VulkanResultString(res))
	}

	// Stale shader modules are safe to destroy with the device idle.
	if vr.shaders != nil {
		vr.shaders.Sweep()
	}

	if err := DeviceQuerySwapchainSupport(vr.context.Device.PhysicalDevice, vr.context.Surface, &vr.context.Device.SwapchainSupport); err != nil {
		vr.context.RecreatingSwapchain = false
		return err
	}

	width, height := vr.cachedFramebufferWidth, vr.cachedFramebufferHeight
	if width == 0 {
		width, height = vr.context.FramebufferWidth, vr.context.FramebufferHeight
	}
	sc, err := vr.context.Swapchain.SwapchainRecreate(vr.context, width, height, vr.cfg.VSync)
	if err != nil {
		vr.context.RecreatingSwapchain = false
		return err
	}
	vr.context.Swapchain = sc
	vr.context.FramebufferWidth = sc.Extent.Width
	vr.context.FramebufferHeight = sc.Extent.Height
	vr.cachedFramebufferWidth = 0
	vr.cachedFramebufferHeight = 0
	vr.context.FramebufferSizeLastGeneration = vr.context.FramebufferSizeGeneration
	vr.context.RecreatingSwapchain = false

	core.LogInfo("Swapchain recreated: %dx%d.", sc.Extent.Width, sc.Extent.Height)
	return nil
}

func errorsIsOutOfDate(err error) bool {
	return errors.Is(err, core.ErrSwapchainOutOfDate)
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
