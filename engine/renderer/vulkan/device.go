package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/graph"
)

type VulkanDevice struct {
	PhysicalDevice   vk.PhysicalDevice
	LogicalDevice    vk.Device
	SwapchainSupport VulkanSwapchainSupportInfo

	GraphicsQueueIndex int32
	PresentQueueIndex  int32
	ComputeQueueIndex  int32
	TransferQueueIndex int32

	GraphicsQueue vk.Queue
	PresentQueue  vk.Queue
	ComputeQueue  vk.Queue
	TransferQueue vk.Queue

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	DepthFormat vk.Format
}

// Families routes each queue kind to its device family index.
func (d *VulkanDevice) Families() graph.QueueFamilies {
	var f graph.QueueFamilies
	f[graph.QueueGraphics] = uint32(d.GraphicsQueueIndex)
	f[graph.QueueCompute] = uint32(d.ComputeQueueIndex)
	f[graph.QueueTransfer] = uint32(d.TransferQueueIndex)
	return f
}

// QueueFor returns the submission queue handle for a queue kind.
func (d *VulkanDevice) QueueFor(kind graph.QueueKind) vk.Queue {
	switch kind {
	case graph.QueueCompute:
		return d.ComputeQueue
	case graph.QueueTransfer:
		return d.TransferQueue
	}
	return d.GraphicsQueue
}

type VulkanPhysicalDeviceRequirements struct {
	Graphics                bool
	Present                 bool
	Compute                 bool
	Transfer                bool
	DeviceExtensionNames    []string
	PreferDedicatedTransfer bool
}

type VulkanPhysicalDeviceQueueFamilyInfo struct {
	GraphicsFamilyIndex int32
	PresentFamilyIndex  int32
	ComputeFamilyIndex  int32
	TransferFamilyIndex int32
}

func DeviceCreate(context *VulkanContext, preferDedicatedTransfer bool) error {
	if err := selectPhysicalDevice(context, preferDedicatedTransfer); err != nil {
		return err
	}

	core.LogInfo("Creating logical device...")

	// Do not create additional queues for shared indices.
	uniqueIndices := []uint32{uint32(context.Device.GraphicsQueueIndex)}
	for _, idx := range []int32{
		context.Device.PresentQueueIndex,
		context.Device.ComputeQueueIndex,
		context.Device.TransferQueueIndex,
	} {
		seen := false
		for _, u := range uniqueIndices {
			if u == uint32(idx) {
				seen = true
				break
			}
		}
		if !seen {
			uniqueIndices = append(uniqueIndices, uint32(idx))
		}
	}

	queueCreateInfos := make([]vk.DeviceQueueCreateInfo, len(uniqueIndices))
	for i := range queueCreateInfos {
		queueCreateInfos[i].SType = vk.StructureTypeDeviceQueueCreateInfo
		queueCreateInfos[i].QueueFamilyIndex = uniqueIndices[i]
		queueCreateInfos[i].QueueCount = 1
		queueCreateInfos[i].PQueuePriorities = []float32{1.0}
	}

	deviceFeatures := vk.PhysicalDeviceFeatures{}

	extensionNames := []string{vk.KhrSwapchainExtensionName}
	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{deviceFeatures},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: VulkanSafeStrings(extensionNames),
	}

	if res := vk.CreateDevice(
		context.Device.PhysicalDevice,
		&deviceCreateInfo,
		context.Allocator,
		&context.Device.LogicalDevice); res != vk.Success {
		err := fmt.Errorf("%w: creating logical device failed with %s",
			core.ErrDeviceUnavailable, VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Logical device created.")

	vk.GetDeviceQueue(context.Device.LogicalDevice, uint32(context.Device.GraphicsQueueIndex), 0, &context.Device.GraphicsQueue)
	vk.GetDeviceQueue(context.Device.LogicalDevice, uint32(context.Device.PresentQueueIndex), 0, &context.Device.PresentQueue)
	vk.GetDeviceQueue(context.Device.LogicalDevice, uint32(context.Device.ComputeQueueIndex), 0, &context.Device.ComputeQueue)
	vk.GetDeviceQueue(context.Device.LogicalDevice, uint32(context.Device.TransferQueueIndex), 0, &context.Device.TransferQueue)
	core.LogInfo("Queues obtained.")

	if !DeviceDetectDepthFormat(context.Device) {
		err := fmt.Errorf("%w: failed to find a supported depth format", core.ErrDeviceUnavailable)
		core.LogError(err.Error())
		return err
	}

	return nil
}

func DeviceDestroy(context *VulkanContext) {
	context.Device.GraphicsQueue = nil
	context.Device.PresentQueue = nil
	context.Device.ComputeQueue = nil
	context.Device.TransferQueue = nil

	core.LogInfo("Destroying logical device...")
	if context.Device.LogicalDevice != nil {
		vk.DestroyDevice(context.Device.LogicalDevice, context.Allocator)
		context.Device.LogicalDevice = nil
	}

	// Physical devices are not destroyed.
	context.Device.PhysicalDevice = nil

	context.Device.SwapchainSupport.Formats = nil
	context.Device.SwapchainSupport.FormatCount = 0
	context.Device.SwapchainSupport.PresentModes = nil
	context.Device.SwapchainSupport.PresentModeCount = 0
	context.Device.SwapchainSupport.Capabilities = vk.SurfaceCapabilities{}

	context.Device.GraphicsQueueIndex = -1
	context.Device.PresentQueueIndex = -1
	context.Device.ComputeQueueIndex = -1
	context.Device.TransferQueueIndex = -1
}

func DeviceQuerySwapchainSupport(physicalDevice vk.PhysicalDevice, surface vk.Surface, supportInfo *VulkanSwapchainSupportInfo) error {
	if res := vk.GetPhysicalDeviceSurfaceCapabilities(physicalDevice, surface, &supportInfo.Capabilities); res != vk.Success {
		return fmt.Errorf("failed to get surface capabilities: %s", VulkanResultString(res))
	}
	supportInfo.Capabilities.Deref()

	if res := vk.GetPhysicalDeviceSurfaceFormats(physicalDevice, surface, &supportInfo.FormatCount, nil); res != vk.Success {
		return fmt.Errorf("failed to get surface formats: %s", VulkanResultString(res))
	}
	if supportInfo.FormatCount != 0 {
		supportInfo.Formats = make([]vk.SurfaceFormat, supportInfo.FormatCount)
		if res := vk.GetPhysicalDeviceSurfaceFormats(physicalDevice, surface, &supportInfo.FormatCount, supportInfo.Formats); res != vk.Success {
			return fmt.Errorf("failed to get surface formats: %s", VulkanResultString(res))
		}
		for i := range supportInfo.Formats {
			supportInfo.Formats[i].Deref()
		}
	}

	if res := vk.GetPhysicalDeviceSurfacePresentModes(physicalDevice, surface, &supportInfo.PresentModeCount, nil); res != vk.Success {
		err := fmt.Errorf("failed to get physical device surface present modes")
		core.LogError(err.Error())
		return err
	}
	if supportInfo.PresentModeCount != 0 {
		supportInfo.PresentModes = make([]vk.PresentMode, supportInfo.PresentModeCount)
		if res := vk.GetPhysicalDeviceSurfacePresentModes(physicalDevice, surface, &supportInfo.PresentModeCount, supportInfo.PresentModes); res != vk.Success {
			err := fmt.Errorf("failed to get physical device surface present modes")
			core.LogError(err.Error())
			return err
		}
	}
	return nil
}

func DeviceDetectDepthFormat(device *VulkanDevice) bool {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureDepthStencilAttachmentBit
	for _, candidate := range candidates {
		properties := vk.FormatProperties{}
		vk.GetPhysicalDeviceFormatProperties(device.PhysicalDevice, candidate, &properties)
		properties.Deref()
		if (vk.FormatFeatureFlagBits(properties.LinearTilingFeatures)&flags) == flags ||
			(vk.FormatFeatureFlagBits(properties.OptimalTilingFeatures)&flags) == flags {
			device.DepthFormat = candidate
			return true
		}
	}
	return false
}

func selectPhysicalDevice(context *VulkanContext, preferDedicatedTransfer bool) error {
	var physicalDeviceCount uint32 = 0
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil); res != vk.Success {
		return fmt.Errorf("%w: enumerating physical devices failed with %s",
			core.ErrDeviceUnavailable, VulkanResultString(res))
	}
	if physicalDeviceCount == 0 {
		err := fmt.Errorf("%w: no devices which support Vulkan were found", core.ErrDeviceUnavailable)
		core.LogError(err.Error())
		return err
	}

	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return fmt.Errorf("%w: enumerating physical devices failed with %s",
			core.ErrDeviceUnavailable, VulkanResultString(res))
	}

	requirements := VulkanPhysicalDeviceRequirements{
		Graphics:                true,
		Present:                 true,
		Compute:                 true,
		Transfer:                true,
		DeviceExtensionNames:    []string{vk.KhrSwapchainExtensionName},
		PreferDedicatedTransfer: preferDedicatedTransfer,
	}

	for i := 0; i < int(physicalDeviceCount); i++ {
		properties := vk.PhysicalDeviceProperties{}
		vk.GetPhysicalDeviceProperties(physicalDevices[i], &properties)
		properties.Deref()

		features := vk.PhysicalDeviceFeatures{}
		vk.GetPhysicalDeviceFeatures(physicalDevices[i], &features)

		memory := vk.PhysicalDeviceMemoryProperties{}
		vk.GetPhysicalDeviceMemoryProperties(physicalDevices[i], &memory)
		memory.Deref()

		queueInfo := VulkanPhysicalDeviceQueueFamilyInfo{}
		if !physicalDeviceMeetsRequirements(
			physicalDevices[i],
			context.Surface,
			&features,
			&requirements,
			&queueInfo,
			&context.Device.SwapchainSupport) {
			continue
		}

		deviceName := string(properties.DeviceName[:FindFirstZeroInByteArray(properties.DeviceName[:])])
		core.LogInfo("Selected device: '%s'.", deviceName)
		core.LogInfo(
			"Vulkan API version: %d.%d.%d",
			vk.Version.Major(vk.Version(properties.ApiVersion)),
			vk.Version.Minor(vk.Version(properties.ApiVersion)),
			vk.Version.Patch(vk.Version(properties.ApiVersion)),
		)
		core.LogDebug("Graphics Family Index: %d", queueInfo.GraphicsFamilyIndex)
		core.LogDebug("Present Family Index:  %d", queueInfo.PresentFamilyIndex)
		core.LogDebug("Compute Family Index:  %d", queueInfo.ComputeFamilyIndex)
		core.LogDebug("Transfer Family Index: %d", queueInfo.TransferFamilyIndex)

		context.Device.PhysicalDevice = physicalDevices[i]
		context.Device.GraphicsQueueIndex = queueInfo.GraphicsFamilyIndex
		context.Device.PresentQueueIndex = queueInfo.PresentFamilyIndex
		context.Device.ComputeQueueIndex = queueInfo.ComputeFamilyIndex
		context.Device.TransferQueueIndex = queueInfo.TransferFamilyIndex

		context.Device.Properties = properties
		context.Device.Features = features
		context.Device.Memory = memory

		core.LogInfo("Physical device selected.")
		return nil
	}

	err := fmt.Errorf("%w: no physical device meets the queue requirements", core.ErrDeviceUnavailable)
	core.LogError(err.Error())
	return err
}

// physicalDeviceMeetsRequirements scans the device's queue families and
// routes each queue kind. Graphics, compute and present are mandatory;
// a family with transfer support but neither graphics nor compute is
// preferred for transfer when the configuration asks for it, otherwise
// transfer falls back to the graphics family.
func physicalDeviceMeetsRequirements(device vk.PhysicalDevice, surface vk.Surface, features *vk.PhysicalDeviceFeatures, requirements *VulkanPhysicalDeviceRequirements, outQueueInfo *VulkanPhysicalDeviceQueueFamilyInfo, outSwapchainSupport *VulkanSwapchainSupportInfo) bool {
	outQueueInfo.GraphicsFamilyIndex = -1
	outQueueInfo.PresentFamilyIndex = -1
	outQueueInfo.ComputeFamilyIndex = -1
	outQueueInfo.TransferFamilyIndex = -1

	var queueFamilyCount uint32 = 0
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	dedicatedTransfer := int32(-1)
	dedicatedCompute := int32(-1)
	for i := 0; i < int(queueFamilyCount); i++ {
		queueFamilies[i].Deref()
		flags := vk.QueueFlagBits(queueFamilies[i].QueueFlags)

		if flags&vk.QueueGraphicsBit > 0 && outQueueInfo.GraphicsFamilyIndex < 0 {
			outQueueInfo.GraphicsFamilyIndex = int32(i)
		}
		if flags&vk.QueueComputeBit > 0 {
			if outQueueInfo.ComputeFamilyIndex < 0 {
				outQueueInfo.ComputeFamilyIndex = int32(i)
			}
			if flags&vk.QueueGraphicsBit == 0 && dedicatedCompute < 0 {
				dedicatedCompute = int32(i)
			}
		}
		if flags&vk.QueueTransferBit > 0 {
			if outQueueInfo.TransferFamilyIndex < 0 {
				outQueueInfo.TransferFamilyIndex = int32(i)
			}
			if flags&(vk.QueueGraphicsBit|vk.QueueComputeBit) == 0 && dedicatedTransfer < 0 {
				dedicatedTransfer = int32(i)
			}
		}

		var supportsPresent vk.Bool32 = vk.False
		if res := vk.GetPhysicalDeviceSurfaceSupport(device, uint32(i), surface, &supportsPresent); res != vk.Success {
			return false
		}
		if supportsPresent == vk.True && outQueueInfo.PresentFamilyIndex < 0 {
			outQueueInfo.PresentFamilyIndex = int32(i)
		}
	}

	// Async compute when a dedicated family exists.
	if dedicatedCompute >= 0 {
		outQueueInfo.ComputeFamilyIndex = dedicatedCompute
	}
	if requirements.PreferDedicatedTransfer && dedicatedTransfer >= 0 {
		outQueueInfo.TransferFamilyIndex = dedicatedTransfer
	} else if outQueueInfo.TransferFamilyIndex < 0 {
		// Graphics queues always support transfer implicitly.
		outQueueInfo.TransferFamilyIndex = outQueueInfo.GraphicsFamilyIndex
	}

	if (requirements.Graphics && outQueueInfo.GraphicsFamilyIndex < 0) ||
		(requirements.Present && outQueueInfo.PresentFamilyIndex < 0) ||
		(requirements.Compute && outQueueInfo.ComputeFamilyIndex < 0) ||
		(requirements.Transfer && outQueueInfo.TransferFamilyIndex < 0) {
		return false
	}

	if err := DeviceQuerySwapchainSupport(device, surface, outSwapchainSupport); err != nil {
		return false
	}
	if outSwapchainSupport.FormatCount < 1 || outSwapchainSupport.PresentModeCount < 1 {
		core.LogInfo("Required swapchain support not present, skipping device.")
		return false
	}

	if requirements.DeviceExtensionNames != nil {
		var availableExtensionCount uint32 = 0
		if res := vk.EnumerateDeviceExtensionProperties(device, "", &availableExtensionCount, nil); res != vk.Success {
			return false
		}
		if availableExtensionCount != 0 {
			availableExtensions := make([]vk.ExtensionProperties, availableExtensionCount)
			if res := vk.EnumerateDeviceExtensionProperties(device, "", &availableExtensionCount, availableExtensions); res != vk.Success {
				return false
			}
			for _, required := range requirements.DeviceExtensionNames {
				found := false
				for j := range availableExtensions {
					availableExtensions[j].Deref()
					name := string(availableExtensions[j].ExtensionName[:FindFirstZeroInByteArray(availableExtensions[j].ExtensionName[:])])
					if required == name {
						found = true
						break
					}
				}
				if !found {
					core.LogInfo("Required extension not found: '%s', skipping device.", required)
					return false
				}
			}
		}
	}

	return true
}
