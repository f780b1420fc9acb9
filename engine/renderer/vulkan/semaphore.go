package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/core"
)

func NewSemaphore(context *VulkanContext) (vk.Semaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var semaphore vk.Semaphore
	if res := vk.CreateSemaphore(context.Device.LogicalDevice, &semaphoreCreateInfo, context.Allocator, &semaphore); res != vk.Success {
		err := fmt.Errorf("failed to create semaphore: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return vk.NullSemaphore, err
	}
	return semaphore, nil
}

// NewSemaphores creates count binary semaphores, destroying any already
// created on failure.
func NewSemaphores(context *VulkanContext, count int) ([]vk.Semaphore, error) {
	semaphores := make([]vk.Semaphore, 0, count)
	for i := 0; i < count; i++ {
		s, err := NewSemaphore(context)
		if err != nil {
			DestroySemaphores(context, semaphores)
			return nil, err
		}
		semaphores = append(semaphores, s)
	}
	return semaphores, nil
}

func DestroySemaphores(context *VulkanContext, semaphores []vk.Semaphore) {
	for _, s := range semaphores {
		if s != nil {
			vk.DestroySemaphore(context.Device.LogicalDevice, s, context.Allocator)
		}
	}
}
