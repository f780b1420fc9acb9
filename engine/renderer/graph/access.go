package graph

import (
	vk "github.com/goki/vulkan"
)

// QueueKind is the closed set of queue capabilities a pass can target.
type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueTransfer

	queueKindCount
)

func (q QueueKind) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	}
	return "unknown"
}

// QueueFamilies maps each queue kind to the device queue family index
// backing it. Kinds may share a family on hardware without dedicated
// compute or transfer queues.
type QueueFamilies [queueKindCount]uint32

func (f QueueFamilies) FamilyOf(q QueueKind) uint32 {
	return f[q]
}

// Shared reports whether two kinds are backed by the same family, in which
// case ordering between them needs a barrier, not a semaphore.
func (f QueueFamilies) Shared(a, b QueueKind) bool {
	return f[a] == f[b]
}

// AccessKind declares how a pass touches a resource.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessReadWrite
)

func (a AccessKind) IsWrite() bool {
	return a == AccessWrite || a == AccessReadWrite
}

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	}
	return "unknown"
}

// ResourceState is the last known GPU-side state of a resource: the stage
// and access mask of its last use, its current image layout (images only)
// and the queue family that owns it. The barrier compiler keeps this equal
// to the state the GPU will actually be in once the compiled commands
// execute.
type ResourceState struct {
	Stage       vk.PipelineStageFlags
	Mask        vk.AccessFlags
	Layout      vk.ImageLayout
	QueueFamily uint32
}
