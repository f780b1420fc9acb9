package graph

import (
	"fmt"

	"github.com/google/uuid"
)

// ResourceKind separates buffers from images; only images carry a layout.
type ResourceKind uint8

const (
	ResourceBuffer ResourceKind = iota
	ResourceImage
)

func (k ResourceKind) String() string {
	if k == ResourceImage {
		return "image"
	}
	return "buffer"
}

// ResourceHandle is an opaque identifier for a buffer or image. It is a
// weak reference used for lookup; backing memory is owned by the memory
// allocator. Handles are comparable and usable as map keys.
type ResourceHandle struct {
	id   uuid.UUID
	name string
	kind ResourceKind
}

func NewBufferHandle(name string) ResourceHandle {
	return ResourceHandle{id: uuid.New(), name: name, kind: ResourceBuffer}
}

func NewImageHandle(name string) ResourceHandle {
	return ResourceHandle{id: uuid.New(), name: name, kind: ResourceImage}
}

func (h ResourceHandle) Kind() ResourceKind {
	return h.kind
}

func (h ResourceHandle) Name() string {
	return h.name
}

// IsZero reports whether the handle was never created through
// NewBufferHandle or NewImageHandle.
func (h ResourceHandle) IsZero() bool {
	return h.id == uuid.Nil
}

func (h ResourceHandle) String() string {
	return fmt.Sprintf("%s %q (%s)", h.kind, h.name, h.id)
}
