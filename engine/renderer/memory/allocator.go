// Package memory suballocates device memory. Blocks are requested from
// the device per memory type and carved into allocations with a
// deterministic first-fit policy; freed ranges return to a per-block
// free list and fully free blocks are handed back to the device once no
// in-flight frame can reference them.
package memory

import (
	"fmt"
	"sync"

	"github.com/basaltengine/basalt/engine/core"
)

// Locality selects where an allocation must live.
type Locality uint8

const (
	DeviceLocal Locality = iota
	HostVisible
)

func (l Locality) String() string {
	if l == HostVisible {
		return "host-visible"
	}
	return "device-local"
}

// BlockID is the backend's handle for one device memory block.
type BlockID uint64

// DeviceBackend is the narrow slice of the device the allocator needs.
// Implemented by the Vulkan backend; tests use a fake.
type DeviceBackend interface {
	// AllocateBlock requests one block of device memory of the given
	// memory type. Fails with core.ErrOutOfDeviceMemory when the device
	// refuses.
	AllocateBlock(size uint64, typeIndex int32) (BlockID, error)
	FreeBlock(id BlockID)
	// TypeIndex resolves a memory-type filter and locality to a concrete
	// memory type index from the device's memory-type table.
	TypeIndex(typeBits uint32, locality Locality) (int32, error)
}

// Config tunes the allocator.
type Config struct {
	// Minimum device block size; requests are rounded up to amortize
	// future suballocations.
	MinBlockSize uint64
	// Number of frame slots deferred frees can be parked on.
	FrameSlots int
}

// Allocation is one suballocated range. The backing block is owned by
// the allocator; the allocation only describes where the range lives.
type Allocation struct {
	Block  BlockID
	Offset uint64
	Size   uint64

	typeIndex int32
	freed     bool
}

func (a *Allocation) String() string {
	return fmt.Sprintf("[block %d +%d %d bytes]", a.Block, a.Offset, a.Size)
}

type span struct {
	offset uint64
	size   uint64
}

type block struct {
	id   BlockID
	size uint64
	// free spans, sorted by offset, adjacent spans coalesced.
	free []span
}

func (b *block) fullyFree() bool {
	return len(b.free) == 1 && b.free[0].offset == 0 && b.free[0].size == b.size
}

type typeHeap struct {
	mu        sync.Mutex
	typeIndex int32
	// creation order; first-fit scans it front to back.
	blocks  []*block
	pending [][]*Allocation // deferred frees per frame slot
}

// Allocator manages all device memory. Safe for concurrent use by
// recording threads; contention is per memory type.
type Allocator struct {
	backend DeviceBackend
	cfg     Config

	mu    sync.Mutex
	heaps map[int32]*typeHeap
}

func New(backend DeviceBackend, cfg Config) *Allocator {
	if cfg.FrameSlots < 1 {
		cfg.FrameSlots = 1
	}
	return &Allocator{
		backend: backend,
		cfg:     cfg,
		heaps:   make(map[int32]*typeHeap),
	}
}

func (al *Allocator) heap(typeIndex int32) *typeHeap {
	al.mu.Lock()
	defer al.mu.Unlock()
	h, ok := al.heaps[typeIndex]
	if !ok {
		h = &typeHeap{
			typeIndex: typeIndex,
			pending:   make([][]*Allocation, al.cfg.FrameSlots),
		}
		al.heaps[typeIndex] = h
	}
	return h
}

// Allocate carves size bytes (at the given alignment) out of a block of
// a memory type matching typeBits and locality. The first block with a
// fitting free span wins, scanning blocks in creation order and spans in
// offset order, so identical allocation histories produce identical
// placements. A core.ErrOutOfDeviceMemory from the device is reported,
// never retried with smaller sizes.
func (al *Allocator) Allocate(size, align uint64, typeBits uint32, locality Locality) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-size allocation")
	}
	if align == 0 {
		align = 1
	}
	typeIndex, err := al.backend.TypeIndex(typeBits, locality)
	if err != nil {
		return nil, fmt.Errorf("no %s memory type for filter %#x: %w", locality, typeBits, err)
	}

	h := al.heap(typeIndex)
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, b := range h.blocks {
		if a, ok := carve(b, size, align); ok {
			a.typeIndex = typeIndex
			return a, nil
		}
	}

	// No block fits; grow.
	blockSize := al.cfg.MinBlockSize
	if size > blockSize {
		blockSize = size
	}
	id, err := al.backend.AllocateBlock(blockSize, typeIndex)
	if err != nil {
		return nil, fmt.Errorf("allocating %d byte block (type %d): %w", blockSize, typeIndex, err)
	}
	b := &block{
		id:   id,
		size: blockSize,
		free: []span{{offset: 0, size: blockSize}},
	}
	h.blocks = append(h.blocks, b)

	a, ok := carve(b, size, align)
	if !ok {
		// A fresh block always fits the request that sized it.
		return nil, fmt.Errorf("new block of %d cannot hold %d at alignment %d", blockSize, size, align)
	}
	a.typeIndex = typeIndex
	return a, nil
}

// carve takes the first free span that can hold size at align.
func carve(b *block, size, align uint64) (*Allocation, bool) {
	for i, s := range b.free {
		start := alignUp(s.offset, align)
		pad := start - s.offset
		if s.size < pad+size {
			continue
		}

		a := &Allocation{Block: b.id, Offset: start, Size: size}

		// Split the span around the carved range.
		var repl []span
		if pad > 0 {
			repl = append(repl, span{offset: s.offset, size: pad})
		}
		if rest := s.size - pad - size; rest > 0 {
			repl = append(repl, span{offset: start + size, size: rest})
		}
		b.free = append(b.free[:i], append(repl, b.free[i+1:]...)...)
		return a, true
	}
	return nil, false
}

// Free returns the allocation's range to its block immediately. Only
// safe when no submitted frame can still reference the range; use
// FreeDeferred otherwise. Fully free blocks with no parked frees are
// released back to the device.
func (al *Allocator) Free(a *Allocation) {
	if a == nil || a.freed {
		return
	}
	h := al.heap(a.typeIndex)
	h.mu.Lock()
	defer h.mu.Unlock()
	al.freeLocked(h, a)
	al.releaseEmptyLocked(h)
}

// FreeDeferred parks the free on a frame slot. The range becomes
// reusable when Collect runs for that slot, after its fence signaled.
func (al *Allocator) FreeDeferred(a *Allocation, slot int) {
	if a == nil || a.freed {
		return
	}
	h := al.heap(a.typeIndex)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[slot] = append(h.pending[slot], a)
}

// Collect flushes the deferred frees of a frame slot. Called by the
// frame scheduler once the slot's fence has signaled.
func (al *Allocator) Collect(slot int) {
	al.mu.Lock()
	heaps := make([]*typeHeap, 0, len(al.heaps))
	for _, h := range al.heaps {
		heaps = append(heaps, h)
	}
	al.mu.Unlock()

	for _, h := range heaps {
		h.mu.Lock()
		for _, a := range h.pending[slot] {
			al.freeLocked(h, a)
		}
		h.pending[slot] = nil
		al.releaseEmptyLocked(h)
		h.mu.Unlock()
	}
}

// Shutdown flushes everything and returns all blocks to the device.
func (al *Allocator) Shutdown() {
	al.mu.Lock()
	defer al.mu.Unlock()
	for _, h := range al.heaps {
		h.mu.Lock()
		for slot := range h.pending {
			for _, a := range h.pending[slot] {
				al.freeLocked(h, a)
			}
			h.pending[slot] = nil
		}
		for _, b := range h.blocks {
			al.backend.FreeBlock(b.id)
		}
		h.blocks = nil
		h.mu.Unlock()
	}
	al.heaps = make(map[int32]*typeHeap)
}

func (al *Allocator) freeLocked(h *typeHeap, a *Allocation) {
	if a.freed {
		return
	}
	a.freed = true
	for _, b := range h.blocks {
		if b.id != a.Block {
			continue
		}
		insertSpan(b, span{offset: a.Offset, size: a.Size})
		return
	}
	core.LogWarn("free of allocation %s into unknown block", a)
}

// releaseEmptyLocked hands fully free, unpinned blocks back to the
// device. A block is pinned while any slot still holds a deferred free
// into it.
func (al *Allocator) releaseEmptyLocked(h *typeHeap) {
	pinned := make(map[BlockID]bool)
	for _, slot := range h.pending {
		for _, a := range slot {
			pinned[a.Block] = true
		}
	}
	kept := h.blocks[:0]
	for _, b := range h.blocks {
		if b.fullyFree() && !pinned[b.id] {
			al.backend.FreeBlock(b.id)
			continue
		}
		kept = append(kept, b)
	}
	h.blocks = kept
}

// insertSpan places s into the free list keeping offset order, merging
// with neighbours.
func insertSpan(b *block, s span) {
	i := 0
	for i < len(b.free) && b.free[i].offset < s.offset {
		i++
	}
	b.free = append(b.free, span{})
	copy(b.free[i+1:], b.free[i:])
	b.free[i] = s

	// Coalesce with the next span, then the previous one.
	if i+1 < len(b.free) && b.free[i].offset+b.free[i].size == b.free[i+1].offset {
		b.free[i].size += b.free[i+1].size
		b.free = append(b.free[:i+1], b.free[i+2:]...)
	}
	if i > 0 && b.free[i-1].offset+b.free[i-1].size == b.free[i].offset {
		b.free[i-1].size += b.free[i].size
		b.free = append(b.free[:i], b.free[i+1:]...)
	}
}

func alignUp(v, align uint64) uint64 {
	m := v % align
	if m == 0 {
		return v
	}
	return v - m + align
}
