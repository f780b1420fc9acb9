package graph

import (
	vk "github.com/goki/vulkan"
)

// Tracker records the last known state of every resource across frames.
// Pure bookkeeping, no GPU calls. It is read and written only by the
// barrier compiler, which runs single-threaded per frame.
type Tracker struct {
	defaultFamily uint32
	states        map[ResourceHandle]ResourceState
}

// NewTracker creates a tracker. defaultFamily is the queue family
// untouched resources are considered owned by.
func NewTracker(defaultFamily uint32) *Tracker {
	return &Tracker{
		defaultFamily: defaultFamily,
		states:        make(map[ResourceHandle]ResourceState),
	}
}

// StateOf returns the recorded state of h. The second return value is
// false when h was never updated; the returned state is then the pristine
// one: no prior stage or access, undefined layout, default family.
func (t *Tracker) StateOf(h ResourceHandle) (ResourceState, bool) {
	if s, ok := t.states[h]; ok {
		return s, true
	}
	return ResourceState{
		Stage:       vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		Layout:      vk.ImageLayoutUndefined,
		QueueFamily: t.defaultFamily,
	}, false
}

func (t *Tracker) Update(h ResourceHandle, s ResourceState) {
	t.states[h] = s
}

// Forget drops the record for a destroyed resource.
func (t *Tracker) Forget(h ResourceHandle) {
	delete(t.states, h)
}

// Clone returns an independent copy with the same recorded states.
func (t *Tracker) Clone() *Tracker {
	c := NewTracker(t.defaultFamily)
	for h, s := range t.states {
		c.states[h] = s
	}
	return c
}
