package graph

import (
	"testing"

	vk "github.com/goki/vulkan"
)

func TestTrackerPristineState(t *testing.T) {
	tr := NewTracker(3)
	h := NewImageHandle("color")

	s, known := tr.StateOf(h)
	if known {
		t.Fatal("untouched resource reported as known")
	}
	if s.Layout != vk.ImageLayoutUndefined {
		t.Errorf("pristine layout = %v, want undefined", s.Layout)
	}
	if s.QueueFamily != 3 {
		t.Errorf("pristine family = %d, want default 3", s.QueueFamily)
	}
	if s.Mask != 0 {
		t.Errorf("pristine access mask = %v, want 0", s.Mask)
	}
}

func TestTrackerRoundTrip(t *testing.T) {
	tr := NewTracker(0)
	h := NewBufferHandle("staging")
	want := ResourceState{
		Stage:       vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		Mask:        vk.AccessFlags(vk.AccessTransferWriteBit),
		QueueFamily: 2,
	}

	tr.Update(h, want)
	got, known := tr.StateOf(h)
	if !known {
		t.Fatal("updated resource reported unknown")
	}
	if got != want {
		t.Errorf("StateOf = %+v, want %+v", got, want)
	}

	tr.Forget(h)
	if _, known := tr.StateOf(h); known {
		t.Error("forgotten resource still known")
	}
}

func TestTrackerCloneIsIndependent(t *testing.T) {
	tr := NewTracker(0)
	h := NewBufferHandle("b")
	tr.Update(h, ResourceState{Stage: vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit)})

	c := tr.Clone()
	c.Update(h, ResourceState{Stage: vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)})

	orig, _ := tr.StateOf(h)
	if orig.Stage != vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit) {
		t.Error("mutating the clone changed the original tracker")
	}
}
