package renderer

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/basaltengine/basalt/engine/config"
	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/memory"
)

// ErrFrameAborted cancels the current frame from inside a build
// callback. The partially built graph is discarded and no GPU work is
// issued; DrawFrame reports success.
var ErrFrameAborted = errors.New("frame aborted during graph building")

// FrameState tracks where the scheduler is inside the current frame.
type FrameState uint8

const (
	FrameIdle FrameState = iota
	FrameAcquiring
	FrameBuilding
	FrameCompiling
	FrameRecording
	FrameSubmitted
	FramePresenting
)

func (s FrameState) String() string {
	switch s {
	case FrameIdle:
		return "idle"
	case FrameAcquiring:
		return "acquiring"
	case FrameBuilding:
		return "building"
	case FrameCompiling:
		return "compiling"
	case FrameRecording:
		return "recording"
	case FrameSubmitted:
		return "submitted"
	case FramePresenting:
		return "presenting"
	}
	return "unknown"
}

// Renderer is the frame scheduler. It cycles through FramesInFlight
// slots round-robin, rebuilds the dependency graph every frame from
// the caller's build callback, compiles it against the persistent
// resource tracker and hands the command sequence to the backend.
type Renderer struct {
	backend Backend
	cfg     config.Renderer

	tracker *graph.Tracker
	state   FrameState
	slot    int
	frame   uint64

	// invoked once the slot's fence has signaled and its resources are
	// safe to reclaim
	onSlotReclaimed func(slot int)
}

func New(backend Backend, cfg config.Renderer) *Renderer {
	return &Renderer{
		backend: backend,
		cfg:     cfg,
		state:   FrameIdle,
	}
}

func (r *Renderer) Initialize(appName string, width, height uint32) error {
	if err := r.backend.Initialize(appName, width, height); err != nil {
		return fmt.Errorf("initializing renderer backend: %w", err)
	}
	families := r.backend.QueueFamilies()
	r.tracker = graph.NewTracker(families.FamilyOf(graph.QueueGraphics))
	core.LogInfo("renderer initialized with %d frames in flight", r.cfg.FramesInFlight)
	return nil
}

func (r *Renderer) Shutdown() error {
	return r.backend.Shutdown()
}

func (r *Renderer) OnResize(width, height uint32) error {
	return r.backend.Resized(width, height)
}

// SetSlotReclaimedFunc registers a hook fired when a frame slot's
// fence has signaled and deferred frees parked on it may run.
func (r *Renderer) SetSlotReclaimedFunc(fn func(slot int)) {
	r.onSlotReclaimed = fn
}

func (r *Renderer) State() FrameState { return r.state }
func (r *Renderer) FrameSlot() int    { return r.slot }
func (r *Renderer) FrameNumber() uint64 {
	return r.frame
}

// Tracker exposes the persistent resource-state tracker.
func (r *Renderer) Tracker() *graph.Tracker { return r.tracker }

func (r *Renderer) CreateBuffer(name string, size uint64, usage vk.BufferUsageFlags, locality memory.Locality) (graph.ResourceHandle, error) {
	return r.backend.CreateBuffer(name, size, usage, locality)
}

func (r *Renderer) CreateImage(name string, width, height uint32, format vk.Format, usage vk.ImageUsageFlags) (graph.ResourceHandle, error) {
	return r.backend.CreateImage(name, width, height, format, usage)
}

// DestroyResource forgets the handle's tracked state and parks its
// backing memory on the current slot; it is released once the slot's
// fence signals.
func (r *Renderer) DestroyResource(h graph.ResourceHandle) {
	if r.tracker != nil {
		r.tracker.Forget(h)
	}
	r.backend.DestroyResource(h, r.slot)
}

// DrawFrame runs one frame through the scheduler: wait on the slot's
// fence, acquire, build, compile, record+submit, present, advance the
// slot. A stale swapchain skips the frame and reports success; cycle
// and transition errors abort before any GPU work is issued.
func (r *Renderer) DrawFrame(build func(*graph.Builder) error) error {
	r.state = FrameAcquiring
	if err := r.backend.BeginFrame(r.slot); err != nil {
		r.state = FrameIdle
		switch {
		case errors.Is(err, core.ErrSwapchainBooting):
			core.LogDebug("frame %d skipped, swapchain recreating", r.frame)
			return nil
		case errors.Is(err, core.ErrSwapchainOutOfDate):
			return nil
		default:
			return fmt.Errorf("beginning frame %d: %w", r.frame, err)
		}
	}

	// the slot's fence has signaled; everything parked on it is safe
	// to reclaim before this frame reuses the slot
	if r.onSlotReclaimed != nil {
		r.onSlotReclaimed(r.slot)
	}

	r.state = FrameBuilding
	b := graph.NewBuilder()
	if err := build(b); err != nil {
		r.state = FrameIdle
		if errors.Is(err, ErrFrameAborted) {
			return nil
		}
		return fmt.Errorf("building frame %d: %w", r.frame, err)
	}
	g, err := b.Build()
	if err != nil {
		r.state = FrameIdle
		return fmt.Errorf("building frame %d: %w", r.frame, err)
	}

	r.state = FrameCompiling
	seq, err := graph.Compile(g, r.tracker, r.backend.QueueFamilies())
	if err != nil {
		r.state = FrameIdle
		return fmt.Errorf("compiling frame %d: %w", r.frame, err)
	}

	r.state = FrameRecording
	if err := r.backend.Submit(seq, r.slot); err != nil {
		r.state = FrameIdle
		return fmt.Errorf("submitting frame %d: %w", r.frame, err)
	}
	r.state = FrameSubmitted

	r.state = FramePresenting
	if err := r.backend.Present(r.slot); err != nil {
		if !errors.Is(err, core.ErrSwapchainOutOfDate) {
			r.state = FrameIdle
			return fmt.Errorf("presenting frame %d: %w", r.frame, err)
		}
		// backend recreates the swapchain before the next acquire
		core.LogDebug("swapchain out of date after present, frame %d", r.frame)
	}

	r.slot = (r.slot + 1) % r.cfg.FramesInFlight
	r.frame++
	r.state = FrameIdle
	return nil
}
