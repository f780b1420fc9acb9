package graph

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// SemaphoreID names one binary semaphore within a compiled frame.
// Semaphores are numbered densely from zero; the backend materializes
// them per frame slot.
type SemaphoreID int

// Command is one step of a compiled frame. Commands are tagged with the
// queue they run on; the recorder routes them to per-queue streams while
// preserving their relative order.
type Command interface {
	CommandQueue() QueueKind
}

// CmdBeginPass marks the start of a pass's commands.
type CmdBeginPass struct {
	Queue QueueKind
	Pass  PassID
	Name  string
}

// CmdPipelineBarrier is one batched barrier command. Entries with
// differing source and destination families express an ownership
// release (on the source queue) or acquire (on the destination queue).
type CmdPipelineBarrier struct {
	Queue    QueueKind
	SrcStage vk.PipelineStageFlags
	DstStage vk.PipelineStageFlags
	Buffers  []BufferBarrier
	Images   []ImageBarrier
}

type BufferBarrier struct {
	Handle    ResourceHandle
	SrcMask   vk.AccessFlags
	DstMask   vk.AccessFlags
	SrcFamily uint32
	DstFamily uint32
}

type ImageBarrier struct {
	Handle    ResourceHandle
	SrcMask   vk.AccessFlags
	DstMask   vk.AccessFlags
	OldLayout vk.ImageLayout
	NewLayout vk.ImageLayout
	SrcFamily uint32
	DstFamily uint32
}

// CmdExecutePass runs the pass's Execute callback.
type CmdExecutePass struct {
	Queue QueueKind
	Pass  PassID
}

// CmdSignalSemaphore signals after all prior commands on the queue.
type CmdSignalSemaphore struct {
	Queue     QueueKind
	Semaphore SemaphoreID
}

// CmdWaitSemaphore blocks subsequent commands on the queue until the
// semaphore signals, at the given destination stage.
type CmdWaitSemaphore struct {
	Queue     QueueKind
	Semaphore SemaphoreID
	Stage     vk.PipelineStageFlags
}

func (c CmdBeginPass) CommandQueue() QueueKind        { return c.Queue }
func (c CmdPipelineBarrier) CommandQueue() QueueKind  { return c.Queue }
func (c CmdExecutePass) CommandQueue() QueueKind      { return c.Queue }
func (c CmdSignalSemaphore) CommandQueue() QueueKind  { return c.Queue }
func (c CmdWaitSemaphore) CommandQueue() QueueKind    { return c.Queue }

func (c CmdBeginPass) String() string {
	return fmt.Sprintf("begin pass %q on %s", c.Name, c.Queue)
}

func (c CmdPipelineBarrier) String() string {
	return fmt.Sprintf("barrier on %s (%d buffers, %d images)", c.Queue, len(c.Buffers), len(c.Images))
}

// IsOwnershipTransfer reports whether any entry moves the resource
// between queue families.
func (c CmdPipelineBarrier) IsOwnershipTransfer() bool {
	for _, b := range c.Buffers {
		if b.SrcFamily != b.DstFamily {
			return true
		}
	}
	for _, im := range c.Images {
		if im.SrcFamily != im.DstFamily {
			return true
		}
	}
	return false
}

// CommandSequence is the linear, deterministic output of the barrier
// compiler for one frame. Consumed once by the recorder, then discarded.
type CommandSequence struct {
	Graph    *DependencyGraph
	Commands []Command
	// Number of binary semaphores the frame needs.
	SemaphoreCount int
}

// BarrierCount counts the barrier commands in the sequence.
func (s *CommandSequence) BarrierCount() int {
	n := 0
	for _, c := range s.Commands {
		if _, ok := c.(CmdPipelineBarrier); ok {
			n++
		}
	}
	return n
}

// ForQueue returns the subsequence of commands routed to q, preserving
// order.
func (s *CommandSequence) ForQueue(q QueueKind) []Command {
	var out []Command
	for _, c := range s.Commands {
		if c.CommandQueue() == q {
			out = append(out, c)
		}
	}
	return out
}
