package core

import (
	"errors"
)

// Failure taxonomy of the renderer. Callers are expected to match with
// errors.Is; additional context (pass name, resource, requested state) is
// attached at the point of failure with fmt.Errorf and %w.
var (
	// No physical device satisfies the requested queue capabilities.
	// Raised at startup only.
	ErrDeviceUnavailable = errors.New("no suitable physical device available")

	// The device refused a memory allocation. Recoverable by the caller
	// freeing resources and retrying; never retried internally.
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// The declared pass accesses imply a cyclic dependency. A caller
	// error; the frame is aborted before any GPU work is issued.
	ErrCycleDetected = errors.New("render graph cycle detected")

	// A resource transition could not be expressed. Indicates a bug in
	// the graph builder or tracker, not a recoverable condition.
	ErrUnsatisfiableTransition = errors.New("unsatisfiable resource transition")

	// The GPU stopped responding. Fatal; in-flight state is unrecoverable.
	ErrDeviceLost = errors.New("device lost")

	// The surface no longer matches the swapchain. Handled by swapchain
	// recreation inside the frame scheduler.
	ErrSwapchainOutOfDate = errors.New("swapchain out of date")

	ErrSwapchainBooting = errors.New("swapchain resized or recreated, booting")
)
