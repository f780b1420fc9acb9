package engine

import (
	"github.com/basaltengine/basalt/engine/config"
	"github.com/basaltengine/basalt/engine/renderer"
	"github.com/basaltengine/basalt/engine/renderer/graph"
)

type Game struct {
	ApplicationConfig *config.Config
	// Renderer is assigned by the engine before FnInitialize runs. The
	// game uses it to create resources and inspect frame state.
	Renderer     *renderer.Renderer
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnRender     Render
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

type Initialize func() error
type Update func(deltaTime float64) error

// Render declares the frame's passes into the builder. Returning
// renderer.ErrFrameAborted skips the frame without failing the loop.
type Render func(b *graph.Builder, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
