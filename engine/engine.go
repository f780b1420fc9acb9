package engine

import (
	"fmt"

	"github.com/basaltengine/basalt/engine/core"
	"github.com/basaltengine/basalt/engine/platform"
	"github.com/basaltengine/basalt/engine/renderer"
	"github.com/basaltengine/basalt/engine/renderer/graph"
	"github.com/basaltengine/basalt/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	isRunning    bool
	isSuspended  bool
	platform     *platform.Platform
	renderer     *renderer.Renderer
	width        uint32
	height       uint32
	clock        *core.Clock
	lastTime     float64
}

func New(g *Game) (*Engine, error) {
	if g.ApplicationConfig == nil {
		return nil, fmt.Errorf("game has no application config")
	}

	p, err := platform.New()
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	backend := vulkan.New(p, g.ApplicationConfig.Renderer)
	r := renderer.New(backend, g.ApplicationConfig.Renderer)

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		clock:        core.NewClock(),
		platform:     p,
		renderer:     r,
		isRunning:    true,
		isSuspended:  false,
		width:        g.ApplicationConfig.Width,
		height:       g.ApplicationConfig.Height,
		lastTime:     0,
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	cfg := e.gameInstance.ApplicationConfig
	core.LogSetLevel(cfg.Logging.Level)

	if !core.EventInitialize() {
		return fmt.Errorf("failed to initialize the event system")
	}
	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_RESIZED, e, e.onResized)

	if err := e.platform.Startup(cfg.AppName, 100, 100, cfg.Width, cfg.Height); err != nil {
		return err
	}

	if err := e.renderer.Initialize(cfg.AppName, e.width, e.height); err != nil {
		core.LogError(err.Error())
		return err
	}
	e.gameInstance.Renderer = e.renderer

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(); err != nil {
			return err
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning {
		e.platform.PumpMessages()

		if e.isSuspended {
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogFatal("Game update failed, shutting down.")
				e.isRunning = false
				break
			}
		}

		if err := e.renderer.DrawFrame(func(b *graph.Builder) error {
			return e.gameInstance.FnRender(b, delta)
		}); err != nil {
			core.LogError("Draw frame failed: %s", err.Error())
			e.isRunning = false
			break
		}

		e.clock.Update()
		core.MetricsUpdate(e.clock.Elapsed() - currentTime)

		e.lastTime = currentTime
	}

	return nil
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError(err.Error())
		}
	}
	if err := e.renderer.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
	if err := core.EventShutdown(); err != nil {
		return err
	}
	if err := e.platform.Shutdown(); err != nil {
		return err
	}
	return nil
}

// GetFramebufferSize returns the width and height (in this order)
// of the application framebuffer.
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning = false
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listenerInst interface{}, data core.EventContext) bool {
	if code != core.EVENT_CODE_RESIZED {
		return false
	}

	width := data.Data.U32[0]
	height := data.Data.U32[1]

	if width == e.width && height == e.height {
		return false
	}
	e.width = width
	e.height = height

	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application")
		e.isSuspended = true
		return true
	}

	if e.isSuspended {
		core.LogInfo("Window restored, resuming application")
		e.isSuspended = false
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError(err.Error())
		}
	}
	if err := e.renderer.OnResize(width, height); err != nil {
		core.LogError(err.Error())
	}
	return false
}
