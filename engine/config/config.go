package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level engine configuration, loaded from a TOML file.
type Config struct {
	AppName string `toml:"app_name"`
	Width   uint32 `toml:"width"`
	Height  uint32 `toml:"height"`

	Logging  Logging  `toml:"logging"`
	Renderer Renderer `toml:"renderer"`
}

type Logging struct {
	Level string `toml:"level"`
}

type Renderer struct {
	// Number of frames the CPU may run ahead of the GPU. Commonly 2 or 3.
	FramesInFlight int `toml:"frames_in_flight"`
	// Worker goroutines used for command recording.
	RecordWorkers int `toml:"record_workers"`
	// Minimum size of a device memory block, in bytes. Allocation requests
	// are rounded up to this to amortize future suballocations.
	MinBlockSize uint64 `toml:"min_block_size"`
	// Bounded wait on a frame slot's fence, in milliseconds. A timeout is
	// treated as a lost device.
	FenceTimeoutMS uint64 `toml:"fence_timeout_ms"`
	// Directory holding precompiled SPIR-V shader binaries.
	ShaderDir string `toml:"shader_dir"`
	// Request a dedicated transfer queue family when available.
	DedicatedTransferQueue bool `toml:"dedicated_transfer_queue"`
	VSync                  bool `toml:"vsync"`
	Validation             bool `toml:"validation"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		AppName: "Basalt",
		Width:   1280,
		Height:  720,
		Logging: Logging{Level: "info"},
		Renderer: Renderer{
			FramesInFlight:         2,
			RecordWorkers:          4,
			MinBlockSize:           64 * 1024 * 1024,
			FenceTimeoutMS:         2000,
			ShaderDir:              "shaders",
			DedicatedTransferQueue: true,
			VSync:                  true,
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Renderer.FramesInFlight < 1 {
		return fmt.Errorf("frames_in_flight must be at least 1, got %d", c.Renderer.FramesInFlight)
	}
	if c.Renderer.RecordWorkers < 1 {
		return fmt.Errorf("record_workers must be at least 1, got %d", c.Renderer.RecordWorkers)
	}
	if c.Renderer.MinBlockSize == 0 {
		return fmt.Errorf("min_block_size must be non-zero")
	}
	return nil
}
