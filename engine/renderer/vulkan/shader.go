package vulkan

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/basaltengine/basalt/engine/core"
)

// ShaderModule is one cached SPIR-V module.
type ShaderModule struct {
	ID     uuid.UUID
	Name   string
	Handle vk.ShaderModule
}

// ShaderCache loads precompiled SPIR-V from a directory into
// vk.ShaderModule handles and invalidates entries when the files change
// on disk. Compilation from source is someone else's job; the cache
// only consumes .spv files.
type ShaderCache struct {
	context *VulkanContext
	locks   *VulkanLockPool
	dir     string

	mu      sync.Mutex
	modules map[string]*ShaderModule
	stale   []*ShaderModule

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewShaderCache(context *VulkanContext, locks *VulkanLockPool, dir string) (*ShaderCache, error) {
	sc := &ShaderCache{
		context: context,
		locks:   locks,
		dir:     dir,
		modules: make(map[string]*ShaderModule),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating shader watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching shader directory %q: %w", dir, err)
	}
	sc.watcher = watcher
	go sc.watch()

	core.LogInfo("Shader cache watching %q.", dir)
	return sc, nil
}

// Load returns the module for a shader name (without the .spv suffix),
// loading and creating it on first use.
func (sc *ShaderCache) Load(name string) (*ShaderModule, error) {
	sc.mu.Lock()
	if m, ok := sc.modules[name]; ok {
		sc.mu.Unlock()
		return m, nil
	}
	sc.mu.Unlock()

	path := filepath.Join(sc.dir, name+".spv")
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading shader %q: %w", path, err)
	}
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("shader %q is not valid SPIR-V: %d bytes", path, len(code))
	}

	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}

	var handle vk.ShaderModule
	var res vk.Result
	sc.locks.SafeCall(ShaderManagement, func() error {
		res = vk.CreateShaderModule(sc.context.Device.LogicalDevice, &createInfo, sc.context.Allocator, &handle)
		return nil
	})
	if res != vk.Success {
		return nil, fmt.Errorf("failed to create shader module %q: %s", name, VulkanResultString(res))
	}

	m := &ShaderModule{
		ID:     uuid.New(),
		Name:   name,
		Handle: handle,
	}
	sc.mu.Lock()
	sc.modules[name] = m
	sc.mu.Unlock()

	core.LogDebug("shader module %q loaded (%s)", name, m.ID)
	return m, nil
}

// Sweep destroys modules that were invalidated by file changes. Call it
// while the device is known idle for the old modules, typically right
// after a full fence wait.
func (sc *ShaderCache) Sweep() {
	sc.mu.Lock()
	stale := sc.stale
	sc.stale = nil
	sc.mu.Unlock()

	for _, m := range stale {
		sc.locks.SafeCall(ShaderManagement, func() error {
			vk.DestroyShaderModule(sc.context.Device.LogicalDevice, m.Handle, sc.context.Allocator)
			return nil
		})
		core.LogDebug("shader module %q destroyed after invalidation", m.Name)
	}
}

func (sc *ShaderCache) watch() {
	for {
		select {
		case <-sc.done:
			return
		case event, ok := <-sc.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Remove) {
				continue
			}
			if filepath.Ext(event.Name) != ".spv" {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), ".spv")
			sc.invalidate(name)
		case err, ok := <-sc.watcher.Errors:
			if !ok {
				return
			}
			core.LogWarn("shader watcher: %v", err)
		}
	}
}

// invalidate drops a module from the cache; the next Load reloads it
// from disk. The vk handle is parked until Sweep.
func (sc *ShaderCache) invalidate(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	m, ok := sc.modules[name]
	if !ok {
		return
	}
	delete(sc.modules, name)
	sc.stale = append(sc.stale, m)
	core.LogInfo("shader %q changed on disk, cache entry invalidated", name)
}

func (sc *ShaderCache) Shutdown() {
	close(sc.done)
	sc.watcher.Close()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for name, m := range sc.modules {
		vk.DestroyShaderModule(sc.context.Device.LogicalDevice, m.Handle, sc.context.Allocator)
		delete(sc.modules, name)
	}
	for _, m := range sc.stale {
		vk.DestroyShaderModule(sc.context.Device.LogicalDevice, m.Handle, sc.context.Allocator)
	}
	sc.stale = nil
}
