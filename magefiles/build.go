//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles every GLSL source under shaders/ into a SPIR-V binary next to it.
func (Build) Shaders() error {
	entries, err := os.ReadDir("shaders")
	if err != nil {
		return err
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if ext != ".vert" && ext != ".frag" && ext != ".comp" {
			continue
		}
		src := filepath.Join("shaders", e.Name())
		out := strings.TrimSuffix(src, ext) + ".spv"
		if _, err := executeCmd("glslc", withArgs(src, "-o", out), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Builds the engine binary.
func (Build) Engine() error {
	fmt.Println("Build engine...")
	if _, err := executeCmd("go", withArgs("build", "-o", "basalt", "."), withStream()); err != nil {
		return err
	}
	return nil
}
