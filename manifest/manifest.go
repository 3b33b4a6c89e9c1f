// Package manifest handles kiln.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a kiln.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Runtime Runtime `toml:"runtime"`
	Output  Output  `toml:"output"`

	// Dir is the directory containing the kiln.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// Runtime configures the virtual machine.
type Runtime struct {
	HeapSize       int64 `toml:"heap-size"`
	MaxStack       int64 `toml:"max-stack"`
	IntRegisters   int   `toml:"int-registers"`
	FloatRegisters int   `toml:"float-registers"`
	FrameOnly      bool  `toml:"frame-only"`
	Lazy           bool  `toml:"lazy"`
}

// Output configures compiled module output.
type Output struct {
	Module string `toml:"module"`
}

// Load parses a kiln.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "kiln.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Project.Entry == "" {
		m.Project.Entry = "main.kasm"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a kiln.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "kiln.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EntryPath returns the absolute path of the entry source file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.Project.Entry)
}

// OutputPath returns the absolute path of the compiled module output,
// or "" if no output is configured.
func (m *Manifest) OutputPath() string {
	if m.Output.Module == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Output.Module)
}
