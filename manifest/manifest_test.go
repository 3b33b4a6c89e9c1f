package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	// Create a temporary directory with a kiln.toml
	dir := t.TempDir()
	tomlContent := `
[project]
name = "test-app"
version = "0.1.0"
entry = "app.kasm"

[runtime]
heap-size = 8388608
max-stack = 262144
int-registers = 3
float-registers = 2
lazy = true

[output]
module = "app.kmod"
`
	if err := os.WriteFile(filepath.Join(dir, "kiln.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.Project.Entry != "app.kasm" {
		t.Errorf("project entry = %q, want app.kasm", m.Project.Entry)
	}
	if m.Runtime.HeapSize != 8388608 {
		t.Errorf("heap size = %d, want 8388608", m.Runtime.HeapSize)
	}
	if m.Runtime.MaxStack != 262144 {
		t.Errorf("max stack = %d, want 262144", m.Runtime.MaxStack)
	}
	if m.Runtime.IntRegisters != 3 {
		t.Errorf("int registers = %d, want 3", m.Runtime.IntRegisters)
	}
	if !m.Runtime.Lazy {
		t.Error("lazy = false, want true")
	}
	if m.Output.Module != "app.kmod" {
		t.Errorf("output module = %q, want app.kmod", m.Output.Module)
	}
	if m.EntryPath() != filepath.Join(m.Dir, "app.kasm") {
		t.Errorf("entry path = %q", m.EntryPath())
	}
	if m.OutputPath() != filepath.Join(m.Dir, "app.kmod") {
		t.Errorf("output path = %q", m.OutputPath())
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[project]
name = "bare"
`
	if err := os.WriteFile(filepath.Join(dir, "kiln.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Entry != "main.kasm" {
		t.Errorf("default entry = %q, want main.kasm", m.Project.Entry)
	}
	if m.OutputPath() != "" {
		t.Errorf("output path = %q, want empty", m.OutputPath())
	}
}

func TestLoadManifestMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing kiln.toml")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	tomlContent := "[project]\nname = \"walker\"\n"
	if err := os.WriteFile(filepath.Join(root, "kiln.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("manifest not found from nested dir")
	}
	if m.Project.Name != "walker" {
		t.Errorf("project name = %q, want walker", m.Project.Name)
	}
}
