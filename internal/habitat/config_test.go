package habitat

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLayer(t *testing.T, root, layer, content string) {
	t.Helper()
	dir := filepath.Join(root, layer)
	if layer == "" {
		dir = root
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupHabitatRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeLayer(t, root, "system", `
env:
  - WORKDIR=/workspace
  - USER=agent
`)
	writeLayer(t, root, "shared", `
files:
  - src: dotfiles/bashrc
    dest: ${WORKDIR}/.bashrc
`)
	writeLayer(t, filepath.Join(root, "habitats"), "demo", `
name: demo
base_image: alpine:3.19
repos:
  - url: https://github.com/example/demo.git
    path: ${WORKDIR}/demo
    branch: main
    access: read
tests:
  - ./run-tests.sh
`)
	return root
}

func TestLoadHabitatMergesThreeLayersAndExpandsEnv(t *testing.T) {
	root := setupHabitatRoot(t)

	cfg, err := LoadHabitat(root, "demo")
	if err != nil {
		t.Fatalf("LoadHabitat: %v", err)
	}

	if cfg.Name != "demo" {
		t.Errorf("Name = %q, want demo", cfg.Name)
	}
	if cfg.WorkDir != "/workspace" {
		t.Errorf("WorkDir = %q, want /workspace", cfg.WorkDir)
	}
	if cfg.User != "agent" {
		t.Errorf("User = %q, want agent", cfg.User)
	}
	if len(cfg.Files) != 1 || cfg.Files[0].Dest != "/workspace/.bashrc" {
		t.Errorf("Files = %+v, want one entry with expanded dest", cfg.Files)
	}
	if len(cfg.Repos) != 1 || cfg.Repos[0].Path != "/workspace/demo" {
		t.Errorf("Repos = %+v, want one entry with expanded path", cfg.Repos)
	}
}

func TestLoadHabitatMissingHabitatDirectoryIsError(t *testing.T) {
	root := setupHabitatRoot(t)
	if _, err := LoadHabitat(root, "does-not-exist"); err == nil {
		t.Fatal("expected an error for a nonexistent habitat")
	}
}

func TestLoadHabitatSystemAndSharedAreOptional(t *testing.T) {
	root := t.TempDir()
	writeLayer(t, filepath.Join(root, "habitats"), "demo", `
name: demo
base_image: alpine:3.19
env:
  - WORKDIR=/workspace
  - USER=agent
`)
	cfg, err := LoadHabitat(root, "demo")
	if err != nil {
		t.Fatalf("LoadHabitat: %v", err)
	}
	if cfg.WorkDir != "/workspace" {
		t.Errorf("WorkDir = %q, want /workspace", cfg.WorkDir)
	}
}

func TestLoadHabitatRejectsUnknownYAMLFields(t *testing.T) {
	root := t.TempDir()
	writeLayer(t, filepath.Join(root, "habitats"), "demo", `
name: demo
base_image: alpine:3.19
env:
  - WORKDIR=/workspace
  - USER=agent
totally_unknown_field: true
`)
	if _, err := LoadHabitat(root, "demo"); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoadHabitatPropagatesValidationErrors(t *testing.T) {
	root := t.TempDir()
	writeLayer(t, filepath.Join(root, "habitats"), "demo", `
name: demo
base_image: alpine:3.19
dockerfile: Dockerfile
env:
  - WORKDIR=/workspace
  - USER=agent
`)
	_, err := LoadHabitat(root, "demo")
	if err == nil {
		t.Fatal("expected a validation error: base_image and dockerfile are mutually exclusive")
	}
	if _, ok := err.(*ConfigErrors); !ok {
		t.Fatalf("expected *ConfigErrors, got %T", err)
	}
}

func TestValidateHabitatName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"demo", true},
		{"demo-2", true},
		{"Demo", false},
		{"2demo", false},
		{"demo_2", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateHabitatName(tt.name); got != tt.want {
			t.Errorf("ValidateHabitatName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDuplicateHabitats(t *testing.T) {
	got := DuplicateHabitats([]string{"a", "b", "a", "c", "b", "a"})
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 duplicates", got)
	}
}
