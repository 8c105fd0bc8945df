package habitat

import (
	"fmt"
	"os"
	"path/filepath"
)

// ScaffoldHabitat creates a new habitat directory under <root>/habitats/
// with a placeholder config.yaml, the habitat-layer counterpart to the
// system and shared layers that already live under root.
func ScaffoldHabitat(root, name string) error {
	if !ValidateHabitatName(name) {
		return fmt.Errorf("invalid habitat name %q: must match ^[a-z][a-z0-9-]*$", name)
	}

	dir := filepath.Join(root, "habitats", name)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("habitat %q already exists at %s", name, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating habitat directory: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	placeholder := fmt.Sprintf(`# %s habitat configuration
name: %s
base_image: ubuntu:24.04

env:
  - WORKDIR=/workspace
  - USER=%s

# files:
#   - src: ~/.gitconfig
#     dest: /home/%s/.gitconfig

# scripts:
#   - run_as: root
#     commands:
#       - apt-get update && apt-get install -y git

# repos:
#   - url: https://github.com/example/example.git
#     path: /workspace/example
#     access: read

verify-fs:
  required_files: []

tests: []

entry:
  command: /bin/bash
`, name, name, name, name)

	if err := os.WriteFile(configPath, []byte(placeholder), 0o644); err != nil {
		return fmt.Errorf("creating config.yaml: %w", err)
	}

	fmt.Printf("Created habitat %q at %s\n", name, dir)
	fmt.Println("Edit config.yaml, then run: habitat start " + name)
	return nil
}
