package habitat

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// LoadHabitat reads and merges the three configuration layers for the named
// habitat, expands environment references, and validates the result.
// root is the orchestrator's install root, containing system/, shared/,
// and habitats/<name>/.
func LoadHabitat(root, name string) (*MergedConfig, error) {
	layers := []struct {
		layer SourceLayer
		path  string
	}{
		{LayerSystem, filepath.Join(root, "system", "config.yaml")},
		{LayerShared, filepath.Join(root, "shared", "config.yaml")},
		{LayerHabitat, filepath.Join(root, "habitats", name, "config.yaml")},
	}

	var raws []RawConfig
	var sources []SourceLayer
	for _, l := range layers {
		raw, err := readLayer(l.path)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			if l.layer == LayerHabitat {
				return nil, &ConfigError{Kind: ConfigErrSchema, Layer: LayerHabitat, Field: "name", Msg: fmt.Sprintf("no such habitat %q (missing %s)", name, l.path)}
			}
			continue
		}
		raws = append(raws, *raw)
		sources = append(sources, l.layer)
	}

	merged := mergeLayers(raws, sources)
	merged.Name = name

	if err := expandEnv(merged); err != nil {
		return nil, err
	}

	if wd, ok := merged.Lookup("WORKDIR"); ok {
		merged.WorkDir = wd
	}
	if u, ok := merged.Lookup("USER"); ok {
		merged.User = u
	}

	if err := ValidateConfig(merged); err != nil {
		return nil, err
	}

	return merged, nil
}

// readLayer reads one layer's config.yaml. A missing file of any layer
// yields nil, nil; LoadHabitat treats that as fine for the system and
// shared layers and reports a missing habitat layer as a ConfigError.
func readLayer(path string) (*RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ConfigError{Kind: ConfigErrSyntax, Msg: fmt.Sprintf("reading %s: %v", path, err)}
	}

	var raw RawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, &ConfigError{Kind: ConfigErrSyntax, Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	return &raw, nil
}

// ValidateHabitatName reports whether name matches the required identifier
// pattern.
func ValidateHabitatName(name string) bool {
	return namePattern.MatchString(name)
}

// DuplicateHabitats reports names that appear more than once in names.
func DuplicateHabitats(names []string) []string {
	seen := make(map[string]bool)
	var dups []string
	for _, n := range names {
		if seen[n] {
			if !contains(dups, n) {
				dups = append(dups, n)
			}
		}
		seen[n] = true
	}
	return dups
}
