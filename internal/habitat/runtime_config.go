package habitat

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig is the user-level runtime configuration
// (~/.config/habitat/runtime.yaml), repurposed from the teacher's own
// runtime_config.go to carry engine choice and the default clone/exec
// parallelism knob from §5, instead of the teacher's build/run engine
// split and quadlet run-mode.
type RuntimeConfig struct {
	Engine      string `yaml:"engine,omitempty"`      // "docker" or "podman"
	Parallelism int    `yaml:"parallelism,omitempty"` // bounded clone/exec concurrency, default 4
}

// ResolvedRuntime holds the fully resolved runtime configuration: env var >
// config file > built-in default, same precedence order as the teacher.
type ResolvedRuntime struct {
	Engine      string
	Parallelism int
}

// RuntimeConfigPath returns ~/.config/habitat/runtime.yaml. Package-level
// var for testability.
var RuntimeConfigPath = defaultRuntimeConfigPath

func defaultRuntimeConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determining config directory: %w", err)
	}
	return filepath.Join(dir, "habitat", "runtime.yaml"), nil
}

// LoadRuntimeConfig reads the runtime config file, returning a zero-value
// config (not an error) when it doesn't exist yet.
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	path, err := RuntimeConfigPath()
	if err != nil {
		return &RuntimeConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RuntimeConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveRuntime resolves engine and parallelism: env var, then config
// file, then built-in default (docker, 4).
func ResolveRuntime() (*ResolvedRuntime, error) {
	cfg, err := LoadRuntimeConfig()
	if err != nil {
		return nil, err
	}

	rt := &ResolvedRuntime{
		Engine:      resolveStr(os.Getenv("HABITAT_ENGINE"), cfg.Engine, "docker"),
		Parallelism: resolveInt(os.Getenv("HABITAT_PARALLELISM"), cfg.Parallelism, RepoFetchConcurrency),
	}
	if rt.Engine != "docker" && rt.Engine != "podman" {
		return nil, fmt.Errorf("engine must be \"docker\" or \"podman\", got %q", rt.Engine)
	}
	if rt.Parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be >= 1, got %d", rt.Parallelism)
	}
	return rt, nil
}

func resolveStr(envVal, cfgVal, defaultVal string) string {
	if envVal != "" {
		return envVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	return defaultVal
}

func resolveInt(envVal string, cfgVal, defaultVal int) int {
	if envVal != "" {
		var n int
		if _, err := fmt.Sscanf(envVal, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	if cfgVal > 0 {
		return cfgVal
	}
	return defaultVal
}
