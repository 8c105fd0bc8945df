package habitat

import (
	"fmt"
	"os"
	"path/filepath"
)

// hostRel resolves segments relative to the orchestrator's install root
// (the directory containing system/, shared/, habitats/).
func hostRel(root string, segments ...string) string {
	parts := append([]string{root}, segments...)
	return filepath.Join(parts...)
}

// containerPath joins segments onto workdir, which must already be an
// absolute container-side path. Never mix with hostRel's output.
func containerPath(workdir string, segments ...string) string {
	parts := append([]string{workdir}, segments...)
	return filepath.Join(parts...)
}

// snapshotTag builds the tag for a snapshotted phase.
func snapshotTag(name string, phaseID int, phaseName string) string {
	return fmt.Sprintf("habitat-%s:%d-%s", name, phaseID, phaseName)
}

// finalTag builds the tag for the completed habitat image.
func finalTag(name string) string {
	return fmt.Sprintf("habitat-%s:final", name)
}

// labelKey builds the OCI label key carrying a phase's content hash.
func labelKey(phaseName string) string {
	return phaseName + ".hash"
}

// installRoot returns the orchestrator's install root: the current working
// directory, unless HABITAT_ROOT overrides it.
func installRoot() (string, error) {
	if root := os.Getenv("HABITAT_ROOT"); root != "" {
		return filepath.Abs(root)
	}
	return os.Getwd()
}
