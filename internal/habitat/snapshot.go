package habitat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// TagInfo describes one entry from an `images --filter reference=...` listing.
type TagInfo struct {
	Tag       string
	CreatedAt time.Time
	SizeBytes int64
}

// SnapshotStore is the narrow interface C8 needs from the container engine
// (§4.4): existence, label inspection, atomic commit, removal, and listing.
// It is implemented against the real engine CLI (snapshotStoreCLI) but kept
// as an interface so the pipeline is headless-testable with a fake, the
// same way the teacher keeps InspectLabels swappable.
type SnapshotStore interface {
	Exists(ctx context.Context, tag string) (bool, error)
	Labels(ctx context.Context, tag string) (map[string]string, error)
	Commit(ctx context.Context, containerID, tag string, labels map[string]string) error
	Remove(ctx context.Context, tag string) error
	List(ctx context.Context, prefix string) ([]TagInfo, error)
}

// snapshotStoreCLI drives the real engine via the CLI operations enumerated
// in §6: image inspect, commit, images, rmi. Exists and Labels try a
// registry lookup through crane first and fall back to the CLI.
type snapshotStoreCLI struct {
	engine string
}

// NewSnapshotStore returns the engine-backed snapshot store.
func NewSnapshotStore(engine string) SnapshotStore {
	return &snapshotStoreCLI{engine: engine}
}

func (s *snapshotStoreCLI) binary() string { return EngineBinary(s.engine) }

func (s *snapshotStoreCLI) Exists(ctx context.Context, tag string) (bool, error) {
	ref := stripHabitatPrefix(tag)
	if _, err := name.NewTag(ref, name.WeakValidation); err != nil {
		return false, fmt.Errorf("snapshot tag %q is not a well-formed reference: %w", tag, err)
	}

	// Snapshots committed locally via `docker commit` never reach a
	// registry, so crane.Head almost always misses here; it's tried first
	// only to short-circuit the (rarer) case of a habitat built against a
	// remote-pushed base that crane can answer without shelling out.
	if _, err := crane.Head(ref); err == nil {
		return true, nil
	}

	res, err := runEngine(ctx, TimeoutShort, s.binary(), "image", "inspect", tag)
	if err != nil {
		if res != nil && res.ExitCode != 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// stripHabitatPrefix removes the "habitat-" repository prefix so the
// remaining "name:tag" parses as an ordinary reference under weak
// validation; the prefix itself is our own namespacing convention, not
// part of the OCI reference grammar it would otherwise trip on.
func stripHabitatPrefix(tag string) string {
	return strings.TrimPrefix(tag, "habitat-")
}

func (s *snapshotStoreCLI) Labels(ctx context.Context, tag string) (map[string]string, error) {
	if labels, ok := craneLabels(stripHabitatPrefix(tag)); ok {
		return labels, nil
	}

	res, err := runEngine(ctx, TimeoutShort, s.binary(), "image", "inspect", "--format", "{{json .Config.Labels}}", tag)
	if err != nil {
		return nil, &EngineError{Op: "image inspect", Err: err}
	}
	trimmed := strings.TrimSpace(res.Stdout)
	if trimmed == "" || trimmed == "null" {
		return map[string]string{}, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(trimmed), &labels); err != nil {
		return nil, fmt.Errorf("parsing labels from %s: %w", tag, err)
	}
	return labels, nil
}

// craneLabels fetches an image's config and returns its labels without
// shelling out, for the cases where ref does resolve against a registry.
// Returns ok=false on any failure so the caller falls back to the engine
// CLI, which is the only path that can see a locally-committed image.
func craneLabels(ref string) (map[string]string, bool) {
	raw, err := crane.Config(ref)
	if err != nil {
		return nil, false
	}
	var cfg v1.ConfigFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false
	}
	return cfg.Config.Labels, true
}

// Commit tags containerID as tag, carrying labels as OCI image labels. Per
// §4.4, the caller is responsible for populating labels with the full
// ancestor hash set, not just the current phase's.
func (s *snapshotStoreCLI) Commit(ctx context.Context, containerID, tag string, labels map[string]string) error {
	args := []string{s.binary(), "commit"}
	for k, v := range labels {
		args = append(args, "--change", fmt.Sprintf("LABEL %s=%q", k, v))
	}
	args = append(args, containerID, tag)
	_, err := runEngine(ctx, TimeoutCommit, args...)
	if err != nil {
		return &EngineError{Op: "commit", Err: err}
	}
	return nil
}

func (s *snapshotStoreCLI) Remove(ctx context.Context, tag string) error {
	_, err := runEngine(ctx, TimeoutShort, s.binary(), "rmi", tag)
	if err != nil {
		return &EngineError{Op: "rmi", Err: err}
	}
	return nil
}

// List returns every image tagged with prefix, parsed from `images
// --filter reference=prefix*`.
func (s *snapshotStoreCLI) List(ctx context.Context, prefix string) ([]TagInfo, error) {
	format := "{{.Repository}}:{{.Tag}}\t{{.CreatedAt}}\t{{.Size}}"
	res, err := runEngine(ctx, TimeoutShort, s.binary(), "images",
		"--filter", "reference="+prefix+"*", "--format", format)
	if err != nil {
		return nil, &EngineError{Op: "images", Err: err}
	}

	var infos []TagInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 3 {
			continue
		}
		info := TagInfo{Tag: cols[0]}
		if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", cols[1]); err == nil {
			info.CreatedAt = t
		}
		info.SizeBytes = parseEngineSize(cols[2])
		infos = append(infos, info)
	}
	return infos, nil
}

// parseEngineSize best-effort parses docker's human-readable size column
// ("123MB", "1.2GB"). Unparseable input yields zero, not an error: size is
// advisory metadata for the janitor's listing, never a gating value.
func parseEngineSize(s string) int64 {
	s = strings.TrimSpace(s)
	var numEnd int
	for numEnd < len(s) && (s[numEnd] == '.' || (s[numEnd] >= '0' && s[numEnd] <= '9')) {
		numEnd++
	}
	if numEnd == 0 {
		return 0
	}
	n, err := strconv.ParseFloat(s[:numEnd], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToUpper(strings.TrimSpace(s[numEnd:]))
	mult := map[string]float64{"B": 1, "KB": 1 << 10, "MB": 1 << 20, "GB": 1 << 30, "TB": 1 << 40}[unit]
	if mult == 0 {
		mult = 1
	}
	return int64(n * mult)
}

// SnapshotValid reports whether a snapshot carrying labels is valid for reuse at
// phase k: every label {p}.hash for p <= k must equal current[p] (§4.4).
func SnapshotValid(labels map[string]string, current map[int]string, k int) bool {
	for p := 1; p <= k; p++ {
		name, ok := phaseNameByID[p]
		if !ok {
			return false
		}
		if labels[labelKey(name)] != current[p] {
			return false
		}
	}
	return true
}
