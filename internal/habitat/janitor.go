package habitat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SnapshotCategory classifies a tagged image for the janitor's listing
// (§4.12).
type SnapshotCategory string

const (
	CategoryInUse  SnapshotCategory = "in-use"  // backing a running container
	CategoryCurrent SnapshotCategory = "current" // matches the habitat's current config
	CategoryStale  SnapshotCategory = "stale"   // superseded by a newer phase hash
	CategoryOrphan SnapshotCategory = "orphan"  // habitat deleted or renamed
)

// Snapshot pairs a TagInfo with its resolved category.
type Snapshot struct {
	TagInfo
	Category SnapshotCategory
	InUseBy  []string // container ids/names currently running from this tag
}

// Janitor manages the lifecycle of habitat snapshots (§4.12): listing,
// categorizing, and removing images that have fallen out of use.
type Janitor struct {
	Engine string
	Store  SnapshotStore
}

// NewJanitor returns a janitor bound to the given engine.
func NewJanitor(engine string) *Janitor {
	return &Janitor{Engine: engine, Store: NewSnapshotStore(engine)}
}

// List returns every habitat snapshot across all habitats, or only those
// for habitatName when it's non-empty. Current vs. stale is decided by
// comparing each snapshot's own phase-hash labels against the habitat's
// freshly computed hashes (§4.12), the same comparison findResumePoint
// uses to pick a resume point — a tag suffix alone says nothing about
// whether its labels still match the current config.
func (j *Janitor) List(ctx context.Context, habitatName string) ([]Snapshot, error) {
	prefix := snapshotListPrefix(habitatName)
	tags, err := j.Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	inUse, err := j.runningImageTags(ctx)
	if err != nil {
		return nil, err
	}

	root, err := installRoot()
	if err != nil {
		return nil, err
	}
	known, err := j.knownHabitats(root)
	if err != nil {
		return nil, err
	}

	hashCache := map[string]map[int]string{}
	snaps := make([]Snapshot, 0, len(tags))
	for _, t := range tags {
		s := Snapshot{TagInfo: t}
		habitatOf, rest, parsed := parseSnapshotTag(t.Tag)

		if runners, ok := inUse[t.Tag]; ok {
			s.Category = CategoryInUse
			s.InUseBy = runners
		} else if !parsed || !known[habitatOf] {
			s.Category = CategoryOrphan
		} else if hashes, ok := j.currentHashes(root, habitatOf, hashCache); !ok {
			// Can't load the habitat's current config (e.g. a config
			// error) — conservatively call it stale rather than claim a
			// match that was never actually verified.
			s.Category = CategoryStale
		} else {
			valid, err := j.snapshotMatchesCurrent(ctx, t.Tag, rest, hashes)
			if err != nil {
				return nil, err
			}
			if valid {
				s.Category = CategoryCurrent
			} else {
				s.Category = CategoryStale
			}
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// currentHashes loads and hashes habitatName's merged config, caching the
// result across calls within one List invocation. ok is false when the
// habitat's config can't be loaded or hashed.
func (j *Janitor) currentHashes(root, habitatName string, cache map[string]map[int]string) (hashes map[int]string, ok bool) {
	if cached, seen := cache[habitatName]; seen {
		return cached, cached != nil
	}
	cfg, err := LoadHabitat(root, habitatName)
	if err != nil {
		cache[habitatName] = nil
		return nil, false
	}
	hashes, err = AllPhaseHashes(cfg)
	if err != nil {
		cache[habitatName] = nil
		return nil, false
	}
	cache[habitatName] = hashes
	return hashes, true
}

// snapshotMatchesCurrent reports whether tag's own phase-hash labels are
// valid for reuse against hashes, i.e. SnapshotValid for the phase the
// tag names.
func (j *Janitor) snapshotMatchesCurrent(ctx context.Context, tag, rest string, hashes map[int]string) (bool, error) {
	k, ok := phaseIDFromTagRest(rest)
	if !ok {
		return false, nil
	}
	labels, err := j.Store.Labels(ctx, tag)
	if err != nil {
		return false, err
	}
	return SnapshotValid(labels, hashes, k), nil
}

// snapshotListPrefix builds the engine image-filter prefix for one habitat's
// snapshots. The trailing ":" matters: without it, "habitat-demo" as a glob
// prefix also matches "habitat-demo2:final" — a different habitat that
// merely shares "demo" as a name prefix. An empty habitatName intentionally
// stays delimiter-free, matching every habitat's tags.
func snapshotListPrefix(habitatName string) string {
	if habitatName == "" {
		return "habitat-"
	}
	return "habitat-" + habitatName + ":"
}

// parseSnapshotTag extracts the habitat name from a "habitat-<name>:<rest>"
// tag.
func parseSnapshotTag(tag string) (habitat, rest string, ok bool) {
	trimmed := strings.TrimPrefix(tag, "habitat-")
	if trimmed == tag {
		return "", "", false
	}
	idx := strings.LastIndex(trimmed, ":")
	if idx == -1 {
		return "", "", false
	}
	return trimmed[:idx], trimmed[idx+1:], true
}

// phaseIDFromTagRest parses a tag's suffix ("8-repos" or "final") into the
// phase id it names.
func phaseIDFromTagRest(rest string) (int, bool) {
	if rest == "final" {
		return 12, true
	}
	idx := strings.IndexByte(rest, '-')
	if idx == -1 {
		return 0, false
	}
	id, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, false
	}
	return id, true
}

// runningImageTags maps an image tag to the container names/ids currently
// running from it.
func (j *Janitor) runningImageTags(ctx context.Context) (map[string][]string, error) {
	res, err := runEngine(ctx, TimeoutShort, EngineBinary(j.Engine), "ps", "--format", "{{.Image}}\t{{.Names}}")
	if err != nil {
		return nil, &EngineError{Op: "ps", Err: err}
	}
	out := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		cols := strings.SplitN(line, "\t", 2)
		if len(cols) != 2 {
			continue
		}
		out[cols[0]] = append(out[cols[0]], cols[1])
	}
	return out, nil
}

// knownHabitats lists the habitat names that still exist under
// <root>/habitats/, used to distinguish stale (same habitat, older phase)
// from orphan (habitat no longer exists) snapshots.
func (j *Janitor) knownHabitats(root string) (map[string]bool, error) {
	entries, err := listDirNames(hostRel(root, "habitats"))
	if err != nil {
		return map[string]bool{}, nil // no habitats directory yet; everything is an orphan by definition, harmless
	}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		known[e] = true
	}
	return known, nil
}

// Remove deletes the snapshot at tag. In-use snapshots are refused unless
// force is set, since removing a running container's backing image can
// confuse the engine's layer bookkeeping (§4.12 edge case).
func (j *Janitor) Remove(ctx context.Context, snap Snapshot, force bool) error {
	if snap.Category == CategoryInUse && !force {
		return fmt.Errorf("refusing to remove %s: in use by %s (use force to override)", snap.Tag, strings.Join(snap.InUseBy, ", "))
	}
	return j.Store.Remove(ctx, snap.Tag)
}

// CleanOrphans removes every orphaned snapshot for habitatName (or all
// habitats when empty). Intended to run opportunistically in the
// background at startup; failures are returned to the caller to log, never
// raised as a fatal error, since a failed best-effort cleanup should never
// block the operation the user actually asked for.
func (j *Janitor) CleanOrphans(ctx context.Context, habitatName string) (removed []string, errs []error) {
	snaps, err := j.List(ctx, habitatName)
	if err != nil {
		return nil, []error{err}
	}
	for _, s := range snaps {
		if s.Category != CategoryOrphan {
			continue
		}
		if err := j.Remove(ctx, s, false); err != nil {
			errs = append(errs, fmt.Errorf("removing orphan %s: %w", s.Tag, err))
			continue
		}
		removed = append(removed, s.Tag)
	}
	return removed, errs
}
