package habitat

import (
	"context"
	"strings"
	"testing"
)

// TestSnapshotListPrefixDisambiguatesNamePrefixes verifies the glob prefix
// built for one habitat can't also match a differently-named habitat whose
// name happens to start with the same characters (e.g. "demo" vs "demo2").
func TestSnapshotListPrefixDisambiguatesNamePrefixes(t *testing.T) {
	prefix := snapshotListPrefix("demo")
	if strings.HasPrefix("habitat-demo2:final", prefix) {
		t.Errorf("prefix %q for habitat %q also matches an unrelated habitat's tag", prefix, "demo")
	}
	if !strings.HasPrefix("habitat-demo:final", prefix) {
		t.Errorf("prefix %q for habitat %q doesn't match its own tag", prefix, "demo")
	}
}

func TestSnapshotListPrefixEmptyNameMatchesEverything(t *testing.T) {
	if got := snapshotListPrefix(""); got != "habitat-" {
		t.Errorf("snapshotListPrefix(\"\") = %q, want \"habitat-\"", got)
	}
}

func TestParseSnapshotTag(t *testing.T) {
	tests := []struct {
		tag         string
		wantHabitat string
		wantRest    string
		wantOK      bool
	}{
		{"habitat-demo:final", "demo", "final", true},
		{"habitat-demo:8-repos", "demo", "8-repos", true},
		{"not-a-habitat-tag:final", "", "", false},
		{"habitat-demo-no-colon", "", "", false},
	}
	for _, tt := range tests {
		habitat, rest, ok := parseSnapshotTag(tt.tag)
		if habitat != tt.wantHabitat || rest != tt.wantRest || ok != tt.wantOK {
			t.Errorf("parseSnapshotTag(%q) = %q, %q, %v; want %q, %q, %v",
				tt.tag, habitat, rest, ok, tt.wantHabitat, tt.wantRest, tt.wantOK)
		}
	}
}

// fakeStore is a minimal in-memory SnapshotStore for testing Janitor.Remove
// without a real engine.
type fakeStore struct {
	removed []string
}

func (f *fakeStore) Exists(ctx context.Context, tag string) (bool, error) { return true, nil }
func (f *fakeStore) Labels(ctx context.Context, tag string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeStore) Commit(ctx context.Context, containerID, tag string, labels map[string]string) error {
	return nil
}
func (f *fakeStore) Remove(ctx context.Context, tag string) error {
	f.removed = append(f.removed, tag)
	return nil
}
func (f *fakeStore) List(ctx context.Context, prefix string) ([]TagInfo, error) { return nil, nil }

// TestJanitorRemoveRefusesInUseWithoutForce verifies an in-use snapshot is
// refused removal unless force is set (§4.12 edge case).
func TestJanitorRemoveRefusesInUseWithoutForce(t *testing.T) {
	store := &fakeStore{}
	j := &Janitor{Engine: "docker", Store: store}
	snap := Snapshot{TagInfo: TagInfo{Tag: "habitat-demo:final"}, Category: CategoryInUse, InUseBy: []string{"demo-session"}}

	if err := j.Remove(context.Background(), snap, false); err == nil {
		t.Error("expected refusal, got nil error")
	}
	if len(store.removed) != 0 {
		t.Errorf("expected no removal, store.Remove was called: %v", store.removed)
	}
}

// TestJanitorRemoveForceOverridesInUseRefusal verifies force=true removes
// even an in-use snapshot.
func TestJanitorRemoveForceOverridesInUseRefusal(t *testing.T) {
	store := &fakeStore{}
	j := &Janitor{Engine: "docker", Store: store}
	snap := Snapshot{TagInfo: TagInfo{Tag: "habitat-demo:final"}, Category: CategoryInUse, InUseBy: []string{"demo-session"}}

	if err := j.Remove(context.Background(), snap, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.removed) != 1 || store.removed[0] != "habitat-demo:final" {
		t.Errorf("expected removal of habitat-demo:final, got %v", store.removed)
	}
}

// TestJanitorRemoveNonInUseNeedsNoForce verifies stale/orphan/current
// categories remove without force.
func TestJanitorRemoveNonInUseNeedsNoForce(t *testing.T) {
	for _, cat := range []SnapshotCategory{CategoryStale, CategoryOrphan, CategoryCurrent} {
		store := &fakeStore{}
		j := &Janitor{Engine: "docker", Store: store}
		snap := Snapshot{TagInfo: TagInfo{Tag: "habitat-demo:6-files"}, Category: cat}
		if err := j.Remove(context.Background(), snap, false); err != nil {
			t.Errorf("category %s: unexpected error: %v", cat, err)
		}
	}
}

func TestPhaseIDFromTagRest(t *testing.T) {
	tests := []struct {
		rest   string
		wantID int
		wantOK bool
	}{
		{"final", 12, true},
		{"8-repos", 8, true},
		{"1-base", 1, true},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		id, ok := phaseIDFromTagRest(tt.rest)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("phaseIDFromTagRest(%q) = %d, %v; want %d, %v", tt.rest, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

// listStore is a fakeStore variant whose List/Labels are driven by test
// fixtures, for exercising Janitor.List's hash-based categorization.
type listStore struct {
	fakeStore
	tags   []TagInfo
	labels map[string]map[string]string
}

func (s *listStore) List(ctx context.Context, prefix string) ([]TagInfo, error) { return s.tags, nil }
func (s *listStore) Labels(ctx context.Context, tag string) (map[string]string, error) {
	return s.labels[tag], nil
}

// TestJanitorListCategorizesCurrentVsStale verifies List compares each
// snapshot's own phase-hash labels against the habitat's freshly computed
// hashes, rather than trusting a ":final" tag suffix.
func TestJanitorListCategorizesCurrentVsStale(t *testing.T) {
	root := t.TempDir()
	if err := ScaffoldHabitat(root, "demo"); err != nil {
		t.Fatalf("ScaffoldHabitat: %v", err)
	}
	t.Setenv("HABITAT_ROOT", root)
	setFakeRunEngine(t, func(args []string) (*runResult, error) {
		return &runResult{ExitCode: 0, Stdout: ""}, nil // no running containers
	})

	cfg, err := LoadHabitat(root, "demo")
	if err != nil {
		t.Fatalf("LoadHabitat: %v", err)
	}
	hashes, err := AllPhaseHashes(cfg)
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}

	currentLabels := map[string]string{}
	for p := 1; p <= 12; p++ {
		currentLabels[labelKey(phaseNameByID[p])] = hashes[p]
	}
	staleLabels := map[string]string{}
	for k, v := range currentLabels {
		staleLabels[k] = v
	}
	staleLabels[labelKey("repos")] = "deadbeefdeadbeef"

	store := &listStore{
		tags: []TagInfo{
			{Tag: "habitat-demo:final"},
			{Tag: "habitat-demo:8-repos"},
		},
		labels: map[string]map[string]string{
			"habitat-demo:final":   currentLabels,
			"habitat-demo:8-repos": staleLabels,
		},
	}

	j := &Janitor{Engine: "docker", Store: store}
	snaps, err := j.List(context.Background(), "demo")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	for _, s := range snaps {
		switch s.Tag {
		case "habitat-demo:final":
			if s.Category != CategoryCurrent {
				t.Errorf("final tag category = %s, want current", s.Category)
			}
		case "habitat-demo:8-repos":
			if s.Category != CategoryStale {
				t.Errorf("8-repos tag category = %s, want stale", s.Category)
			}
		}
	}
}
