package habitat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeResumeStore reports every snapshot in validTags as existing with
// labels that make it valid for reuse; everything else is absent.
type fakeResumeStore struct {
	validTags map[string]map[string]string
}

func (f *fakeResumeStore) Exists(ctx context.Context, tag string) (bool, error) {
	_, ok := f.validTags[tag]
	return ok, nil
}

func (f *fakeResumeStore) Labels(ctx context.Context, tag string) (map[string]string, error) {
	return f.validTags[tag], nil
}

func (f *fakeResumeStore) Commit(ctx context.Context, containerID, tag string, labels map[string]string) error {
	return nil
}

func (f *fakeResumeStore) Remove(ctx context.Context, tag string) error { return nil }

func (f *fakeResumeStore) List(ctx context.Context, prefix string) ([]TagInfo, error) {
	return nil, nil
}

// snapshotAt builds a labels map that SnapshotValid accepts for every
// snapshotted phase up to and including k, matching the hashes produced by
// testConfig().
func snapshotAt(t *testing.T, k int) map[string]string {
	t.Helper()
	hashes, err := AllPhaseHashes(testConfig())
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}
	labels := map[string]string{}
	for p := 1; p <= k; p++ {
		labels[labelKey(phaseNameByID[p])] = hashes[p]
	}
	return labels
}

// TestFindResumePointPicksHighestValidSnapshot verifies findResumePoint
// walks down from the ceiling and returns the highest snapshotted phase
// whose labels match the current hashes.
func TestFindResumePointPicksHighestValidSnapshot(t *testing.T) {
	cfg := testConfig()
	hashes, err := AllPhaseHashes(cfg)
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}

	store := &fakeResumeStore{validTags: map[string]map[string]string{
		snapshotTag(cfg.Name, 5, phaseNameByID[5]): snapshotAt(t, 5),
	}}
	p := &Pipeline{Config: cfg, Store: store}

	resumeFrom, labels, err := p.findResumePoint(context.Background(), hashes, 0, 12)
	if err != nil {
		t.Fatalf("findResumePoint: %v", err)
	}
	if resumeFrom != 5 {
		t.Errorf("resumeFrom = %d, want 5", resumeFrom)
	}
	if len(labels) != 5 {
		t.Errorf("expected 5 ancestor labels, got %d", len(labels))
	}
}

// TestFindResumePointNoMatchingSnapshotBuildsFromScratch verifies that when
// no snapshot exists, findResumePoint reports a 0 resume point (build from
// base) rather than an error.
func TestFindResumePointNoMatchingSnapshotBuildsFromScratch(t *testing.T) {
	cfg := testConfig()
	hashes, err := AllPhaseHashes(cfg)
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}
	store := &fakeResumeStore{validTags: map[string]map[string]string{}}
	p := &Pipeline{Config: cfg, Store: store}

	resumeFrom, labels, err := p.findResumePoint(context.Background(), hashes, 0, 12)
	if err != nil {
		t.Fatalf("findResumePoint: %v", err)
	}
	if resumeFrom != 0 {
		t.Errorf("resumeFrom = %d, want 0", resumeFrom)
	}
	if len(labels) != 0 {
		t.Errorf("expected no ancestor labels, got %v", labels)
	}
}

// TestFindResumePointThroughCeilingIgnoresSnapshotsAbove verifies a cached
// snapshot above the requested `through` ceiling (e.g. the final phase 12
// snapshot, when mode=test only wants through phase 11) is never selected
// as a resume point.
func TestFindResumePointThroughCeilingIgnoresSnapshotsAbove(t *testing.T) {
	cfg := testConfig()
	hashes, err := AllPhaseHashes(cfg)
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}
	store := &fakeResumeStore{validTags: map[string]map[string]string{
		finalTag(cfg.Name): snapshotAt(t, 9), // never inspected: the ceiling of 11 is below phase 12
		snapshotTag(cfg.Name, 9, phaseNameByID[9]): snapshotAt(t, 9),
	}}
	p := &Pipeline{Config: cfg, Store: store}

	resumeFrom, _, err := p.findResumePoint(context.Background(), hashes, 0, 11)
	if err != nil {
		t.Fatalf("findResumePoint: %v", err)
	}
	if resumeFrom != 9 {
		t.Errorf("resumeFrom = %d, want 9 (final tag above the through=11 ceiling must be ignored)", resumeFrom)
	}
}

// TestFindResumePointRebuildFromLowersCeilingBelowThrough verifies a forced
// rebuild floor takes precedence over a higher cached snapshot even when
// that snapshot is within the `through` ceiling.
func TestFindResumePointRebuildFromLowersCeilingBelowThrough(t *testing.T) {
	cfg := testConfig()
	hashes, err := AllPhaseHashes(cfg)
	if err != nil {
		t.Fatalf("AllPhaseHashes: %v", err)
	}
	store := &fakeResumeStore{validTags: map[string]map[string]string{
		snapshotTag(cfg.Name, 8, phaseNameByID[8]): snapshotAt(t, 8),
		snapshotTag(cfg.Name, 4, phaseNameByID[4]): snapshotAt(t, 4),
	}}
	p := &Pipeline{Config: cfg, Store: store}

	// rebuild from phase 5 onward: ceiling becomes 4, so the phase-8
	// snapshot must not be picked even though it's otherwise valid.
	resumeFrom, _, err := p.findResumePoint(context.Background(), hashes, 5, 12)
	if err != nil {
		t.Fatalf("findResumePoint: %v", err)
	}
	if resumeFrom != 4 {
		t.Errorf("resumeFrom = %d, want 4", resumeFrom)
	}
}

// TestRunThroughRejectsOutOfRangeBound verifies RunThrough validates its
// bound before doing any work.
func TestRunThroughRejectsOutOfRangeBound(t *testing.T) {
	p := &Pipeline{Config: testConfig(), Store: &fakeResumeStore{}}
	if err := p.RunThrough(context.Background(), 0, 0); err == nil {
		t.Error("expected an error for through=0")
	}
	if err := p.RunThrough(context.Background(), 0, 13); err == nil {
		t.Error("expected an error for through=13")
	}
}

// TestRunPhaseBaseHabitatPhaseCreatesDirectory verifies phase 5 creates
// ${WORKDIR}/habitat and hands it to the configured unprivileged user.
func TestRunPhaseBaseHabitatPhaseCreatesDirectory(t *testing.T) {
	cfg := testConfig()
	var commands []string
	setFakeRunEngine(t, func(args []string) (*runResult, error) {
		commands = append(commands, args[len(args)-1])
		return &runResult{ExitCode: 0}, nil
	})

	p := &Pipeline{Config: cfg, Engine: "docker"}
	ex := NewPhaseExecutor("docker", "fake-container")
	if err := p.runPhaseBase(context.Background(), 5, "habitat", "fake-container", ex, nil); err != nil {
		t.Fatalf("runPhaseBase: %v", err)
	}
	if len(commands) != 1 {
		t.Fatalf("expected exactly one exec, got %d: %v", len(commands), commands)
	}
	if !strings.Contains(commands[0], "mkdir -p /workspace/habitat") {
		t.Errorf("command %q missing mkdir of the habitat directory", commands[0])
	}
	if !strings.Contains(commands[0], "chown agent /workspace/habitat") {
		t.Errorf("command %q missing chown to the configured user", commands[0])
	}
}

// TestRunPhaseBaseHabitatPhaseNoopWithoutWorkDir verifies phase 5 is a no-op
// when no working directory is configured, matching phase 4's own guard.
func TestRunPhaseBaseHabitatPhaseNoopWithoutWorkDir(t *testing.T) {
	cfg := testConfig()
	cfg.WorkDir = ""
	setFakeRunEngine(t, func(args []string) (*runResult, error) {
		t.Fatalf("unexpected exec with no workdir configured: %v", args)
		return nil, nil
	})
	p := &Pipeline{Config: cfg, Engine: "docker"}
	ex := NewPhaseExecutor("docker", "fake-container")
	if err := p.runPhaseBase(context.Background(), 5, "habitat", "fake-container", ex, nil); err != nil {
		t.Fatalf("runPhaseBase: %v", err)
	}
}

// TestInstallToolsCopiesAndExecutesResolvedScript verifies phase 9 resolves
// a declared tool against the layered tools/ directories, copies it into
// the container, and runs it as the configured user.
func TestInstallToolsCopiesAndExecutesResolvedScript(t *testing.T) {
	root := t.TempDir()
	toolsDir := filepath.Join(root, "shared", "tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	scriptPath := filepath.Join(toolsDir, "ripgrep")
	if err := os.WriteFile(scriptPath, []byte("#!/bin/sh\napk add ripgrep\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Tools = []string{"ripgrep"}

	var cpArgs, execArgs [][]string
	setFakeRunEngine(t, func(args []string) (*runResult, error) {
		for i, a := range args {
			if a == "cp" {
				cpArgs = append(cpArgs, append([]string(nil), args[i:]...))
			}
			if a == "exec" {
				execArgs = append(execArgs, append([]string(nil), args[i:]...))
			}
		}
		return &runResult{ExitCode: 0}, nil
	})

	p := &Pipeline{Config: cfg, Engine: "docker", Root: root}
	ex := NewPhaseExecutor("docker", "fake-container")
	if err := p.installTools(context.Background(), "fake-container", ex); err != nil {
		t.Fatalf("installTools: %v", err)
	}

	if len(cpArgs) != 1 {
		t.Fatalf("expected one cp invocation, got %d: %v", len(cpArgs), cpArgs)
	}
	if cpArgs[0][1] != scriptPath {
		t.Errorf("cp src = %q, want %q", cpArgs[0][1], scriptPath)
	}

	foundRun := false
	for _, a := range execArgs {
		for _, arg := range a {
			if strings.Contains(arg, "ripgrep") && strings.HasSuffix(arg, "ripgrep") {
				foundRun = true
			}
		}
	}
	if !foundRun {
		t.Errorf("expected an exec invocation running the copied script, got %v", execArgs)
	}
}

// TestResolveToolScriptPrefersHabitatOverSharedOverSystem verifies the
// override order matches config-layer precedence (§4.2).
func TestResolveToolScriptPrefersHabitatOverSharedOverSystem(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.Name = "demo"

	systemPath := filepath.Join(root, "system", "tools", "foo")
	sharedPath := filepath.Join(root, "shared", "tools", "foo")
	habitatPath := filepath.Join(root, "habitats", "demo", "tools", "foo")

	for _, p := range []string{systemPath, sharedPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	pl := &Pipeline{Config: cfg, Root: root}
	got, err := pl.resolveToolScript("foo")
	if err != nil {
		t.Fatalf("resolveToolScript: %v", err)
	}
	if got != sharedPath {
		t.Errorf("got %q, want shared layer %q (no habitat override present)", got, sharedPath)
	}

	if err := os.MkdirAll(filepath.Dir(habitatPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(habitatPath, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err = pl.resolveToolScript("foo")
	if err != nil {
		t.Fatalf("resolveToolScript: %v", err)
	}
	if got != habitatPath {
		t.Errorf("got %q, want habitat override %q", got, habitatPath)
	}
}

// TestResolveToolScriptMissingReturnsError verifies an undeclared tool name
// fails loudly instead of silently skipping installation.
func TestResolveToolScriptMissingReturnsError(t *testing.T) {
	pl := &Pipeline{Config: testConfig(), Root: t.TempDir()}
	if _, err := pl.resolveToolScript("nonexistent"); err == nil {
		t.Error("expected an error for an unresolvable tool name")
	}
}

// TestResolveToolScriptRejectsPathTraversal verifies a tool name carrying a
// path separator or ".." is rejected before ever reaching os.Stat, so a
// habitat-layer config can't walk outside the three tools directories to an
// arbitrary host file.
func TestResolveToolScriptRejectsPathTraversal(t *testing.T) {
	pl := &Pipeline{Config: testConfig(), Root: t.TempDir()}
	for _, name := range []string{"../../../etc/passwd", "sub/dir/tool.sh", ".."} {
		if _, err := pl.resolveToolScript(name); err == nil {
			t.Errorf("resolveToolScript(%q): expected rejection, got nil error", name)
		}
	}
}

// TestRunPhaseDispatchesFileAnchoredToNonDefaultPhase verifies a file
// anchored "after: repos" (landing in phase 8's bucket) is materialized
// when phase 8 runs, not silently dropped.
func TestRunPhaseDispatchesFileAnchoredToNonDefaultPhase(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "motd")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Repos = nil
	cfg.Files = []FileOp{{Src: "motd", Dest: "/etc/motd", After: "repos"}}
	pa := assignPhases(cfg)
	if len(pa.files[8]) != 1 {
		t.Fatalf("expected the anchored file in bucket 8, got buckets %v", pa.files)
	}

	var cpArgs [][]string
	setFakeRunEngine(t, func(args []string) (*runResult, error) {
		for i, a := range args {
			if a == "cp" {
				cpArgs = append(cpArgs, append([]string(nil), args[i:]...))
			}
		}
		return &runResult{ExitCode: 0}, nil
	})

	p := &Pipeline{Config: cfg, Engine: "docker", Root: root}
	ex := NewPhaseExecutor("docker", "fake-container")
	mat := NewMaterializer("docker", "fake-container", root, cfg.User)
	fetch := NewRepoFetcher("docker", "fake-container")

	if err := p.runPhase(context.Background(), 8, "repos", "fake-container", ex, mat, fetch, pa); err != nil {
		t.Fatalf("runPhase: %v", err)
	}
	if len(cpArgs) != 1 {
		t.Fatalf("expected the anchored file to be copied during phase 8, got %d cp calls", len(cpArgs))
	}
}
