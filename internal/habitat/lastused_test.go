package habitat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAndReadLastHabitat(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)

	RecordLastHabitat("demo")

	got := LastHabitat()
	if got != "demo" {
		t.Errorf("LastHabitat() = %q, want demo", got)
	}

	path, err := LastHabitatPath()
	if err != nil {
		t.Fatalf("LastHabitatPath: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected marker file at %s: %v", path, err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "habitat") {
		t.Errorf("marker file in unexpected directory: %s", path)
	}
}

func TestLastHabitatAbsentReturnsEmptyString(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)

	if got := LastHabitat(); got != "" {
		t.Errorf("LastHabitat() = %q, want empty string when marker absent", got)
	}
}

func TestRecordLastHabitatOverwritesPreviousValue(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)

	RecordLastHabitat("first")
	RecordLastHabitat("second")

	if got := LastHabitat(); got != "second" {
		t.Errorf("LastHabitat() = %q, want second", got)
	}
}
