package habitat

import (
	"testing"
	"time"
)

func TestComputeCalVerAtFormat(t *testing.T) {
	// 2026-03-05 09:07 UTC is the 64th day of 2026.
	at := time.Date(2026, time.March, 5, 9, 7, 0, 0, time.UTC)
	got := ComputeCalVerAt(at)
	want := "2026.64.907"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestComputeCalVerAtMidnight(t *testing.T) {
	at := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	got := ComputeCalVerAt(at)
	want := "2026.1.0"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestComputeCalVerIsNonEmpty(t *testing.T) {
	if ComputeCalVer() == "" {
		t.Error("expected a non-empty version string")
	}
}
