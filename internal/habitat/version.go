package habitat

import (
	"fmt"
	"time"
)

// ComputeCalVer computes a CalVer build stamp in the format YYYY.DDD.HHMM,
// adapted from the teacher's own image-tagging version scheme. It is
// attached to the final snapshot as the "build.version" label (alongside
// the phase hashes), so the final image records when it was produced
// independently of the engine's own createdAt bookkeeping; `habitat list`
// does not read this label.
func ComputeCalVer() string {
	return ComputeCalVerAt(time.Now().UTC())
}

// ComputeCalVerAt computes the CalVer stamp for a specific time, exposed
// separately so tests don't depend on wall-clock time.
func ComputeCalVerAt(t time.Time) string {
	year := t.Year()
	dayOfYear := t.YearDay()
	hhmm := t.Hour()*100 + t.Minute()
	return fmt.Sprintf("%d.%d.%d", year, dayOfYear, hhmm)
}
