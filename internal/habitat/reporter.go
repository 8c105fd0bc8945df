package habitat

import (
	"fmt"
	"io"
	"time"
)

// TerminalReporter renders pipeline events as single-line progress
// markers, independent of the pipeline's own control flow (§4.11).
type TerminalReporter struct {
	Out        io.Writer
	TotalPhase int
}

// NewTerminalReporter returns a reporter that writes to w, percentages
// computed against the full 12-phase pipeline.
func NewTerminalReporter(w io.Writer) *TerminalReporter {
	return &TerminalReporter{Out: w, TotalPhase: 12}
}

func (r *TerminalReporter) percent(phaseID int) int {
	if r.TotalPhase == 0 {
		return 0
	}
	return phaseID * 100 / r.TotalPhase
}

// Report renders one event. "start"/"run" are not printed on their own;
// phases are reported as they finish (done/fail) or are reused, matching
// the compact single-line-per-phase style the spec calls for.
func (r *TerminalReporter) Report(e Event) {
	switch e.Type {
	case EventReuse:
		fmt.Fprintf(r.Out, "[%3d%%] ✅ %s (cached)\n", r.percent(e.PhaseID), e.PhaseName)
	case EventDone:
		fmt.Fprintf(r.Out, "[%3d%%] ✅ %s (%s)\n", r.percent(e.PhaseID), e.PhaseName, e.Duration.Round(time.Millisecond))
	case EventFail:
		fmt.Fprintf(r.Out, "[%3d%%] ❌ %s: %s\n", r.percent(e.PhaseID), e.PhaseName, shortError(e.Err))
	case EventRun:
		if e.Err != nil {
			// A non-fatal warning surfaced mid-phase (e.g. a files glob
			// that matched nothing); mark it distinctly from a failure.
			fmt.Fprintf(r.Out, "[%3d%%] ⚠️  %s: %s\n", r.percent(e.PhaseID), e.PhaseName, shortError(e.Err))
		}
	}
}

// shortError truncates an error's message to keep progress lines scannable;
// the full detail still reaches the caller via the returned error.
func shortError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	const max = 160
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
