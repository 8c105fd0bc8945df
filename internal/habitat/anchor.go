package habitat

// phaseByName maps stable phase names to their 1-based id, matching the
// table in SPEC_FULL.md §4.8.
var phaseByName = map[string]int{
	"base": 1, "users": 2, "env": 3, "workdir": 4, "habitat": 5,
	"files": 6, "setup": 7, "repos": 8, "tools": 9,
	"verify": 10, "test": 11, "final": 12,
}

const (
	defaultFilesPhase  = 6
	defaultScriptPhase = 7
)

// phaseNameByID is the inverse of phaseByName.
var phaseNameByID = func() map[int]string {
	m := make(map[int]string, len(phaseByName))
	for name, id := range phaseByName {
		m[id] = name
	}
	return m
}()

// snapshottedPhases lists the phase ids that produce a snapshot (§4.8);
// phases 10 (verify) and 11 (test) gate but never mutate.
var snapshottedPhases = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 12}

// PhaseByName exposes the phase name -> id table to callers outside the
// package (the CLI's rebuild-from argument parsing).
func PhaseByName() map[string]int {
	out := make(map[string]int, len(phaseByName))
	for k, v := range phaseByName {
		out[k] = v
	}
	return out
}

func isSnapshotted(phaseID int) bool {
	for _, p := range snapshottedPhases {
		if p == phaseID {
			return true
		}
	}
	return false
}

// resolvePhase applies the anchor rule: "after: X" runs in phase X after
// the base behavior; "before: X" runs in the phase immediately preceding
// X; no anchor runs in the given default phase.
func resolvePhase(before, after string, def int) int {
	if after != "" {
		if id, ok := phaseByName[after]; ok {
			return id
		}
	}
	if before != "" {
		if id, ok := phaseByName[before]; ok {
			return id - 1
		}
	}
	return def
}

// phaseAssignments buckets files and scripts by the phase they actually
// run in, after anchor resolution. Within a phase, the base behavior runs
// first, then that phase's files, then its scripts, each bucket in
// declaration order.
type phaseAssignments struct {
	files   map[int][]FileOp
	scripts map[int][]ScriptOp
}

func assignPhases(m *MergedConfig) *phaseAssignments {
	pa := &phaseAssignments{
		files:   make(map[int][]FileOp),
		scripts: make(map[int][]ScriptOp),
	}
	for _, f := range m.Files {
		p := resolvePhase(f.Before, f.After, defaultFilesPhase)
		pa.files[p] = append(pa.files[p], f)
	}
	for _, s := range m.Scripts {
		p := resolvePhase(s.Before, s.After, defaultScriptPhase)
		pa.scripts[p] = append(pa.scripts[p], s)
	}
	return pa
}
