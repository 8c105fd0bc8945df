package habitat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType enumerates the pipeline progress events C11 consumes.
type EventType string

const (
	EventStart EventType = "start"
	EventReuse EventType = "reuse"
	EventRun   EventType = "run"
	EventDone  EventType = "done"
	EventFail  EventType = "fail"
)

// Event reports one phase's progress, emitted synchronously as the pipeline
// advances (§4.8).
type Event struct {
	Type      EventType
	PhaseID   int
	PhaseName string
	Duration  time.Duration
	Err       error
}

// Reporter receives pipeline events. C11 implements this against the
// terminal; tests can supply a slice-collecting fake.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a plain function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Pipeline runs the 12-phase build (§4.8) against one habitat configuration.
type Pipeline struct {
	Config   *MergedConfig
	Engine   string
	Store    SnapshotStore
	Reporter Reporter
	Root     string

	// KeepWorkingContainer preserves the working container after a failed
	// phase for debugging, instead of the default tear-down.
	KeepWorkingContainer bool
}

// NewPipeline builds a pipeline against an already-loaded merged config.
func NewPipeline(m *MergedConfig, engine, root string, reporter Reporter) *Pipeline {
	return &Pipeline{
		Config:   m,
		Engine:   engine,
		Store:    NewSnapshotStore(engine),
		Reporter: reporter,
		Root:     root,
	}
}

func (p *Pipeline) report(e Event) {
	if p.Reporter != nil {
		p.Reporter.Report(e)
	}
}

// Run executes phases from the highest valid cached snapshot through phase
// 12, or from rebuildFrom if it's lower than what caching alone would pick.
// rebuildFrom of 0 means no forced floor.
func (p *Pipeline) Run(ctx context.Context, rebuildFrom int) error {
	return p.RunThrough(ctx, rebuildFrom, 12)
}

// RunThrough is Run with an explicit upper phase bound, letting mode=test
// stop after phase 11 (tests) without committing or touching the final
// snapshot — through must be between 1 and 12 inclusive.
func (p *Pipeline) RunThrough(ctx context.Context, rebuildFrom, through int) error {
	if through < 1 || through > 12 {
		return fmt.Errorf("through must be 1..12, got %d", through)
	}
	hashes, err := AllPhaseHashes(p.Config)
	if err != nil {
		return fmt.Errorf("computing phase hashes: %w", err)
	}

	resumeFrom, labels, err := p.findResumePoint(ctx, hashes, rebuildFrom, through)
	if err != nil {
		return err
	}
	logrus.WithField("habitat", p.Config.Name).WithField("resumeFrom", resumeFrom).Info("resolved resume point")

	containerID, err := p.startWorkingContainer(ctx, resumeFrom)
	if err != nil {
		logrus.WithField("habitat", p.Config.Name).WithError(err).Error("failed to start working container")
		return err
	}
	logrus.WithField("habitat", p.Config.Name).WithField("container", containerID).Debug("working container started")
	cleanupContainer := true
	defer func() {
		if cleanupContainer {
			_, _ = runEngine(context.Background(), TimeoutShort, EngineBinary(p.Engine), "rm", "-f", containerID)
		}
	}()

	ancestorLabels := make(map[string]string, len(labels))
	for k, v := range labels {
		ancestorLabels[k] = v
	}

	executor := NewPhaseExecutor(p.Engine, containerID)
	materializer := NewMaterializer(p.Engine, containerID, p.Root, p.Config.User)
	fetcher := NewRepoFetcher(p.Engine, containerID)
	pa := assignPhases(p.Config)

	for phaseID := resumeFrom + 1; phaseID <= through; phaseID++ {
		name := phaseNameByID[phaseID]
		start := time.Now()
		p.report(Event{Type: EventRun, PhaseID: phaseID, PhaseName: name})

		if err := p.runPhase(ctx, phaseID, name, containerID, executor, materializer, fetcher, pa); err != nil {
			logrus.WithField("habitat", p.Config.Name).WithField("phase", name).WithError(err).Error("phase failed")
			p.report(Event{Type: EventFail, PhaseID: phaseID, PhaseName: name, Duration: time.Since(start), Err: err})
			if p.KeepWorkingContainer {
				cleanupContainer = false
			}
			return err
		}

		ancestorLabels[labelKey(name)] = hashes[phaseID]
		if isSnapshotted(phaseID) {
			tag := snapshotTag(p.Config.Name, phaseID, name)
			if phaseID == 12 {
				tag = finalTag(p.Config.Name)
			}
			commitLabels := cloneLabels(ancestorLabels)
			if phaseID == 12 {
				commitLabels["build.version"] = ComputeCalVer()
			}
			if err := p.Store.Commit(ctx, containerID, tag, commitLabels); err != nil {
				p.report(Event{Type: EventFail, PhaseID: phaseID, PhaseName: name, Duration: time.Since(start), Err: err})
				if p.KeepWorkingContainer {
					cleanupContainer = false
				}
				return err
			}
		}

		p.report(Event{Type: EventDone, PhaseID: phaseID, PhaseName: name, Duration: time.Since(start)})
	}

	return nil
}

func cloneLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// findResumePoint walks phases down from through to 1, returning the
// highest phase whose snapshot is valid for reuse, bounded above by
// rebuildFrom-1 when a forced rebuild floor is given. Returns 0 (build from
// base) if nothing is reusable.
func (p *Pipeline) findResumePoint(ctx context.Context, hashes map[int]string, rebuildFrom, through int) (int, map[string]string, error) {
	ceiling := through
	if rebuildFrom > 0 && rebuildFrom-1 < ceiling {
		ceiling = rebuildFrom - 1
	}

	for k := ceiling; k >= 1; k-- {
		if !isSnapshotted(k) {
			continue
		}
		name := phaseNameByID[k]
		tag := snapshotTag(p.Config.Name, k, name)
		if k == 12 {
			tag = finalTag(p.Config.Name)
		}
		exists, err := p.Store.Exists(ctx, tag)
		if err != nil {
			return 0, nil, fmt.Errorf("checking snapshot %s: %w", tag, err)
		}
		if !exists {
			continue
		}
		labels, err := p.Store.Labels(ctx, tag)
		if err != nil {
			return 0, nil, fmt.Errorf("reading labels from %s: %w", tag, err)
		}
		if SnapshotValid(labels, hashes, k) {
			for id := 1; id <= k; id++ {
				p.report(Event{Type: EventReuse, PhaseID: id, PhaseName: phaseNameByID[id]})
			}
			return k, labels, nil
		}
	}
	return 0, map[string]string{}, nil
}

// startWorkingContainer creates a running container from the resume point's
// snapshot (or the habitat's base image/Dockerfile build if resuming from
// scratch) that phases resumeFrom+1..12 execute against.
func (p *Pipeline) startWorkingContainer(ctx context.Context, resumeFrom int) (string, error) {
	image := p.Config.BaseImage
	if resumeFrom > 0 {
		name := phaseNameByID[resumeFrom]
		image = snapshotTag(p.Config.Name, resumeFrom, name)
		if resumeFrom == 12 {
			image = finalTag(p.Config.Name)
		}
	} else if p.Config.Dockerfile != "" {
		built, err := p.buildFromDockerfile(ctx)
		if err != nil {
			return "", err
		}
		image = built
	}

	res, err := runEngine(ctx, TimeoutBuild, EngineBinary(p.Engine), "run", "-d", image, "sleep", "infinity")
	if err != nil {
		return "", &PhaseError{PhaseID: resumeFrom + 1, Kind: PhaseErrExec, Err: err}
	}
	return trimID(res.Stdout), nil
}

func (p *Pipeline) buildFromDockerfile(ctx context.Context) (string, error) {
	tag := fmt.Sprintf("habitat-%s:dockerfile-base", p.Config.Name)
	if _, err := runEngine(ctx, TimeoutBuild, EngineBinary(p.Engine), "build", "-t", tag, "-f", p.Config.Dockerfile, p.Root); err != nil {
		return "", &PhaseError{PhaseID: 1, PhaseName: "base", Kind: PhaseErrExec, Err: err}
	}
	return tag, nil
}

func trimID(s string) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			return s[:i]
		}
	}
	return s
}

// runPhase dispatches to one phase's base behavior, then runs whatever
// files/scripts anchors have relocated into this phase id (§4.8's
// "Lifecycle anchors": an entry anchored into a phase other than its
// default runs there, after that phase's base behavior).
func (p *Pipeline) runPhase(ctx context.Context, phaseID int, name, containerID string, ex *PhaseExecutor, mat *Materializer, fetch *RepoFetcher, pa *phaseAssignments) error {
	if err := p.runPhaseBase(ctx, phaseID, name, containerID, ex, fetch); err != nil {
		return err
	}
	if err := p.runAnchoredFiles(ctx, phaseID, name, mat, pa); err != nil {
		return err
	}
	return p.runAnchoredScripts(ctx, phaseID, name, ex, pa)
}

// runPhaseBase performs each phase's own default behavior, independent of
// anchored files/scripts (handled uniformly by runPhase for every phase,
// including 6 and 7 whose entire default behavior IS their own bucket).
func (p *Pipeline) runPhaseBase(ctx context.Context, phaseID int, name, containerID string, ex *PhaseExecutor, fetch *RepoFetcher) error {
	m := p.Config
	switch phaseID {
	case 1: // base
		return nil // handled by startWorkingContainer
	case 2: // users
		if m.User == "" || m.User == "root" {
			return nil
		}
		return ex.Exec(ctx, phaseID, name, "root", "", fmt.Sprintf("id -u %s >/dev/null 2>&1 || useradd -m -s /bin/bash %s", m.User, m.User))
	case 3: // env
		profile := WriteEnvProfile(m.Env)
		return ex.Exec(ctx, phaseID, name, "root", "", fmt.Sprintf("cat > /etc/profile.d/habitat-env.sh <<'HABITAT_ENV_EOF'\n%sHABITAT_ENV_EOF\nchmod 644 /etc/profile.d/habitat-env.sh", profile))
	case 4: // workdir
		if m.WorkDir == "" {
			return nil
		}
		return ex.Exec(ctx, phaseID, name, "root", "", mkdirChownCmd(m.WorkDir, m.User))
	case 5: // habitat
		if m.WorkDir == "" {
			return nil
		}
		dir := containerPath(m.WorkDir, "habitat")
		return ex.Exec(ctx, phaseID, name, "root", "", mkdirChownCmd(dir, m.User))
	case 6: // files
		return nil // entirely driven by the files bucket anchored into this phase
	case 7: // setup
		return nil // entirely driven by the scripts bucket anchored into this phase
	case 8: // repos
		return fetch.FetchAll(ctx, m.Repos)
	case 9: // tools
		return p.installTools(ctx, containerID, ex)
	case 10: // verify
		return runVerify(ctx, p.Engine, containerID, m.VerifyFS)
	case 11: // test
		return ex.ExecAll(ctx, phaseID, name, m.User, m.WorkDir, m.Tests)
	case 12: // final
		return nil // nothing to exec; the session reads entry settings from the merged config
	default:
		return fmt.Errorf("unknown phase id %d", phaseID)
	}
}

// runAnchoredFiles materializes every file bucketed into phaseID, whether it
// landed there as files' own default phase or via a before:/after: anchor.
func (p *Pipeline) runAnchoredFiles(ctx context.Context, phaseID int, name string, mat *Materializer, pa *phaseAssignments) error {
	for _, f := range pa.files[phaseID] {
		if _, err := mat.Materialize(ctx, f); err != nil {
			if _, isWarn := err.(*materializeWarning); isWarn {
				p.report(Event{Type: EventRun, PhaseID: phaseID, PhaseName: name, Err: err})
				continue
			}
			return err
		}
	}
	return nil
}

// runAnchoredScripts executes every script bucketed into phaseID, whether it
// landed there as scripts' own default phase or via a before:/after: anchor.
func (p *Pipeline) runAnchoredScripts(ctx context.Context, phaseID int, name string, ex *PhaseExecutor, pa *phaseAssignments) error {
	m := p.Config
	for _, s := range pa.scripts[phaseID] {
		runAs := resolveRunAs(s.RunAs, m.User)
		if err := ex.ExecAll(ctx, phaseID, name, runAs, m.WorkDir, s.Commands); err != nil {
			return err
		}
	}
	return nil
}

// mkdirChownCmd builds the shell command that creates dir and, when user is
// set and isn't root, hands it over to that user.
func mkdirChownCmd(dir, user string) string {
	cmd := fmt.Sprintf("mkdir -p %s", dir)
	if user != "" && user != "root" {
		cmd += fmt.Sprintf(" && chown %s %s", user, dir)
	}
	return cmd
}

// resolveToolScript finds the host-side install script for a declared tool
// name, preferring the habitat's own tools/ directory over shared, over
// system — the same override order config layers merge in (§4.2). name must
// be a bare filename: rejecting any path separator or ".." keeps a tool
// declaration from the least-trusted config layer from walking outside the
// three tools directories to an arbitrary host file.
func (p *Pipeline) resolveToolScript(name string) (string, error) {
	if name != filepath.Base(name) || name == ".." || name == "." {
		return "", fmt.Errorf("tool name %q must be a bare filename", name)
	}
	candidates := []string{
		hostRel(p.Root, "habitats", p.Config.Name, "tools", name),
		hostRel(p.Root, "shared", "tools", name),
		hostRel(p.Root, "system", "tools", name),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("tool %q not found under habitat, shared, or system tools directories", name)
}

// installTools copies each declared tool's install script into the working
// container and runs it as the habitat's unprivileged user (§4.8 phase 9).
func (p *Pipeline) installTools(ctx context.Context, containerID string, ex *PhaseExecutor) error {
	m := p.Config
	for _, name := range m.Tools {
		script, err := p.resolveToolScript(name)
		if err != nil {
			return &PhaseError{PhaseID: 9, PhaseName: "tools", Kind: PhaseErrFileOp, Err: err}
		}

		dest := containerPath(m.WorkDir, "habitat", "tools", filepath.Base(script))
		if _, err := runEngine(ctx, TimeoutShort, EngineBinary(p.Engine), "exec", containerID,
			"mkdir", "-p", filepath.Dir(dest)); err != nil {
			return &PhaseError{PhaseID: 9, PhaseName: "tools", Kind: PhaseErrFileOp, Err: fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)}
		}
		dst := fmt.Sprintf("%s:%s", containerID, dest)
		if _, err := runEngine(ctx, TimeoutExec, EngineBinary(p.Engine), "cp", script, dst); err != nil {
			return &PhaseError{PhaseID: 9, PhaseName: "tools", Kind: PhaseErrFileOp, Err: fmt.Errorf("copying tool %s: %w", name, err)}
		}
		if _, err := runEngine(ctx, TimeoutShort, EngineBinary(p.Engine), "exec", containerID,
			"chmod", "0755", dest); err != nil {
			return &PhaseError{PhaseID: 9, PhaseName: "tools", Kind: PhaseErrFileOp, Err: fmt.Errorf("chmod tool %s: %w", name, err)}
		}
		if err := ex.Exec(ctx, 9, "tools", m.User, m.WorkDir, dest); err != nil {
			return err
		}
	}
	return nil
}

// runVerify checks that every required_files entry exists in the container
// (§4.8 phase 10: gates, never snapshots).
func runVerify(ctx context.Context, engine, containerID string, v VerifyFS) error {
	for _, f := range v.RequiredFiles {
		if _, err := runEngine(ctx, TimeoutShort, EngineBinary(engine), "exec", containerID, "test", "-e", f); err != nil {
			return &PhaseError{PhaseID: 10, PhaseName: "verify", Kind: PhaseErrVerify, Command: f, Err: fmt.Errorf("required file missing: %s", f)}
		}
	}
	return nil
}
