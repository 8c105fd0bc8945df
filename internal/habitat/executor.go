package habitat

import (
	"context"
	"fmt"
)

// PhaseExecutor runs a command sequence inside a long-lived working
// container (§4.5). One instance is bound to a single working container for
// the lifetime of a pipeline run.
type PhaseExecutor struct {
	engine      string
	containerID string
}

// NewPhaseExecutor binds an executor to an already-running working
// container.
func NewPhaseExecutor(engine, containerID string) *PhaseExecutor {
	return &PhaseExecutor{engine: engine, containerID: containerID}
}

// Exec runs one command as runAs, optionally in workdir, with the merged
// env sourced from /etc/profile.d/habitat-env.sh (written by phase 3). A
// non-zero exit returns a *PhaseError carrying the buffered stdout/stderr.
func (e *PhaseExecutor) Exec(ctx context.Context, phaseID int, phaseName, runAs, workdir, command string) error {
	shellCmd := "source /etc/profile.d/habitat-env.sh 2>/dev/null; " + command
	args := []string{EngineBinary(e.engine), "exec", "-i"}
	if runAs != "" {
		args = append(args, "-u", runAs)
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, e.containerID, "/bin/sh", "-c", shellCmd)

	res, err := runEngine(ctx, TimeoutExec, args...)
	if err != nil {
		return &PhaseError{
			PhaseID: phaseID, PhaseName: phaseName, Kind: PhaseErrExec,
			Command: command,
			Stdout:  stdoutOf(res), Stderr: stderrOf(res),
			Err: err,
		}
	}
	return nil
}

// ExecAll runs each command in order, stopping at the first failure (§4.8:
// a non-zero exit terminates the phase and the whole pipeline).
func (e *PhaseExecutor) ExecAll(ctx context.Context, phaseID int, phaseName, runAs, workdir string, commands []string) error {
	for _, cmd := range commands {
		if err := e.Exec(ctx, phaseID, phaseName, runAs, workdir, cmd); err != nil {
			return err
		}
	}
	return nil
}

func stdoutOf(r *runResult) string {
	if r == nil {
		return ""
	}
	return r.Stdout
}

func stderrOf(r *runResult) string {
	if r == nil {
		return ""
	}
	return r.Stderr
}

// resolveRunAs expands "${USER}" to the habitat's configured unprivileged
// user; any other literal value (including "root") passes through.
func resolveRunAs(runAs, user string) string {
	if runAs == "${USER}" || runAs == "" {
		return user
	}
	return runAs
}

// WriteEnvProfile renders /etc/profile.d/habitat-env.sh content for phase 3.
func WriteEnvProfile(env []EnvBinding) string {
	s := "#!/bin/sh\n"
	for _, e := range env {
		s += fmt.Sprintf("export %s=%s\n", e.Key, shellQuote(e.Value))
	}
	return s
}

// shellQuote wraps v in single quotes, escaping any embedded single quote.
func shellQuote(v string) string {
	out := "'"
	for _, r := range v {
		if r == '\'' {
			out += `'\''`
		} else {
			out += string(r)
		}
	}
	return out + "'"
}
