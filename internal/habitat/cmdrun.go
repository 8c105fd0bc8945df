package habitat

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// Suspension-point timeout budgets from §5: pull/build long, exec medium,
// commit medium, remove/inspect short.
const (
	TimeoutBuild  = 20 * time.Minute
	TimeoutExec   = 10 * time.Minute
	TimeoutCommit = 2 * time.Minute
	TimeoutShort  = 30 * time.Second
)

// runResult carries the buffered output of a completed engine invocation.
type runResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// execSemaphore throttles concurrent `exec` invocations against the engine
// to RepoFetchConcurrency, so phase 8's parallel clones (each driven
// through one or more exec calls) can't flood the engine's socket even
// when callers don't otherwise coordinate (§5).
var execSemaphore = semaphore.NewWeighted(RepoFetchConcurrency)

// SetParallelism replaces the bound on concurrent exec/clone calls against
// the engine, overriding the RepoFetchConcurrency default with the
// resolved runtime config's parallelism knob. Must be called before any
// concurrent phase work starts; it is not safe to call mid-build.
func SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	execSemaphore = semaphore.NewWeighted(int64(n))
}

// runEngine runs one container-engine invocation with a bounded timeout. On
// timeout it kills the whole process group rather than just the child, since
// docker/podman CLIs often spawn helper processes. Package-level var for
// testability, the same pattern the teacher uses for InspectLabels.
var runEngine = defaultRunEngine

func defaultRunEngine(ctx context.Context, timeout time.Duration, args ...string) (*runResult, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("runEngine: no arguments given")
	}

	if len(args) > 1 && args[1] == "exec" {
		if err := execSemaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer execSemaphore.Release(1)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded && cmd.Process != nil {
		// The context already asked exec.CommandContext to signal the
		// child; make sure the whole group goes down too.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		return nil, fmt.Errorf("%s: timed out after %s", args[0], timeout)
	}

	res := &runResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, &EngineError{Op: args[1], Err: fmt.Errorf("exit %d: %s", res.ExitCode, stderr.String())}
		}
		return res, &EngineError{Op: args[1], Err: err}
	}
	return res, nil
}

// forceKill sends SIGKILL to a process group, used by cleanup paths that
// must not block longer than their budget (§4.10's cleanup guarantee).
func forceKill(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
