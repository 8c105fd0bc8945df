package habitat

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const sessionCleanupBudget = 5 * time.Second

// Session is one ephemeral run of a habitat's final image (§4.10).
type Session struct {
	Engine      string
	HabitatName string
	Config      *MergedConfig
	GPU         bool

	containerID string
}

// NewSession prepares a session against a habitat's final snapshot.
func NewSession(engine, habitatName string, m *MergedConfig) *Session {
	return &Session{Engine: engine, HabitatName: habitatName, Config: m}
}

// Launch starts the container, waits for it to come up, then attaches an
// interactive (or non-interactive) shell, cleaning up on every exit path.
// Its own cleanup is idempotent and budgeted so a hung engine CLI cannot
// block process exit indefinitely.
func (s *Session) Launch(ctx context.Context, command string) (exitCode int, err error) {
	containerID, err := s.start(ctx)
	if err != nil {
		return 0, &SessionError{Kind: SessionErrStartup, Err: err}
	}
	s.containerID = containerID

	cleanedUp := false
	var receivedSignal os.Signal
	cleanup := func() {
		if cleanedUp {
			return
		}
		cleanedUp = true
		s.cleanup()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			receivedSignal = sig
			cleanup()
		case <-ctx.Done():
		}
	}()

	if err := s.waitRunning(ctx); err != nil {
		cleanup()
		return 0, &SessionError{Kind: SessionErrStartup, Err: err}
	}
	if err := s.verifyWorkDir(ctx); err != nil {
		cleanup()
		return 0, &SessionError{Kind: SessionErrStartup, Err: err}
	}

	code, attachErr := s.attach(ctx, command)
	cleanup()

	if attachErr != nil {
		if code == 130 || receivedSignal == syscall.SIGINT {
			return 130, &CancelledError{Signal: "SIGINT"}
		}
		return code, &SessionError{Kind: SessionErrRuntime, Err: attachErr}
	}
	return code, nil
}

func (s *Session) name() string {
	return "habitat-" + s.HabitatName + "-" + randomSuffix()
}

func randomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000)
}

// start launches the container detached, mirroring the teacher's
// buildStartArgs shape but against the habitat's final snapshot and
// declarative volumes instead of a single workspace mount.
func (s *Session) start(ctx context.Context) (string, error) {
	image := finalTag(s.HabitatName)
	containerName := s.name()

	args := []string{EngineBinary(s.Engine), "run", "-d", "--name", containerName}
	for _, v := range s.Config.Volumes {
		mount := fmt.Sprintf("%s:%s", v.Source, v.Dest)
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	for _, e := range s.Config.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", e.Key, e.Value))
	}
	if s.GPU {
		args = append(args, GPURunArgs(s.Engine)...)
	}
	args = append(args, image)
	if init := s.Config.Entry.InitCommand; init != "" {
		args = append(args, "/bin/sh", "-c", init)
	}

	res, err := runEngine(ctx, TimeoutBuild, args...)
	if err != nil {
		logrus.WithField("habitat", s.HabitatName).WithError(err).Error("failed to start session container")
		return "", fmt.Errorf("starting container: %w", err)
	}
	containerID := trimID(res.Stdout)
	logrus.WithField("habitat", s.HabitatName).WithField("container", containerID).Debug("session container started")
	return containerID, nil
}

// waitRunning sleeps for startup_delay then confirms the container is still
// running; on failure it captures the tail of its logs so the caller can
// surface a useful startup diagnostic instead of a bare exit code.
func (s *Session) waitRunning(ctx context.Context) error {
	delay := time.Duration(s.Config.Entry.StartupDelay) * time.Second
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	res, err := runEngine(ctx, TimeoutShort, EngineBinary(s.Engine), "inspect", "-f", "{{.State.Running}}", s.containerID)
	if err != nil || strings.TrimSpace(res.Stdout) != "true" {
		logs, _ := runEngine(ctx, TimeoutShort, EngineBinary(s.Engine), "logs", "--tail", "50", s.containerID)
		tail := ""
		if logs != nil {
			tail = logs.Stdout + logs.Stderr
		}
		return fmt.Errorf("container exited before becoming ready:\n%s", tail)
	}
	return nil
}

func (s *Session) verifyWorkDir(ctx context.Context) error {
	if s.Config.WorkDir == "" {
		return nil
	}
	if _, err := runEngine(ctx, TimeoutShort, EngineBinary(s.Engine), "exec", s.containerID, "test", "-d", s.Config.WorkDir); err != nil {
		return fmt.Errorf("work_dir %s does not exist in container: %w", s.Config.WorkDir, err)
	}
	return nil
}

// attach execs an interactive shell (or the given command) as the
// habitat's unprivileged user, replicating the teacher's TTY-detection
// idiom but via exec.Command instead of syscall.Exec, since a session must
// still run its cleanup path after the shell exits.
func (s *Session) attach(ctx context.Context, command string) (int, error) {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	args := []string{"exec"}
	if interactive {
		args = append(args, "-it")
	} else {
		args = append(args, "-i")
	}
	if s.Config.User != "" {
		args = append(args, "-u", s.Config.User)
	}
	if s.Config.WorkDir != "" {
		args = append(args, "-w", s.Config.WorkDir)
	}
	args = append(args, s.containerID)

	cmd := s.Config.Entry.Command
	if command != "" {
		cmd = command
	}
	if cmd == "" {
		cmd = "/bin/bash"
		args = append(args, cmd)
	} else {
		args = append(args, "/bin/sh", "-c", cmd)
	}

	binary := EngineBinary(s.Engine)
	c := exec.CommandContext(ctx, binary, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr

	runErr := c.Run()
	if runErr == nil {
		return 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), runErr
	}
	return 1, runErr
}

// cleanup stops and removes the session container, each step bounded to
// sessionCleanupBudget so a hung engine CLI cannot wedge process exit; a
// stop that fails or runs past its budget is followed by a force-remove
// with a budget of its own. Safe to call more than once.
func (s *Session) cleanup() {
	if s.containerID == "" {
		return
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), sessionCleanupBudget)
	defer cancelStop()

	if _, err := runEngine(stopCtx, sessionCleanupBudget, EngineBinary(s.Engine), "stop", "-t", "3", s.containerID); err != nil {
		logrus.WithField("habitat", s.HabitatName).WithField("container", s.containerID).WithError(err).Debug("stop failed, rm -f will still reclaim the container")
	}
	rmCtx, cancelRm := context.WithTimeout(context.Background(), sessionCleanupBudget)
	defer cancelRm()
	if _, err := runEngine(rmCtx, sessionCleanupBudget, EngineBinary(s.Engine), "rm", "-f", s.containerID); err != nil {
		logrus.WithField("habitat", s.HabitatName).WithField("container", s.containerID).WithError(err).Error("session cleanup failed")
		fmt.Fprintf(os.Stderr, "habitat: cleanup: %v\n", &SessionError{Kind: SessionErrCleanup, Err: err})
	}
}

// tailLogLines returns up to n trailing lines of data, used for bounded
// startup-failure diagnostics in contexts where runEngine's buffering isn't
// already applied.
func tailLogLines(data string, n int) string {
	scanner := bufio.NewScanner(strings.NewReader(data))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}
