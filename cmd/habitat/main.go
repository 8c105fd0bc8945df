// Command habitat builds and launches hermetic, reproducible coding-agent
// environments ("habitats") from a layered YAML configuration stack.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/habitatctl/habitat/internal/habitat"
)

// CLI is the root Kong command struct. Start, Test, RebuildFrom, List and
// CleanImages carry SPEC_FULL.md §6's command modes; New and Version are
// extra subcommands, and Debug is a global flag.
type CLI struct {
	Start       StartCmd       `cmd:"" help:"Build (if needed) and launch a habitat session"`
	Test        TestCmd        `cmd:"" help:"Run the build pipeline through phase 11 (tests), no session launch"`
	RebuildFrom RebuildFromCmd `cmd:"rebuild-from" help:"Force rebuild starting at the given phase"`
	List        ListCmd        `cmd:"" help:"List habitat snapshots and their category"`
	CleanImages CleanImagesCmd `cmd:"clean-images" help:"Remove orphan or stale habitat snapshots"`
	New         NewCmd         `cmd:"" help:"Scaffold a new habitat under habitats/<name>"`
	Version     VersionCmd     `cmd:"" help:"Print the computed build version"`

	Debug bool `help:"Keep the working container on phase failure for inspection" default:"false"`
}

func main() {
	configureLogging()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("habitat"),
		kong.Description("Hermetic, reproducible development environments for an autonomous coding agent"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

// configureLogging sets up logrus the way the rest of the pipeline expects
// it: text by default, JSON when HABITAT_LOG_FORMAT=json is set, so the
// ambient diagnostic stream (§AMBIENT STACK) stays distinct from the
// reporter's own phase ledger.
func configureLogging() {
	if os.Getenv("HABITAT_LOG_FORMAT") == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	logrus.SetOutput(os.Stderr)
	if os.Getenv("HABITAT_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

// resolveRoot returns the orchestrator's install root: the current working
// directory, unless HABITAT_ROOT overrides it (mirrors habitat.installRoot,
// which is unexported, so the CLI resolves it the same way independently).
func resolveRoot() (string, error) {
	if root := os.Getenv("HABITAT_ROOT"); root != "" {
		return root, nil
	}
	return os.Getwd()
}

// loadAndBuildPipeline is the shared setup every build-driving subcommand
// needs: resolve runtime config, load+merge+validate the three config
// layers, and construct a pipeline wired to a terminal reporter.
func loadAndBuildPipeline(habitatName string) (*habitat.Pipeline, *habitat.MergedConfig, *habitat.ResolvedRuntime, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, nil, nil, err
	}

	rt, err := habitat.ResolveRuntime()
	if err != nil {
		return nil, nil, nil, err
	}
	habitat.SetParallelism(rt.Parallelism)

	cfg, err := habitat.LoadHabitat(root, habitatName)
	if err != nil {
		return nil, nil, nil, err
	}

	reporter := habitat.NewTerminalReporter(os.Stdout)
	pipeline := habitat.NewPipeline(cfg, rt.Engine, root, reporter)
	return pipeline, cfg, rt, nil
}

// runPreflight probes every declared repo and, on failure, prompts the
// user via stdin for a remedy — the core's injected ChooseRemedy callback
// (§4.9), implemented here as the plain-terminal prompt the CLI owns.
func runPreflight(ctx context.Context, cfg *habitat.MergedConfig) error {
	if len(cfg.Repos) == 0 {
		return nil
	}
	pf := habitat.NewPreflighter()
	continued := map[string]bool{}
	choose := func(res habitat.PreflightResult) habitat.RemedyChoice {
		choice := terminalChooseRemedy(res)
		if choice == habitat.RemedyContinue {
			continued[res.RepoURL] = true
		}
		return choice
	}
	results, err := pf.ProbeAll(ctx, cfg.Repos, choose)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.Accessible && !continued[r.RepoURL] {
			return &habitat.PreflightError{RepoURL: r.RepoURL, Reason: r.Reason}
		}
	}
	return nil
}

// terminalChooseRemedy renders the three deterministic remedies from §4.9
// and reads the user's choice from stdin. Non-interactive runs (no TTY)
// default to "fix authentication then retry", which surfaces as a failure
// rather than silently downgrading access or proceeding.
func terminalChooseRemedy(res habitat.PreflightResult) habitat.RemedyChoice {
	fmt.Fprintf(os.Stderr, "\npreflight failed for %s: %s\n", res.RepoURL, res.Reason)
	fmt.Fprintln(os.Stderr, "  1) continue anyway")
	fmt.Fprintln(os.Stderr, "  2) downgrade this repo's access to read")
	fmt.Fprintln(os.Stderr, "  3) fix authentication then retry")
	fmt.Fprint(os.Stderr, "choice [3]: ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	switch strings.TrimSpace(line) {
	case "1":
		return habitat.RemedyContinue
	case "2":
		return habitat.RemedyDowngradeToRead
	default:
		return habitat.RemedyFixAndRetry
	}
}

// StartCmd builds (if needed) and launches a habitat session — the
// command spec's mode=start.
type StartCmd struct {
	Habitat         string            `arg:"" help:"Habitat name"`
	OverrideCommand string            `help:"Replace entry.command for this run"`
	ExtraRepos      []string          `help:"Additional repos as URL:PATH[:BRANCH]"`
	habitat.GPUFlags `embed:""`
}

func (c *StartCmd) Run(cli *CLI) error {
	ctx := context.Background()

	pipeline, cfg, _, err := loadAndBuildPipeline(c.Habitat)
	if err != nil {
		return err
	}
	pipeline.KeepWorkingContainer = cli.Debug

	if err := applyExtraRepos(cfg, c.ExtraRepos); err != nil {
		return err
	}
	if err := runPreflight(ctx, cfg); err != nil {
		return err
	}
	if err := pipeline.Run(ctx, 0); err != nil {
		return err
	}

	habitat.RecordLastHabitat(c.Habitat)

	sess := habitat.NewSession(pipeline.Engine, c.Habitat, cfg)
	sess.GPU = habitat.ResolveGPU(c.GPUFlags.Mode())
	habitat.LogGPU(sess.GPU)

	code, err := sess.Launch(ctx, c.OverrideCommand)
	if err != nil {
		if _, ok := err.(*habitat.CancelledError); ok {
			os.Exit(130)
		}
		if se, ok := err.(*habitat.SessionError); ok && se.Kind == habitat.SessionErrRuntime && code != 0 {
			fmt.Fprintf(os.Stderr, "habitat exited with code %d\n", code)
		}
		os.Exit(1)
	}
	if code != 0 {
		fmt.Fprintf(os.Stderr, "habitat exited with code %d\n", code)
		os.Exit(1)
	}
	return nil
}

// applyExtraRepos parses "URL:PATH[:BRANCH]" shorthand entries and appends
// them to the merged config's repo list, read-access by default.
func applyExtraRepos(cfg *habitat.MergedConfig, extra []string) error {
	for _, e := range extra {
		parts := strings.SplitN(e, ":", 3)
		if len(parts) < 2 {
			return fmt.Errorf("invalid --extra-repos entry %q: expected URL:PATH[:BRANCH]", e)
		}
		op := habitat.RepoOp{URL: parts[0], Path: parts[1], Branch: "main", Access: habitat.AccessRead, Owner: cfg.User}
		if len(parts) == 3 {
			op.Branch = parts[2]
		}
		cfg.Repos = append(cfg.Repos, op)
	}
	return nil
}

// TestCmd runs the pipeline through phase 11 (tests) without launching a
// session — mode=test.
type TestCmd struct {
	Habitat string `arg:"" help:"Habitat name"`
}

func (c *TestCmd) Run(cli *CLI) error {
	ctx := context.Background()
	pipeline, cfg, _, err := loadAndBuildPipeline(c.Habitat)
	if err != nil {
		return err
	}
	pipeline.KeepWorkingContainer = cli.Debug
	if err := runPreflight(ctx, cfg); err != nil {
		return err
	}
	return pipeline.RunThrough(ctx, 0, 11)
}

// RebuildFromCmd forces re-execution of phases >= Phase regardless of
// cache hit — mode=rebuild-from.
type RebuildFromCmd struct {
	Habitat string `arg:"" help:"Habitat name"`
	Phase   string `arg:"" help:"Phase name to rebuild from (e.g. repos)"`
}

func (c *RebuildFromCmd) Run(cli *CLI) error {
	phaseID, err := phaseIDFromArg(c.Phase)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pipeline, cfg, _, err := loadAndBuildPipeline(c.Habitat)
	if err != nil {
		return err
	}
	pipeline.KeepWorkingContainer = cli.Debug
	if err := runPreflight(ctx, cfg); err != nil {
		return err
	}
	return pipeline.Run(ctx, phaseID)
}

// phaseIDFromArg accepts either a phase name ("repos") or a numeric id.
func phaseIDFromArg(arg string) (int, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > 12 {
			return 0, fmt.Errorf("phase id must be 1..12, got %d", n)
		}
		return n, nil
	}
	for name, id := range habitat.PhaseByName() {
		if name == arg {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", arg)
}

// ListCmd lists habitat snapshots and their janitor category — mode=list.
type ListCmd struct {
	Habitat string `arg:"" optional:"" help:"Restrict to one habitat"`
}

func (c *ListCmd) Run() error {
	rt, err := habitat.ResolveRuntime()
	if err != nil {
		return err
	}
	j := habitat.NewJanitor(rt.Engine)
	snaps, err := j.List(context.Background(), c.Habitat)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		fmt.Printf("%-8s %s\n", s.Category, s.Tag)
	}
	return nil
}

// CleanImagesCmd removes orphan or stale snapshots — mode=clean-images.
type CleanImagesCmd struct {
	Habitat string `arg:"" optional:"" help:"Restrict to one habitat"`
	Force   bool   `help:"Also remove in-use snapshots"`
}

func (c *CleanImagesCmd) Run() error {
	rt, err := habitat.ResolveRuntime()
	if err != nil {
		return err
	}
	j := habitat.NewJanitor(rt.Engine)
	snaps, err := j.List(context.Background(), c.Habitat)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		if s.Category != habitat.CategoryOrphan && s.Category != habitat.CategoryStale &&
			!(c.Force && s.Category == habitat.CategoryInUse) {
			continue
		}
		if err := j.Remove(context.Background(), s, c.Force); err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", s.Tag, err)
			continue
		}
		fmt.Printf("removed %s\n", s.Tag)
	}
	return nil
}

// NewCmd scaffolds a new habitat layer directory.
type NewCmd struct {
	Name string `arg:"" help:"Habitat name, must match ^[a-z][a-z0-9-]*$"`
}

func (c *NewCmd) Run() error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	return habitat.ScaffoldHabitat(root, c.Name)
}

// VersionCmd prints the computed build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(habitat.ComputeCalVer())
	return nil
}
