package habitat

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
)

// RepoFetchConcurrency bounds how many clones (or preflight probes) run at
// once, per §5's suggested default.
const RepoFetchConcurrency = 4

// RepoFetcher clones `repos` entries (§4.7) into a working container.
type RepoFetcher struct {
	engine      string
	containerID string
}

// NewRepoFetcher binds a fetcher to a working container.
func NewRepoFetcher(engine, containerID string) *RepoFetcher {
	return &RepoFetcher{engine: engine, containerID: containerID}
}

// sshAliasRewrite maps common HTTPS hosting hostnames to the SSH alias form,
// used when a repo's access mode needs authenticated (write) clone URLs.
var sshAliasRewrite = map[string]string{
	"https://github.com/":    "git@github.com:",
	"https://gitlab.com/":    "git@gitlab.com:",
	"https://bitbucket.org/": "git@bitbucket.org:",
}

// resolveCloneURL rewrites an HTTPS URL to its SSH alias form for write
// access, leaving read-access and already-SSH URLs untouched.
func resolveCloneURL(op RepoOp) string {
	if op.Access != AccessWrite {
		return op.URL
	}
	for prefix, alias := range sshAliasRewrite {
		if strings.HasPrefix(op.URL, prefix) {
			return alias + strings.TrimPrefix(op.URL, prefix)
		}
	}
	return op.URL
}

// FetchAll clones every repo into the container, bounded to
// RepoFetchConcurrency simultaneous clones (§4.7 and §4.9 share this
// bound).
func (f *RepoFetcher) FetchAll(ctx context.Context, repos []RepoOp) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(RepoFetchConcurrency)
	for _, op := range repos {
		op := op
		g.Go(func() error {
			return f.Fetch(gctx, op)
		})
	}
	return g.Wait()
}

// Fetch clones one repo into the container at op.Path. The parent directory
// is created if needed and the target itself must be empty or absent (§4.7 edge
// case); a non-empty target is a PhaseError, not a silent skip.
func (f *RepoFetcher) Fetch(ctx context.Context, op RepoOp) error {
	parent := filepath.Dir(op.Path)
	checkEmpty := fmt.Sprintf(
		"mkdir -p %s && if [ -d %s ] && [ -n \"$(ls -A %s 2>/dev/null)\" ]; then echo nonempty; exit 1; fi",
		shellEscape(parent), shellEscape(op.Path), shellEscape(op.Path))
	if _, err := runEngine(ctx, TimeoutShort, EngineBinary(f.engine), "exec", f.containerID, "/bin/sh", "-c", checkEmpty); err != nil {
		return &PhaseError{Kind: PhaseErrClone, Command: op.URL, Err: fmt.Errorf("target %s is not empty: %w", op.Path, err)}
	}

	if _, err := runEngine(ctx, TimeoutShort, EngineBinary(f.engine), "exec", f.containerID,
		"git", "config", "--system", "--add", "safe.directory", op.Path); err != nil {
		return &PhaseError{Kind: PhaseErrClone, Command: op.URL, Err: err}
	}

	url := resolveCloneURL(op)
	args := []string{EngineBinary(f.engine), "exec", f.containerID, "git", "clone", "--depth", "1"}
	if op.Branch != "" {
		args = append(args, "--branch", op.Branch)
	}
	args = append(args, url, op.Path)
	if _, err := runEngine(ctx, TimeoutBuild, args...); err != nil {
		return &PhaseError{Kind: PhaseErrClone, Command: url, Err: err}
	}

	if op.Owner != "" {
		if _, err := runEngine(ctx, TimeoutShort, EngineBinary(f.engine), "exec", f.containerID,
			"chown", "-R", op.Owner, op.Path); err != nil {
			return &PhaseError{Kind: PhaseErrClone, Command: url, Err: fmt.Errorf("chown %s: %w", op.Path, err)}
		}
	}
	return nil
}

func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PopulateKnownHosts appends host's current SSH host key to the container's
// /etc/ssh/ssh_known_hosts, so shallow clones over SSH don't hang on an
// interactive trust prompt. It dials host:22 directly to retrieve the key;
// callers should only do this for hosts named by a write-access repo entry.
func PopulateKnownHosts(ctx context.Context, engine, containerID, host string) error {
	key, err := fetchHostKey(ctx, host)
	if err != nil {
		return fmt.Errorf("fetching host key for %s: %w", host, err)
	}
	line := knownhosts.Line([]string{host}, key)
	script := fmt.Sprintf("mkdir -p /etc/ssh && echo %s >> /etc/ssh/ssh_known_hosts", shellEscape(line))
	if _, err := runEngine(ctx, TimeoutShort, EngineBinary(engine), "exec", containerID, "/bin/sh", "-c", script); err != nil {
		return &PhaseError{Kind: PhaseErrClone, Err: err}
	}
	return nil
}

// fetchHostKey dials host on the SSH port and captures the public key it
// presents during the handshake, without completing authentication.
func fetchHostKey(ctx context.Context, host string) (ssh.PublicKey, error) {
	addr := host
	if !strings.Contains(host, ":") {
		addr = host + ":22"
	}
	var captured ssh.PublicKey
	config := &ssh.ClientConfig{
		User: "git",
		Auth: []ssh.AuthMethod{},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured = key
			return nil
		},
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err == nil {
		client := ssh.NewClient(c, chans, reqs)
		defer client.Close()
	}
	if captured == nil {
		return nil, fmt.Errorf("no host key observed during handshake with %s", addr)
	}
	return captured, nil
}

// AuthorizedKeyFingerprint parses one authorized_keys-format public key and
// returns its SHA256 fingerprint. Neither preflight nor Fetch calls it.
func AuthorizedKeyFingerprint(raw []byte) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(raw)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(key), nil
}
