package habitat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Materializer copies `files` entries (§4.6) into a working container.
type Materializer struct {
	engine      string
	containerID string
	root        string
	user        string
}

// NewMaterializer binds a materializer to a working container and the
// orchestrator's install root, used to resolve host-relative src globs. user
// is the habitat's configured unprivileged user, the owner default for any
// file entry that leaves owner unset.
func NewMaterializer(engine, containerID, root, user string) *Materializer {
	return &Materializer{engine: engine, containerID: containerID, root: root, user: user}
}

// materializeWarning is returned (never an error) when a glob matches
// nothing; callers log it and continue (§4.6 edge case: zero matches warns,
// never fails the phase).
type materializeWarning struct {
	pattern string
}

func (w *materializeWarning) Error() string {
	return fmt.Sprintf("files: pattern %q matched no files", w.pattern)
}

// Materialize copies every file matched by op.Src into the container at
// op.Dest, creating parent directories as needed and applying mode/owner
// defaults. Zero matches produces a warning, not an error.
func (m *Materializer) Materialize(ctx context.Context, op FileOp) ([]string, error) {
	matches, err := expandGlob(m.resolveSrc(op.Src))
	if err != nil {
		return nil, &PhaseError{Kind: PhaseErrFileOp, Err: err}
	}
	if len(matches) == 0 {
		return nil, &materializeWarning{pattern: op.Src}
	}

	// With several matches op.Dest is the directory the files land in.
	dir := filepath.Dir(op.Dest)
	if len(matches) > 1 {
		dir = op.Dest
	}
	if _, err := runEngine(ctx, TimeoutShort, EngineBinary(m.engine), "exec", m.containerID,
		"mkdir", "-p", dir); err != nil {
		return nil, &PhaseError{Kind: PhaseErrFileOp, Err: fmt.Errorf("creating %s: %w", dir, err)}
	}

	var copied []string
	for _, src := range matches {
		dest := op.Dest
		if len(matches) > 1 {
			dest = filepath.Join(op.Dest, filepath.Base(src))
		}
		dst := fmt.Sprintf("%s:%s", m.containerID, dest)
		if _, err := runEngine(ctx, TimeoutExec, EngineBinary(m.engine), "cp", src, dst); err != nil {
			return nil, &PhaseError{Kind: PhaseErrFileOp, Err: fmt.Errorf("copying %s to %s: %w", src, dest, err)}
		}
		mode := resolveMode(op.Mode, src, dest)
		if _, err := runEngine(ctx, TimeoutShort, EngineBinary(m.engine), "exec", m.containerID,
			"chmod", mode, dest); err != nil {
			return nil, &PhaseError{Kind: PhaseErrFileOp, Err: fmt.Errorf("chmod %s %s: %w", mode, dest, err)}
		}
		owner := op.Owner
		if owner == "" {
			owner = m.user
		}
		if owner != "" {
			if _, err := runEngine(ctx, TimeoutShort, EngineBinary(m.engine), "exec", m.containerID,
				"chown", owner, dest); err != nil {
				return nil, &PhaseError{Kind: PhaseErrFileOp, Err: fmt.Errorf("chown %s %s: %w", owner, dest, err)}
			}
		}
		copied = append(copied, dest)
	}
	return copied, nil
}

// resolveSrc turns a host-relative or ~/-relative src into an absolute host
// path, rooted at the orchestrator's install root.
func (m *Materializer) resolveSrc(src string) string {
	if strings.HasPrefix(src, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, src[2:])
		}
	}
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(m.root, src)
}

// resolveMode picks the destination mode: explicit op.Mode wins; otherwise
// a credential-shaped dest path (containing .pem or _key, case-insensitive)
// gets 0600; an executable host file keeps 0755; everything else defaults
// to 0644 (§4.6).
func resolveMode(explicit, src, dest string) string {
	if explicit != "" {
		return explicit
	}
	lower := strings.ToLower(dest)
	if strings.Contains(lower, ".pem") || strings.Contains(lower, "_key") {
		return "0600"
	}
	if info, err := os.Stat(src); err == nil && info.Mode()&0o111 != 0 {
		return "0755"
	}
	return "0644"
}

// expandGlob resolves a src pattern that may contain brace groups
// ("{a,b,c}") in addition to the usual filepath.Glob wildcards, since
// Go's stdlib glob has no brace support. Brace expansion happens first,
// fanning the pattern out into one filepath.Glob call per alternative; the
// combined, deduplicated match list is returned in sorted order.
func expandGlob(pattern string) ([]string, error) {
	var all []string
	seen := map[string]bool{}
	for _, p := range braceExpand(pattern) {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	sortStrings(all)
	return all, nil
}

// braceExpand expands one level of "{a,b,c}" groups in pattern. Nested
// braces are not supported; habitat config files never need them.
func braceExpand(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open == -1 {
		return []string{pattern}
	}
	close := strings.IndexByte(pattern[open:], '}')
	if close == -1 {
		return []string{pattern}
	}
	close += open

	prefix := pattern[:open]
	suffix := pattern[close+1:]
	alternatives := strings.Split(pattern[open+1:close], ",")

	var out []string
	for _, alt := range alternatives {
		out = append(out, braceExpand(prefix+alt+suffix)...)
	}
	return out
}
