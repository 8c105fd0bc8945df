package habitat

import (
	"fmt"
	"strings"
)

// ConfigError reports a problem found while loading or validating a
// habitat configuration.
type ConfigError struct {
	Kind   string // syntax, schema, expansion, duplicate
	Layer  SourceLayer
	Field  string
	Msg    string
	Suggestion string
}

const (
	ConfigErrSyntax     = "syntax"
	ConfigErrSchema     = "schema"
	ConfigErrExpansion  = "expansion"
	ConfigErrDuplicate  = "duplicate"
)

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config error [%s]", e.Kind)
	if e.Layer != "" {
		fmt.Fprintf(&b, " layer=%s", e.Layer)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field=%s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Msg)
	if e.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", e.Suggestion)
	}
	return b.String()
}

// ConfigErrors aggregates multiple ConfigErrors raised during validation,
// following the same collect-then-report shape as the pipeline's other
// multi-error surfaces.
type ConfigErrors struct {
	Errors []*ConfigError
}

func (e *ConfigErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	lines := make([]string, len(e.Errors))
	for i, ce := range e.Errors {
		lines[i] = ce.Error()
	}
	return fmt.Sprintf("%d config errors:\n\n  %s", len(e.Errors), strings.Join(lines, "\n  "))
}

func (e *ConfigErrors) Add(kind string, layer SourceLayer, field, msg string) {
	e.Errors = append(e.Errors, &ConfigError{Kind: kind, Layer: layer, Field: field, Msg: msg})
}

func (e *ConfigErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// PreflightError reports that a declared repository failed its reachability
// check in the declared access mode.
type PreflightError struct {
	RepoURL string
	Reason  string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight: %s: %s", e.RepoURL, e.Reason)
}

// PhaseError reports that a build phase's work failed.
type PhaseError struct {
	PhaseID   int
	PhaseName string
	Kind      string // exec, fileop, clone, verify, test
	Command   string
	Stdout    string
	Stderr    string
	Err       error
}

const (
	PhaseErrExec   = "exec"
	PhaseErrFileOp = "fileop"
	PhaseErrClone  = "clone"
	PhaseErrVerify = "verify"
	PhaseErrTest   = "test"
)

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %d (%s) failed [%s]: %v", e.PhaseID, e.PhaseName, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// EngineError reports an unexpected failure from the container engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// SessionError distinguishes pre-ready failures from post-ready ones.
type SessionError struct {
	Kind string // startup, runtime, cleanup
	Err  error
}

const (
	SessionErrStartup = "startup"
	SessionErrRuntime = "runtime"
	SessionErrCleanup = "cleanup"
)

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// CancelledError reports that a signal caused termination.
type CancelledError struct {
	Signal string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled by %s", e.Signal)
}
