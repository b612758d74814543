// Package errors provides structured error types for funny.
// An Error records the operation that failed, a Kind that callers branch on,
// and for resource failures a Reason naming the specific condition.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation rejects a command synchronously; no state was changed.
	KindValidation
	KindNotFound
	// KindResource is a VCS or filesystem failure (branch exists, merge conflict, ...).
	KindResource
	// KindRuntime is an agent runtime failure (spawn error, protocol error, crash).
	KindRuntime
	// KindTransient covers delivery and cache failures that are only logged.
	KindTransient
	KindConfig
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindResource:
		return "resource error"
	case KindRuntime:
		return "runtime error"
	case KindTransient:
		return "transient error"
	case KindConfig:
		return "configuration error"
	case KindIO:
		return "I/O error"
	default:
		return "unknown error"
	}
}

// Reason is a machine-readable cause attached to resource errors.
type Reason string

const (
	ReasonBranchExists   Reason = "branch-exists"
	ReasonDirtyWorktree  Reason = "dirty-worktree"
	ReasonMergeConflict  Reason = "merge-conflict"
	ReasonPushRejected   Reason = "push-rejected"
	ReasonNotARepo       Reason = "not-a-repo"
	ReasonWorktreeExists Reason = "worktree-exists"
	ReasonBusy           Reason = "busy"
)

// Error is the structured error type for funny.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Reason  Reason // Specific cause, mostly for KindResource
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - Reason: the resource failure reason
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case Reason:
			e.Reason = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the first Reason found in err's chain, or "".
func ReasonOf(err error) Reason {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Reason != "" {
			return e.Reason
		}
		err = e.Err
	}
	return ""
}

// Thread errors
func ThreadNotFound(id string) error {
	return E(Op("registry.GetThread"), KindNotFound, fmt.Sprintf("thread %s not found", id))
}

func ProjectNotFound(id string) error {
	return E(Op("config.GetProject"), KindNotFound, fmt.Sprintf("project %s not found", id))
}

// InvalidState rejects a command that is not valid in the thread's current status.
func InvalidState(op Op, threadID, status string) error {
	return E(op, KindValidation, fmt.Sprintf("thread %s is %s", threadID, status))
}

func ToolMismatch(threadID, want, got string) error {
	return E(Op("orchestrator.ApproveTool"), KindValidation,
		fmt.Sprintf("thread %s is waiting on %q, not %q", threadID, want, got))
}

func Invalid(op Op, msg string) error {
	return E(op, KindValidation, msg)
}

// VCS errors
func WorktreeFailed(branch string, err error) error {
	return E(Op("worktree.Provision"), KindResource, ReasonOf(err), fmt.Sprintf("failed to provision worktree for branch %s", branch), err)
}

func GitFailed(op Op, reason Reason, detail string, err error) error {
	return E(op, KindResource, reason, detail, err)
}

// Config errors
func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigSaveFailed(path string, err error) error {
	return E(Op("config.Save"), KindConfig, fmt.Sprintf("failed to save config to %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindConfig, reason)
}

// Runtime errors
func RuntimeStartFailed(threadID string, err error) error {
	return E(Op("runtime.Start"), KindRuntime, fmt.Sprintf("failed to start runtime for thread %s", threadID), err)
}

// CLI prerequisite errors
func CLINotFound(name string) error {
	return E(Op("cli.Check"), KindNotFound, fmt.Sprintf("required CLI tool '%s' not found in PATH", name))
}
