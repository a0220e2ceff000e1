package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced row is missing.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when a caller-supplied invariant is violated
// (e.g. a retry draft with no retry_process_id, or queuing an empty
// prompt).
var ErrValidation = errors.New("validation error")

// ErrConflict is returned on optimistic-concurrency mismatches or illegal
// state transitions (editing a queued draft, a base branch ahead of the
// task branch).
var ErrConflict = errors.New("conflict")

// ErrWorktreeDirty is returned when an operation refuses to run against a
// worktree with tracked uncommitted changes.
var ErrWorktreeDirty = errors.New("worktree has uncommitted tracked changes")

// ErrRebaseInProgress is returned when a rebase is attempted while another
// rebase is already underway in the same worktree.
var ErrRebaseInProgress = errors.New("rebase already in progress")

// ErrFatal signals an unrecoverable condition (missing git binary, database
// corruption) that should surface to the operator.
var ErrFatal = errors.New("fatal error")

// ConflictOp names the kind of in-progress operation a conflict belongs to.
type ConflictOp string

const (
	ConflictOpRebase      ConflictOp = "rebase"
	ConflictOpMerge       ConflictOp = "merge"
	ConflictOpCherryPick  ConflictOp = "cherry-pick"
	ConflictOpRevert      ConflictOp = "revert"
)

// MergeConflictsError reports a failed rebase/merge/cherry-pick/revert with
// the operation it belongs to and up to ten conflicted file paths.
type MergeConflictsError struct {
	Op    ConflictOp
	Files []string
}

func (e *MergeConflictsError) Error() string {
	msg := fmt.Sprintf("%s produced merge conflicts", e.Op)
	if len(e.Files) > 0 {
		msg += ". Conflicted files: " + strings.Join(e.Files, ", ") + "."
	}
	return msg
}

// Is lets errors.Is(err, ErrConflict) match a *MergeConflictsError too, since
// it is a conflict from the caller's perspective.
func (e *MergeConflictsError) Is(target error) bool {
	return target == ErrConflict
}

// ExecutorError reports that a subprocess failed to spawn or crashed
// abnormally. When this error is returned, the execution-process row must
// be recorded as status=failed and next_action must not be chained.
type ExecutorError struct {
	ExitCode *int
	Cause    error
}

func (e *ExecutorError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("executor failed (exit code %d): %v", *e.ExitCode, e.Cause)
	}
	return fmt.Sprintf("executor failed to start: %v", e.Cause)
}

func (e *ExecutorError) Unwrap() error { return e.Cause }
