package gitengine

import (
	"fmt"
	"strings"

	"github.com/taskattempts/core/internal/domain"
)

// RebaseOntoNewBase performs a safe rebase: refuse on a dirty worktree or
// an in-progress rebase, fetch the new base if remote, compute a
// fork-point, and rebase --onto. Returns the resulting HEAD SHA.
func RebaseOntoNewBase(repoDir, worktreeDir, newBase, oldBase string) (string, error) {
	clean, err := IsClean(worktreeDir)
	if err != nil {
		return "", err
	}
	if !clean {
		return "", domain.ErrWorktreeDirty
	}
	if inProgress, _ := IsRebaseInProgress(worktreeDir); inProgress {
		return "", domain.ErrRebaseInProgress
	}

	if remote, branch, ok := strings.Cut(newBase, "/"); ok {
		if _, _, err := runGit(repoDir, "show-ref", "--verify", "--quiet", "refs/remotes/"+newBase); err == nil {
			if err := FetchRef(repoDir, remote, branch); err != nil {
				return "", err
			}
		}
	}

	forkPoint, err := forkPoint(worktreeDir, oldBase)
	if err != nil {
		return "", err
	}

	_, stderr, err := runGit(worktreeDir, "rebase", "--onto", newBase, forkPoint)
	if err != nil {
		return "", classifyRebaseFailure(worktreeDir, newBase, stderr, err)
	}

	return HeadSHA(worktreeDir)
}

func forkPoint(worktreeDir, oldBase string) (string, error) {
	out, _, err := runGit(worktreeDir, "merge-base", "--fork-point", oldBase, "HEAD")
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out), nil
	}
	out, _, err = runGit(worktreeDir, "merge-base", oldBase, "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func classifyRebaseFailure(worktreeDir, newBase, stderr string, cause error) error {
	lower := strings.ToLower(stderr)
	if strings.Contains(stderr, "could not apply") ||
		strings.Contains(stderr, "CONFLICT") ||
		strings.Contains(lower, "resolve all conflicts") {
		files, _ := ConflictedFiles(worktreeDir)
		if len(files) > 10 {
			files = files[:10]
		}
		return &domain.MergeConflictsError{Op: domain.ConflictOpRebase, Files: files}
	}
	firstLine := stderr
	if idx := strings.IndexByte(stderr, '\n'); idx >= 0 {
		firstLine = stderr[:idx]
	}
	return fmt.Errorf("invalid repository state rebasing onto %s: %s: %w", newBase, firstLine, cause)
}

// IsDivergedAhead reports whether base is ahead of task by more than zero
// commits reachable only from base, i.e. base has moved on since task
// branched off it.
func IsDivergedAhead(repoDir, base, task string) (bool, int, error) {
	out, _, err := runGit(repoDir, "rev-list", "--count", task+".."+base)
	if err != nil {
		return false, 0, err
	}
	count := 0
	fmt.Sscanf(strings.TrimSpace(out), "%d", &count)
	return count > 0, count, nil
}

// SquashMergeResult is the outcome of a squash-merge.
type SquashMergeResult struct {
	CommitSHA string
}

// SquashMergeTaskIntoBase performs a squash merge: refuse if base is ahead
// of task, then check out base in repoDir and run `merge --squash
// --no-commit` of task followed by a commit there. It always works through
// repoDir's checkout: taskWorktreeDir is not used, there is no in-memory
// merge path, and the task ref is left where it was.
func SquashMergeTaskIntoBase(repoDir, taskWorktreeDir, base, task, message string) (*SquashMergeResult, error) {
	ahead, _, err := IsDivergedAhead(repoDir, base, task)
	if err != nil {
		return nil, err
	}
	if ahead {
		return nil, fmt.Errorf("%w: base %q is ahead of task %q", domain.ErrConflict, base, task)
	}

	_, _, err = runGit(repoDir, "checkout", base)
	if err != nil {
		return nil, err
	}
	_, stderr, err := runGit(repoDir, "merge", "--squash", "--no-commit", task)
	if err != nil {
		if strings.Contains(stderr, "CONFLICT") || strings.Contains(strings.ToLower(stderr), "conflict") {
			files, _ := ConflictedFiles(repoDir)
			if len(files) > 10 {
				files = files[:10]
			}
			_ = AbortConflicts(repoDir)
			return nil, &domain.MergeConflictsError{Op: domain.ConflictOpMerge, Files: files}
		}
		return nil, fmt.Errorf("squash merge failed: %w", err)
	}
	sha, err := CommitAllowEmpty(repoDir, message)
	if err != nil {
		return nil, err
	}
	return &SquashMergeResult{CommitSHA: sha}, nil
}
