package gitengine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/taskattempts/core/internal/domain"
)

// IsRebaseInProgress probes <gitdir>/rebase-merge and rebase-apply.
func IsRebaseInProgress(worktreeDir string) (bool, error) {
	gitDir, err := worktreeGitDir(worktreeDir)
	if err != nil {
		return false, err
	}
	return pathExists(filepath.Join(gitDir, "rebase-merge")) || pathExists(filepath.Join(gitDir, "rebase-apply")), nil
}

// IsMergeInProgress reports whether MERGE_HEAD resolves.
func IsMergeInProgress(worktreeDir string) (bool, error) {
	return refExists(worktreeDir, "MERGE_HEAD"), nil
}

// IsCherryPickInProgress reports whether CHERRY_PICK_HEAD resolves.
func IsCherryPickInProgress(worktreeDir string) (bool, error) {
	return refExists(worktreeDir, "CHERRY_PICK_HEAD"), nil
}

// IsRevertInProgress reports whether REVERT_HEAD resolves.
func IsRevertInProgress(worktreeDir string) (bool, error) {
	return refExists(worktreeDir, "REVERT_HEAD"), nil
}

func refExists(worktreeDir, ref string) bool {
	_, _, err := runGit(worktreeDir, "rev-parse", "--verify", "-q", ref)
	return err == nil
}

// worktreeGitDir returns the worktree's own git dir (for a linked worktree,
// .git/worktrees/<name>), which is where git keeps rebase state.
func worktreeGitDir(worktreeDir string) (string, error) {
	out, _, err := runGit(worktreeDir, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(out)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(worktreeDir, dir)
	}
	return dir, nil
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// DetectConflictOp returns which in-progress operation (if any) currently
// has conflicts, by probing in the order rebase, merge, cherry-pick,
// revert.
func DetectConflictOp(worktreeDir string) (domain.ConflictOp, bool, error) {
	if ok, err := IsRebaseInProgress(worktreeDir); err == nil && ok {
		return domain.ConflictOpRebase, true, nil
	}
	if ok, _ := IsMergeInProgress(worktreeDir); ok {
		return domain.ConflictOpMerge, true, nil
	}
	if ok, _ := IsCherryPickInProgress(worktreeDir); ok {
		return domain.ConflictOpCherryPick, true, nil
	}
	if ok, _ := IsRevertInProgress(worktreeDir); ok {
		return domain.ConflictOpRevert, true, nil
	}
	return "", false, nil
}

// ConflictedFiles lists unmerged (conflicted) file paths.
func ConflictedFiles(worktreeDir string) ([]string, error) {
	out, _, err := runGit(worktreeDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			files = append(files, t)
		}
	}
	return files, nil
}

// AbortRebase runs `rebase --abort`.
func AbortRebase(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "rebase", "--abort")
	return err
}

// QuitRebase runs `rebase --quit`, used for metadata-only cleanup when a
// rebase is in progress but has no conflicted files.
func QuitRebase(worktreeDir string) error {
	_, _, err := runGit(worktreeDir, "rebase", "--quit")
	return err
}

// AbortConflicts maps the in-progress operation to its `<op> --abort`,
// substituting `rebase --quit` when a rebase is in progress but no files
// are conflicted (metadata-only cleanup).
func AbortConflicts(worktreeDir string) error {
	if ok, _ := IsRebaseInProgress(worktreeDir); ok {
		files, _ := ConflictedFiles(worktreeDir)
		if len(files) == 0 {
			return QuitRebase(worktreeDir)
		}
		return AbortRebase(worktreeDir)
	}
	if ok, _ := IsMergeInProgress(worktreeDir); ok {
		_, _, err := runGit(worktreeDir, "merge", "--abort")
		return err
	}
	if ok, _ := IsCherryPickInProgress(worktreeDir); ok {
		_, _, err := runGit(worktreeDir, "cherry-pick", "--abort")
		return err
	}
	if ok, _ := IsRevertInProgress(worktreeDir); ok {
		_, _, err := runGit(worktreeDir, "revert", "--abort")
		return err
	}
	return nil
}
