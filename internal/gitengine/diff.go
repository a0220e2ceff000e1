package gitengine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DiffChangeKind classifies one changed path between two trees.
type DiffChangeKind string

const (
	DiffAdded            DiffChangeKind = "Added"
	DiffDeleted          DiffChangeKind = "Deleted"
	DiffModified         DiffChangeKind = "Modified"
	DiffRenamed          DiffChangeKind = "Renamed"
	DiffCopied           DiffChangeKind = "Copied"
	DiffPermissionChange DiffChangeKind = "PermissionChange"
)

// maxInlineDiffBytes is the size guard: files larger than this fall back
// to line-stat counts instead of inline content.
const maxInlineDiffBytes = 150 * 1024

// DiffEntry is one changed path, ready for client display.
type DiffEntry struct {
	Change         DiffChangeKind
	OldPath        *string
	NewPath        *string
	OldContent     *string // nil when binary, added, or omitted for size
	NewContent     *string
	ContentOmitted bool
	Additions      *int
	Deletions      *int
}

// DiffWorktreeVsBaseline computes the worktree-vs-baseline-commit diff:
// all changes (including untracked files) are staged into a temporary
// index and diffed against baseline so untracked additions show up and
// rename detection works without touching the real index.
func DiffWorktreeVsBaseline(worktreeDir, baselineSHA string) ([]DiffEntry, error) {
	tmpIndex, err := os.CreateTemp("", "taskattempts-index-*")
	if err != nil {
		return nil, err
	}
	tmpIndexPath := tmpIndex.Name()
	tmpIndex.Close()
	defer os.Remove(tmpIndexPath)

	env := []string{"GIT_INDEX_FILE=" + tmpIndexPath}
	if _, _, err := runGitEnv(worktreeDir, env, "-c", "core.quotepath=false", "read-tree", "HEAD"); err != nil {
		// A repo with no commits yet (baseline is empty) has nothing to read.
	}
	if _, _, err := runGitEnv(worktreeDir, env, "add", "-A"); err != nil {
		return nil, err
	}
	out, _, err := runGitEnv(worktreeDir, env, "diff", "--cached", "-M", "--name-status", baselineSHA)
	if err != nil {
		return nil, err
	}

	entries := parseNameStatus(out)
	results := make([]DiffEntry, 0, len(entries))
	for _, e := range entries {
		results = append(results, materializeEntry(worktreeDir, baselineSHA, env, e))
	}
	return results, nil
}

type nameStatusEntry struct {
	status  string // A, D, M, Rnn, Cnn, T
	oldPath string
	newPath string
}

func parseNameStatus(out string) []nameStatusEntry {
	var entries []nameStatusEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		if len(fields) == 3 {
			entries = append(entries, nameStatusEntry{status: status, oldPath: fields[1], newPath: fields[2]})
		} else {
			entries = append(entries, nameStatusEntry{status: status, newPath: fields[1]})
		}
	}
	return entries
}

func materializeEntry(worktreeDir, baselineSHA string, env []string, e nameStatusEntry) DiffEntry {
	statusLetter := e.status[0:1]
	var change DiffChangeKind
	switch statusLetter {
	case "A":
		change = DiffAdded
	case "D":
		change = DiffDeleted
	case "R":
		change = DiffRenamed
	case "C":
		change = DiffCopied
	default:
		// Modified, Unmerged (U), and TypeChange (T) are all reported as Modified.
		change = DiffModified
	}

	var oldPathPtr, newPathPtr *string
	if e.oldPath != "" {
		p := e.oldPath
		oldPathPtr = &p
	}
	if e.newPath != "" {
		p := e.newPath
		newPathPtr = &p
	} else if e.oldPath != "" && change == DiffDeleted {
		p := e.oldPath
		newPathPtr = nil
		_ = p
	}
	if change == DiffDeleted && oldPathPtr == nil {
		p := e.newPath
		oldPathPtr = &p
	}

	entry := DiffEntry{Change: change, OldPath: oldPathPtr, NewPath: newPathPtr}

	var oldContent, newContent *string
	var oldBinary, newBinary bool
	var oldSize, newSize int64

	if change != DiffAdded && oldPathPtr != nil {
		oldContent, oldBinary, oldSize = readBlobAtCommit(worktreeDir, baselineSHA, *oldPathPtr)
	}
	if change != DiffDeleted && newPathPtr != nil {
		newContent, newBinary, newSize = readWorktreeFile(worktreeDir, *newPathPtr)
	}

	if oldBinary || newBinary {
		entry.OldContent = nil
		entry.NewContent = nil
		return entry
	}

	if oldSize > maxInlineDiffBytes || newSize > maxInlineDiffBytes {
		entry.ContentOmitted = true
		adds, dels := lineStats(worktreeDir, env, e, "--cached", baselineSHA)
		entry.Additions = &adds
		entry.Deletions = &dels
		return entry
	}

	entry.OldContent = oldContent
	entry.NewContent = newContent

	if change == DiffModified && oldContent != nil && newContent != nil && *oldContent == *newContent {
		entry.Change = DiffPermissionChange
	}

	return entry
}

func readBlobAtCommit(worktreeDir, commit, path string) (content *string, binary bool, size int64) {
	out, _, err := runGit(worktreeDir, "cat-file", "-s", commit+":"+path)
	if err == nil {
		if n, convErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64); convErr == nil {
			size = n
		}
	}
	raw, _, err := runGitRaw(worktreeDir, "show", commit+":"+path)
	if err != nil {
		return nil, false, size
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, true, size
	}
	s := string(raw)
	return &s, false, size
}

func readWorktreeFile(worktreeDir, path string) (content *string, binary bool, size int64) {
	full := filepath.Join(worktreeDir, path)
	info, err := os.Stat(full)
	if err != nil {
		return nil, false, 0
	}
	size = info.Size()
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, false, size
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return nil, true, size
	}
	s := string(raw)
	return &s, false, size
}

func lineStats(dir string, env []string, e nameStatusEntry, revArgs ...string) (additions, deletions int) {
	path := e.newPath
	if path == "" {
		path = e.oldPath
	}
	args := append([]string{"diff", "--numstat"}, revArgs...)
	out, _, err := runGitEnv(dir, env, append(args, "--", path)...)
	if err != nil {
		return 0, 0
	}
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		a, _ := strconv.Atoi(fields[0])
		d, _ := strconv.Atoi(fields[1])
		return a, d
	}
	return 0, 0
}

// DiffBranchVsBase computes a tree-to-tree diff with rename detection
// between a branch and its base branch.
func DiffBranchVsBase(repoDir, branch, baseBranch string) ([]DiffEntry, error) {
	out, _, err := runGit(repoDir, "diff", "-M", "--name-status", baseBranch, branch)
	if err != nil {
		return nil, err
	}
	entries := parseNameStatus(out)
	results := make([]DiffEntry, 0, len(entries))
	for _, e := range entries {
		results = append(results, materializeTreeEntry(repoDir, baseBranch, branch, e))
	}
	return results, nil
}

// DiffCommitVsParent computes the diff of a commit against its first
// parent. Fails if the commit has no parent.
func DiffCommitVsParent(repoDir, commitSHA string) ([]DiffEntry, error) {
	parent, _, err := runGit(repoDir, "rev-parse", commitSHA+"^")
	if err != nil {
		return nil, fmt.Errorf("commit has no parent; cannot diff a squash merge without a baseline: %w", err)
	}
	parentSHA := strings.TrimSpace(parent)
	return DiffBranchVsBase(repoDir, commitSHA, parentSHA)
}

func materializeTreeEntry(repoDir, oldRef, newRef string, e nameStatusEntry) DiffEntry {
	statusLetter := e.status[0:1]
	var change DiffChangeKind
	switch statusLetter {
	case "A":
		change = DiffAdded
	case "D":
		change = DiffDeleted
	case "R":
		change = DiffRenamed
	case "C":
		change = DiffCopied
	default:
		change = DiffModified
	}
	var oldPathPtr, newPathPtr *string
	if e.oldPath != "" {
		p := e.oldPath
		oldPathPtr = &p
	} else if e.newPath != "" && change != DiffAdded {
		p := e.newPath
		oldPathPtr = &p
	}
	if e.newPath != "" {
		p := e.newPath
		newPathPtr = &p
	}

	entry := DiffEntry{Change: change, OldPath: oldPathPtr, NewPath: newPathPtr}

	var oldSize, newSize int64
	var oldContent, newContent *string
	var oldBinary, newBinary bool

	if change != DiffAdded && oldPathPtr != nil {
		oldContent, oldBinary, oldSize = readBlobAtCommit(repoDir, oldRef, *oldPathPtr)
	}
	if change != DiffDeleted && newPathPtr != nil {
		newContent, newBinary, newSize = readBlobAtCommit(repoDir, newRef, *newPathPtr)
	}

	if oldBinary || newBinary {
		return entry
	}
	if oldSize > maxInlineDiffBytes || newSize > maxInlineDiffBytes {
		entry.ContentOmitted = true
		adds, dels := lineStats(repoDir, nil, e, oldRef, newRef)
		entry.Additions = &adds
		entry.Deletions = &dels
		return entry
	}

	entry.OldContent = oldContent
	entry.NewContent = newContent
	if change == DiffModified && oldContent != nil && newContent != nil && *oldContent == *newContent {
		entry.Change = DiffPermissionChange
	}
	return entry
}

func runGitEnv(dir string, extraEnv []string, args ...string) (string, string, error) {
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	return runGitWithEnv(dir, extraEnv, append(base, args...)...)
}
