package gitengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// HeadInfo is the read-only head summary for a task attempt branch: the
// commit it currently points at plus its author.
type HeadInfo struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	Message     string
	When        time.Time
}

func openRepo(repoDir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", repoDir, err)
	}
	return repo, nil
}

// BranchHeadInfo reads the head commit of branch without touching the
// worktree or the real index, using go-git's in-process object store
// rather than shelling out.
func BranchHeadInfo(repoDir, branch string) (*HeadInfo, error) {
	repo, err := openRepo(repoDir)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit for %s: %w", branch, err)
	}
	return &HeadInfo{
		SHA:         commit.Hash.String(),
		AuthorName:  commit.Author.Name,
		AuthorEmail: commit.Author.Email,
		Message:     commit.Message,
		When:        commit.Author.When,
	}, nil
}

// AheadBehind reports how many commits branch is ahead of and behind base,
// the pair used for attempt-vs-base comparison in the UI.
func AheadBehind(repoDir, base, branch string) (ahead, behind int, err error) {
	repo, err := openRepo(repoDir)
	if err != nil {
		return 0, 0, err
	}

	baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve base branch %s: %w", base, err)
	}
	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	baseCommit, err := repo.CommitObject(baseRef.Hash())
	if err != nil {
		return 0, 0, err
	}
	branchCommit, err := repo.CommitObject(branchRef.Hash())
	if err != nil {
		return 0, 0, err
	}

	mergeBases, err := baseCommit.MergeBase(branchCommit)
	if err != nil || len(mergeBases) == 0 {
		return 0, 0, fmt.Errorf("no common ancestor between %s and %s", base, branch)
	}
	mergeBase := mergeBases[0]

	ahead, err = countCommitsSince(branchCommit, mergeBase)
	if err != nil {
		return 0, 0, err
	}
	behind, err = countCommitsSince(baseCommit, mergeBase)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// countCommitsSince walks first-parent history from commit back to (but not
// including) stop, counting commits. AheadBehind uses it for both counts
// whatever the history length; IsDivergedAhead counts separately with the
// CLI's `rev-list --count`.
func countCommitsSince(commit, stop *object.Commit) (int, error) {
	count := 0
	cur := commit
	for cur.Hash != stop.Hash {
		count++
		parents := cur.Parents()
		next, err := parents.Next()
		if errors.Is(err, object.ErrParentNotFound) || next == nil {
			break
		}
		if err != nil {
			return count, nil
		}
		cur = next
	}
	return count, nil
}

// ListLocalBranches returns the names of all local branches, used to
// populate task-attempt base-branch pickers without shelling out.
func ListLocalBranches(repoDir string) ([]string, error) {
	repo, err := openRepo(repoDir)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RemoteBranchExists reports whether branch exists under the given remote
// by resolving its remote-tracking reference directly, rather than
// shelling out to `git ls-remote`.
func RemoteBranchExists(repoDir, remote, branch string) (bool, error) {
	repo, err := openRepo(repoDir)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
