// Package worktree is the Container/Worktree Service: it materializes one
// Git worktree per task attempt, coalesces concurrent "ensure it exists"
// calls onto a single creation, and commits or tears down that worktree as
// the attempt's execution processes progress. It drives internal/gitengine's
// CLI wrapper to stage each attempt's working directory, adding the
// per-attempt locking and project-file copy step a single-shot run would
// never need.
package worktree

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/gitengine"
)

// Service creates, inspects, and tears down per-attempt worktrees.
type Service struct {
	db       *sql.DB
	basePath string // worktrees are created under <basePath>/vk/<short-uuid>-<slug>

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// New builds a Service rooted at basePath, the directory under which every
// attempt's worktree is created (as `<base>/vk/...`).
func New(db *sql.DB, basePath string) *Service {
	return &Service{db: db, basePath: basePath, locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (s *Service) attemptLock(attemptID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[attemptID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[attemptID] = l
	}
	return l
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases title, collapses runs of non-alphanumerics to a single
// hyphen, and trims to a short, filesystem-safe length.
func slugify(title string) string {
	s := slugInvalid.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "task"
	}
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	return s
}

func shortUUID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// worktreeDirName is the `<short-uuid>-<slug>` name shared by an attempt's
// worktree directory and its branch.
func worktreeDirName(attemptID uuid.UUID, taskTitle string) string {
	return fmt.Sprintf("%s-%s", shortUUID(attemptID), slugify(taskTitle))
}

func (s *Service) worktreePath(attemptID uuid.UUID, taskTitle string) string {
	return filepath.Join(s.basePath, "vk", worktreeDirName(attemptID, taskTitle))
}

func branchName(attemptID uuid.UUID, taskTitle string) string {
	return "vk/" + worktreeDirName(attemptID, taskTitle)
}

// Create materializes attempt's worktree: picks its path, creates its
// branch off base_branch if the attempt doesn't have one yet, adds the
// worktree, records container_ref, and copies any declared project files in
// copyGlobs from the main repo working directory into the new worktree.
// "Branch already exists" and "worktree already exists" are local
// recoveries (reuse), not errors.
func (s *Service) Create(attempt domain.TaskAttempt, task domain.Task, project domain.Project, copyGlobs []string) (containerRef string, err error) {
	wtPath := s.worktreePath(attempt.ID, task.Title)
	branch := branchName(attempt.ID, task.Title)

	if !gitengine.BranchExists(project.GitRepoPath, branch) {
		if err := gitengine.CreateBranchAt(project.GitRepoPath, branch, attempt.BaseBranch); err != nil {
			return "", fmt.Errorf("create attempt branch: %w", err)
		}
	}

	if _, statErr := os.Stat(wtPath); statErr != nil {
		if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
			return "", fmt.Errorf("prepare worktree parent dir: %w", err)
		}
		if err := gitengine.AddWorktree(project.GitRepoPath, wtPath, branch); err != nil {
			return "", fmt.Errorf("add worktree: %w", err)
		}
	}

	if err := s.recordContainerRef(attempt.ID, wtPath); err != nil {
		return "", err
	}

	if err := copyProjectFiles(project.GitRepoPath, wtPath, copyGlobs); err != nil {
		return "", fmt.Errorf("copy project files into worktree: %w", err)
	}

	return wtPath, nil
}

func (s *Service) recordContainerRef(attemptID uuid.UUID, path string) error {
	_, err := s.db.Exec(`UPDATE task_attempts SET container_ref = ? WHERE id = ?`, path, attemptID.String())
	if err != nil {
		return fmt.Errorf("record container_ref: %w", err)
	}
	return nil
}

// EnsureContainerExists returns attempt's worktree path, creating it if
// needed. Concurrent calls for the same attempt coalesce onto a single
// creation via a per-attempt in-memory lock.
func (s *Service) EnsureContainerExists(attempt domain.TaskAttempt, task domain.Task, project domain.Project, copyGlobs []string) (string, error) {
	lock := s.attemptLock(attempt.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.containerRef(attempt.ID)
	if err != nil {
		return "", err
	}
	if current != "" {
		if _, statErr := os.Stat(current); statErr == nil {
			return current, nil
		}
	}
	return s.Create(attempt, task, project, copyGlobs)
}

func (s *Service) containerRef(attemptID uuid.UUID) (string, error) {
	var ref sql.NullString
	err := s.db.QueryRow(`SELECT container_ref FROM task_attempts WHERE id = ?`, attemptID.String()).Scan(&ref)
	if err != nil {
		return "", fmt.Errorf("read container_ref: %w", err)
	}
	return ref.String, nil
}

// IsContainerClean reports whether containerRef's worktree has no tracked
// uncommitted changes.
func IsContainerClean(containerRef string) (bool, error) {
	return gitengine.IsClean(containerRef)
}

// TryCommitChanges stages and commits any pending changes in containerRef
// with message, returning committed=false (not an error) when there was
// nothing to commit.
func TryCommitChanges(containerRef, message string) (committed bool, sha string, err error) {
	return gitengine.TryCommitChanges(containerRef, message)
}

// StopFunc stops every running execution process for an attempt; supplied
// by the orchestrator so this package never imports it back.
type StopFunc func(attemptID uuid.UUID) error

// Delete stops attempt's running processes via stop, then best-effort
// removes its worktree — a worktree removal failure does not prevent the
// attempt's row from being considered deleted.
func (s *Service) Delete(attempt domain.TaskAttempt, repoDir string, stop StopFunc) error {
	if stop != nil {
		if err := stop(attempt.ID); err != nil {
			return fmt.Errorf("stop running processes: %w", err)
		}
	}
	ref, err := s.containerRef(attempt.ID)
	if err != nil {
		return err
	}
	if ref == "" {
		return nil
	}
	// Best-effort: a removal failure does not stop the container_ref cleanup.
	_ = gitengine.RemoveWorktree(repoDir, ref)
	return s.CleanupRecord(attempt.ID)
}

// CleanupRecord clears an attempt's container_ref bookkeeping without
// touching the filesystem, for callers that have already removed the
// worktree themselves.
func (s *Service) CleanupRecord(attemptID uuid.UUID) error {
	_, err := s.db.Exec(`UPDATE task_attempts SET container_ref = NULL WHERE id = ?`, attemptID.String())
	if err != nil {
		return fmt.Errorf("clear container_ref: %w", err)
	}
	return nil
}

// CleanupOrphaned prunes stale worktree administrative state in repoDir
// (git worktree prune) and removes any directory under
// <basePath>/vk that no longer corresponds to a task_attempts row with a
// matching container_ref — worktrees left behind by a crash between
// creation and the container_ref write, or after a row was deleted out from
// under this service.
func (s *Service) CleanupOrphaned(repoDir string) error {
	if err := gitengine.PruneWorktrees(repoDir); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}

	vkRoot := filepath.Join(s.basePath, "vk")
	entries, err := os.ReadDir(vkRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list worktree root: %w", err)
	}

	known := make(map[string]bool)
	rows, err := s.db.Query(`SELECT container_ref FROM task_attempts WHERE container_ref IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("list known container refs: %w", err)
	}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return err
		}
		known[ref] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(vkRoot, e.Name())
		if known[full] {
			continue
		}
		_ = gitengine.RemoveWorktree(repoDir, full)
		_ = os.RemoveAll(full)
	}
	return nil
}

// copyProjectFiles copies every file matched by globs (e.g. ".env",
// "config/*.local.yaml") from srcRoot into the equivalent relative path
// under dstRoot, used to seed secrets/config that aren't tracked in Git
// into a freshly created worktree.
func copyProjectFiles(srcRoot, dstRoot string, globs []string) error {
	for _, pattern := range globs {
		matches, err := doublestar.Glob(os.DirFS(srcRoot), pattern)
		if err != nil {
			return fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if err := copyFile(filepath.Join(srcRoot, rel), filepath.Join(dstRoot, rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil || info.IsDir() {
		return err
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("prepare dest dir for %s: %w", dst, err)
	}
	return os.WriteFile(dst, b, info.Mode().Perm())
}
