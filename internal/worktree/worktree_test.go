package worktree

import (
	"database/sql"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/store"
)

func testGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return string(out)
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testGit(t, dir, "init", "-b", "main")
	testGit(t, dir, "config", "user.name", "test")
	testGit(t, dir, "config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	testGit(t, dir, "add", "-A")
	testGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAttempt(t *testing.T, db *sql.DB, repoDir string) (domain.TaskAttempt, domain.Task, domain.Project) {
	t.Helper()
	projectID := uuid.New()
	taskID := uuid.New()
	attemptID := uuid.New()
	if _, err := db.Exec(`INSERT INTO projects (id, git_repo_path) VALUES (?, ?)`, projectID.String(), repoDir); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO tasks (id, project_id, title) VALUES (?, ?, ?)`, taskID.String(), projectID.String(), "Fix the Thing: Urgently!"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO task_attempts (id, task_id, executor, base_branch) VALUES (?, ?, ?, ?)`,
		attemptID.String(), taskID.String(), "claude", "main"); err != nil {
		t.Fatal(err)
	}
	return domain.TaskAttempt{ID: attemptID, TaskID: taskID, Executor: "claude", BaseBranch: "main"},
		domain.Task{ID: taskID, ProjectID: projectID, Title: "Fix the Thing: Urgently!"},
		domain.Project{ID: projectID, GitRepoPath: repoDir}
}

func TestSlugify_LowercasesAndCollapsesPunctuation(t *testing.T) {
	got := slugify("Fix the Thing: Urgently!")
	want := "fix-the-thing-urgently"
	if got != want {
		t.Fatalf("slugify() = %q, want %q", got, want)
	}
}

func TestSlugify_EmptyTitleFallsBack(t *testing.T) {
	if got := slugify("!!!"); got != "task" {
		t.Fatalf("slugify(%q) = %q, want task", "!!!", got)
	}
}

func TestCreate_AddsWorktreeAndRecordsContainerRef(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)

	svc := New(db, t.TempDir())
	ref, err := svc.Create(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ref); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ref, "initial.txt")); err != nil {
		t.Fatalf("worktree missing repo contents: %v", err)
	}

	got, err := svc.containerRef(attempt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != ref {
		t.Fatalf("container_ref = %q, want %q", got, ref)
	}
}

func TestCreate_CopiesDeclaredProjectFiles(t *testing.T) {
	repo := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(repo, ".env"), []byte("SECRET=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)

	svc := New(db, t.TempDir())
	ref, err := svc.Create(attempt, task, project, []string{".env"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(ref, ".env"))
	if err != nil {
		t.Fatalf(".env not copied into worktree: %v", err)
	}
	if string(b) != "SECRET=1\n" {
		t.Fatalf(".env content = %q", b)
	}
}

func TestEnsureContainerExists_ReusesExistingWorktree(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)

	svc := New(db, t.TempDir())
	first, err := svc.EnsureContainerExists(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.EnsureContainerExists(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("EnsureContainerExists not idempotent: %q vs %q", first, second)
	}
}

func TestEnsureContainerExists_CoalescesConcurrentCallers(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)
	svc := New(db, t.TempDir())

	const n = 8
	refs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = svc.EnsureContainerExists(attempt, task, project, nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if refs[i] != refs[0] {
			t.Fatalf("caller %d got %q, want %q", i, refs[i], refs[0])
		}
	}
}

func TestIsContainerClean_TrueBeforeEdits(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)
	svc := New(db, t.TempDir())
	ref, err := svc.Create(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}
	clean, err := IsContainerClean(ref)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("expected freshly created worktree to be clean")
	}
}

func TestTryCommitChanges_CommitsEditsAndNoOpsWhenClean(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)
	svc := New(db, t.TempDir())
	ref, err := svc.Create(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(ref, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	committed, _, err := TryCommitChanges(ref, "agent edits")
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected a commit for the new file")
	}

	committedAgain, _, err := TryCommitChanges(ref, "agent edits")
	if err != nil {
		t.Fatal(err)
	}
	if committedAgain {
		t.Fatal("expected no-op commit on a clean worktree")
	}
}

func TestDelete_StopsProcessesAndRemovesWorktreeAndClearsRef(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)
	svc := New(db, t.TempDir())
	ref, err := svc.Create(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}

	var stopped uuid.UUID
	stop := func(id uuid.UUID) error { stopped = id; return nil }

	if err := svc.Delete(attempt, repo, stop); err != nil {
		t.Fatal(err)
	}
	if stopped != attempt.ID {
		t.Fatalf("stop called with %v, want %v", stopped, attempt.ID)
	}
	if _, err := os.Stat(ref); err == nil {
		t.Fatal("expected worktree directory to be removed")
	}
	got, err := svc.containerRef(attempt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("container_ref = %q, want cleared", got)
	}
}

func TestCleanupOrphaned_RemovesUnknownWorktreeDirs(t *testing.T) {
	repo := initTestRepo(t)
	db := newTestDB(t)
	attempt, task, project := seedAttempt(t, db, repo)
	base := t.TempDir()
	svc := New(db, base)

	ref, err := svc.Create(attempt, task, project, nil)
	if err != nil {
		t.Fatal(err)
	}

	orphanSHA, err := headSHA(repo)
	if err != nil {
		t.Fatal(err)
	}
	orphanDir := filepath.Join(base, "vk", "orphan-leftover")
	testGit(t, repo, "branch", "vk/orphan-leftover", orphanSHA)
	testGit(t, repo, "worktree", "add", orphanDir, "vk/orphan-leftover")

	if err := svc.CleanupOrphaned(repo); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(orphanDir); err == nil {
		t.Fatal("expected orphaned worktree dir to be removed")
	}
	if _, err := os.Stat(ref); err != nil {
		t.Fatalf("expected known worktree to survive cleanup: %v", err)
	}
}

func headSHA(repoDir string) (string, error) {
	out, err := exec.Command("git", "-C", repoDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return string(out[:len(out)-1]), nil
}
