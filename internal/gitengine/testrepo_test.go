package gitengine

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
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
	writeFile(t, dir, "initial.txt", "hello\n")
	testGit(t, dir, "add", "-A")
	testGit(t, dir, "commit", "-m", "initial")
	return dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func addWorktreeAt(t *testing.T, repoDir, worktreeDir, branch, baseSHA string) {
	t.Helper()
	if err := CreateBranchAt(repoDir, branch, baseSHA); err != nil {
		t.Fatal(err)
	}
	if err := AddWorktree(repoDir, worktreeDir, branch); err != nil {
		t.Fatal(err)
	}
}
