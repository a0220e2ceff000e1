package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
git_repo_path: /repo
executor:
  executor: CLAUDE
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Executor.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.Executor.BaseBranch)
	}
	if cfg.Executor.Executor != "claude" {
		t.Errorf("Executor = %q, want claude (lowercased)", cfg.Executor.Executor)
	}
}

func TestLoad_MissingGitRepoPath_Errors(t *testing.T) {
	path := writeConfig(t, `
executor:
  executor: claude
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing git_repo_path")
	}
}

func TestLoad_MissingExecutor_Errors(t *testing.T) {
	path := writeConfig(t, `
git_repo_path: /repo
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing executor.executor")
	}
}

func TestLoad_UnknownField_Errors(t *testing.T) {
	path := writeConfig(t, `
git_repo_path: /repo
executor:
  executor: claude
bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected strict decode to reject unknown top-level field")
	}
}

func TestLoad_TrimsCopyGlobs(t *testing.T) {
	path := writeConfig(t, `
git_repo_path: /repo
executor:
  executor: claude
copy_globs:
  - "*.env"
  - "  "
  - ".env.local"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.CopyGlobs) != 2 {
		t.Fatalf("CopyGlobs = %v, want 2 entries after trimming blanks", cfg.CopyGlobs)
	}
}
