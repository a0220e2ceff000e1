package gitengine

import "testing"

func TestBranchHeadInfo(t *testing.T) {
	dir := initTestRepo(t)
	sha, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	info, err := BranchHeadInfo(dir, "main")
	if err != nil {
		t.Fatal(err)
	}
	if info.SHA != sha {
		t.Errorf("SHA = %s, want %s", info.SHA, sha)
	}
	if info.AuthorEmail != "test@test" {
		t.Errorf("AuthorEmail = %s, want test@test", info.AuthorEmail)
	}
}

func TestAheadBehind(t *testing.T) {
	repoDir := initTestRepo(t)
	baseSHA, err := HeadSHA(repoDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := CreateBranchAt(repoDir, "task-branch", baseSHA); err != nil {
		t.Fatal(err)
	}
	testGit(t, repoDir, "checkout", "task-branch")
	writeFile(t, repoDir, "task-only.txt", "task\n")
	testGit(t, repoDir, "add", "-A")
	testGit(t, repoDir, "commit", "-m", "task commit")
	testGit(t, repoDir, "checkout", "main")
	writeFile(t, repoDir, "main-only.txt", "main\n")
	testGit(t, repoDir, "add", "-A")
	testGit(t, repoDir, "commit", "-m", "main commit")

	ahead, behind, err := AheadBehind(repoDir, "main", "task-branch")
	if err != nil {
		t.Fatal(err)
	}
	if ahead != 1 {
		t.Errorf("ahead = %d, want 1", ahead)
	}
	if behind != 1 {
		t.Errorf("behind = %d, want 1", behind)
	}
}

func TestListLocalBranches(t *testing.T) {
	repoDir := initTestRepo(t)
	baseSHA, err := HeadSHA(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := CreateBranchAt(repoDir, "task-branch", baseSHA); err != nil {
		t.Fatal(err)
	}

	branches, err := ListLocalBranches(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	found := map[string]bool{}
	for _, b := range branches {
		found[b] = true
	}
	if !found["main"] || !found["task-branch"] {
		t.Errorf("ListLocalBranches = %v, want main and task-branch", branches)
	}
}

func TestRemoteBranchExists_NoRemote(t *testing.T) {
	dir := initTestRepo(t)
	exists, err := RemoteBranchExists(dir, "origin", "main")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expected no remote branch in a repo with no remote")
	}
}
