package gitengine

import (
	"strings"
	"testing"
)

func TestDiffWorktreeVsBaseline_AddedFile(t *testing.T) {
	dir := initTestRepo(t)
	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "new.txt", "brand new content\n")

	entries, err := DiffWorktreeVsBaseline(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Change != DiffAdded {
		t.Errorf("Change = %v, want Added", e.Change)
	}
	if e.NewPath == nil || *e.NewPath != "new.txt" {
		t.Errorf("NewPath = %v, want new.txt", e.NewPath)
	}
	if e.NewContent == nil || *e.NewContent != "brand new content\n" {
		t.Errorf("NewContent = %v, want %q", e.NewContent, "brand new content\n")
	}
}

func TestDiffWorktreeVsBaseline_ModifiedFile(t *testing.T) {
	dir := initTestRepo(t)
	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "initial.txt", "changed content\n")

	entries, err := DiffWorktreeVsBaseline(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Change != DiffModified {
		t.Errorf("Change = %v, want Modified", entries[0].Change)
	}
}

func TestDiffWorktreeVsBaseline_NoChanges(t *testing.T) {
	dir := initTestRepo(t)
	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := DiffWorktreeVsBaseline(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0", len(entries))
	}
}

func TestDiffWorktreeVsBaseline_BinaryFileOmitsContent(t *testing.T) {
	dir := initTestRepo(t)
	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	binContent := string([]byte{0x00, 0x01, 0x02, 'b', 'i', 'n'})
	writeFile(t, dir, "blob.bin", binContent)

	entries, err := DiffWorktreeVsBaseline(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].NewContent != nil {
		t.Error("expected nil NewContent for a binary file")
	}
}

func TestDiffWorktreeVsBaseline_LargeFileOmitsContent(t *testing.T) {
	dir := initTestRepo(t)
	baseSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	large := strings.Repeat("x", maxInlineDiffBytes+1024)
	writeFile(t, dir, "huge.txt", large)

	entries, err := DiffWorktreeVsBaseline(dir, baseSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if !e.ContentOmitted {
		t.Error("expected ContentOmitted for a file over the size guard")
	}
	if e.NewContent != nil {
		t.Error("expected nil NewContent when content is omitted for size")
	}
	if e.Additions == nil || *e.Additions == 0 {
		t.Error("expected non-zero Additions line-stat fallback")
	}
}

func TestDiffBranchVsBase_Rename(t *testing.T) {
	repoDir := initTestRepo(t)
	testGit(t, repoDir, "branch", "feature")
	testGit(t, repoDir, "checkout", "feature")
	testGit(t, repoDir, "mv", "initial.txt", "renamed.txt")
	testGit(t, repoDir, "commit", "-m", "rename initial.txt")
	testGit(t, repoDir, "checkout", "main")

	entries, err := DiffBranchVsBase(repoDir, "feature", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Change != DiffRenamed {
		t.Errorf("Change = %v, want Renamed", entries[0].Change)
	}
	if entries[0].OldPath == nil || *entries[0].OldPath != "initial.txt" {
		t.Errorf("OldPath = %v, want initial.txt", entries[0].OldPath)
	}
	if entries[0].NewPath == nil || *entries[0].NewPath != "renamed.txt" {
		t.Errorf("NewPath = %v, want renamed.txt", entries[0].NewPath)
	}
}

func TestDiffCommitVsParent(t *testing.T) {
	dir := initTestRepo(t)
	writeFile(t, dir, "second.txt", "second commit content\n")
	testGit(t, dir, "add", "-A")
	testGit(t, dir, "commit", "-m", "second commit")

	headSHA, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := DiffCommitVsParent(dir, headSHA)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Change != DiffAdded {
		t.Errorf("Change = %v, want Added", entries[0].Change)
	}
}
