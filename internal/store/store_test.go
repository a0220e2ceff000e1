package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_MigratesSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO projects (id, git_repo_path) VALUES ('p1', '/tmp/repo')`); err != nil {
		t.Fatalf("insert into projects: %v", err)
	}
}

func TestHook_FiresOnInsertUpdateDelete(t *testing.T) {
	events := make(chan HookEvent, 16)
	SetHook(func(e HookEvent) { events <- e })
	defer SetHook(nil)

	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`INSERT INTO projects (id, git_repo_path) VALUES ('p1', '/tmp/repo')`); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, "projects", HookInsert)

	if _, err := db.Exec(`UPDATE projects SET git_repo_path = '/tmp/other' WHERE id = 'p1'`); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, "projects", HookUpdate)

	if _, err := db.Exec(`DELETE FROM projects WHERE id = 'p1'`); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, "projects", HookDelete)
}

func waitForEvent(t *testing.T, events chan HookEvent, table string, op HookOp) {
	t.Helper()
	select {
	case e := <-events:
		if e.Table != table || e.Op != op {
			t.Fatalf("HookEvent = %+v, want table=%s op=%s", e, table, op)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s %s hook event", table, op)
	}
}
