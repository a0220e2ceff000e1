package eventbus

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/messagestore"
	"github.com/taskattempts/core/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *sql.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	b := NewBus(db)
	store.SetHook(b.HookFunc())
	t.Cleanup(func() { store.SetHook(nil) })
	return b, db
}

func seedTask(t *testing.T, db *sql.DB) (taskID string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO projects (id, git_repo_path) VALUES ('p1', '/tmp/r')`); err != nil {
		t.Fatal(err)
	}
	taskID = uuid.New().String()
	if _, err := db.Exec(`INSERT INTO tasks (id, project_id, title) VALUES (?, 'p1', 't')`, taskID); err != nil {
		t.Fatal(err)
	}
	return taskID
}

// waitForPatches polls a stream's history until at least n records are
// present or the deadline passes, since the bus dispatches hook handling
// on its own goroutine.
func waitForPatches(t *testing.T, s *messagestore.Store, n int) []messagestore.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist := s.History()
		if len(hist) >= n {
			return hist
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records, got %d", n, len(s.History()))
	return nil
}

func TestBus_TaskInsert_EmitsAddPatchOnTaskStream(t *testing.T) {
	b, db := newTestBus(t)
	taskID := seedTask(t, db)

	stream := b.Stream("task:" + taskID)
	recs := waitForPatches(t, stream, 1)

	var patch Patch
	if err := json.Unmarshal([]byte(recs[0].Content), &patch); err != nil {
		t.Fatal(err)
	}
	if len(patch) != 1 || patch[0].Op != "add" || patch[0].Path != "/tasks/"+taskID {
		t.Fatalf("patch = %+v, want single add at /tasks/%s", patch, taskID)
	}
}

func TestBus_TaskAttemptInsert_RematerializesTaskStatus(t *testing.T) {
	b, db := newTestBus(t)
	taskID := seedTask(t, db)

	stream := b.Stream("task:" + taskID)
	waitForPatches(t, stream, 1) // the task insert itself

	attemptID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO task_attempts (id, task_id, executor, base_branch) VALUES (?, ?, 'claude', 'main')`,
		attemptID, taskID,
	); err != nil {
		t.Fatal(err)
	}

	recs := waitForPatches(t, stream, 2)
	var patch Patch
	if err := json.Unmarshal([]byte(recs[1].Content), &patch); err != nil {
		t.Fatal(err)
	}
	var status domain.TaskDerivedStatus
	body, _ := json.Marshal(patch[0].Value)
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Executor != "claude" {
		t.Errorf("Executor = %q, want claude", status.Executor)
	}
}

func TestBus_ExecutionProcessRunning_SetsHasInProgressAttempt(t *testing.T) {
	b, db := newTestBus(t)
	taskID := seedTask(t, db)
	attemptID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO task_attempts (id, task_id, executor, base_branch) VALUES (?, ?, 'claude', 'main')`,
		attemptID, taskID,
	); err != nil {
		t.Fatal(err)
	}

	taskStream := b.Stream("task:" + taskID)
	waitForPatches(t, taskStream, 2) // task insert + attempt ripple

	action := domain.ExecutorAction{
		Type:    domain.ActionCodingAgentInitial,
		Initial: &domain.CodingAgentInitialRequest{Prompt: "do the thing", ExecutorProfileID: "claude/default"},
	}
	actionJSON, err := action.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	processID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO execution_processes (id, task_attempt_id, run_reason, executor_action, status)
		 VALUES (?, ?, 'coding-agent', ?, 'running')`,
		processID, attemptID, string(actionJSON),
	); err != nil {
		t.Fatal(err)
	}

	recs := waitForPatches(t, taskStream, 3)
	var status domain.TaskDerivedStatus
	var patch Patch
	if err := json.Unmarshal([]byte(recs[2].Content), &patch); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(patch[0].Value)
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if !status.HasInProgressAttempt {
		t.Error("HasInProgressAttempt = false, want true while a process is running")
	}

	procStream := b.Stream("execution_process:" + processID)
	waitForPatches(t, procStream, 1)
}

func TestBus_DraftInsert_PublishesOnKeyedDraftStream(t *testing.T) {
	b, db := newTestBus(t)
	taskID := seedTask(t, db)
	attemptID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO task_attempts (id, task_id, executor, base_branch) VALUES (?, ?, 'claude', 'main')`,
		attemptID, taskID,
	); err != nil {
		t.Fatal(err)
	}

	draftID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO drafts (id, task_attempt_id, draft_type, prompt, queued) VALUES (?, ?, 'follow-up', 'hi', 1)`,
		draftID, attemptID,
	); err != nil {
		t.Fatal(err)
	}

	key := draftKey(uuid.MustParse(attemptID), domain.DraftTypeFollowUp)
	recs := waitForPatches(t, b.Stream(key), 1)
	var patch Patch
	if err := json.Unmarshal([]byte(recs[0].Content), &patch); err != nil {
		t.Fatal(err)
	}
	if patch[0].Path != "/task_attempts/"+attemptID+"/follow_up_draft" {
		t.Errorf("path = %q", patch[0].Path)
	}
}

func TestBus_DraftDelete_WithoutSnapshot_FallsBackToGeneric(t *testing.T) {
	// A delete for a rowid the bus never saw an insert/update for (e.g. the
	// process restarted mid-flight) has no snapshot to recover the attempt
	// id from, so it lands on the generic fallback stream instead of being
	// silently dropped.
	b, db := newTestBus(t)
	taskID := seedTask(t, db)
	attemptID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO task_attempts (id, task_id, executor, base_branch) VALUES (?, ?, 'claude', 'main')`,
		attemptID, taskID,
	); err != nil {
		t.Fatal(err)
	}
	draftID := uuid.New().String()
	if _, err := db.Exec(
		`INSERT INTO drafts (id, task_attempt_id, draft_type, prompt) VALUES (?, ?, 'follow-up', 'x')`,
		draftID, attemptID,
	); err != nil {
		t.Fatal(err)
	}
	key := draftKey(uuid.MustParse(attemptID), domain.DraftTypeFollowUp)
	waitForPatches(t, b.Stream(key), 1)

	// Forget the snapshot the insert just recorded, simulating a rowid the
	// bus never observed an insert/update for.
	b.snap.popDraft(rowIDOfOnlyRow(t, db, "drafts"))

	if _, err := db.Exec(`DELETE FROM drafts WHERE id = ?`, draftID); err != nil {
		t.Fatal(err)
	}
	waitForPatches(t, b.Global(), 1)
}

// TestBus_EmitDeletedRetryDraftForAttempt_IsIdempotent is invariant 10: a
// retry draft delete, even when the hook's row resolution can't recover the
// attempt id on its own, must still produce exactly one clear patch on the
// keyed stream because the caller supplies the attempt id directly.
func TestBus_EmitDeletedRetryDraftForAttempt_IsIdempotent(t *testing.T) {
	b, db := newTestBus(t)
	_ = db

	attempt := uuid.New()
	b.EmitDeletedRetryDraftForAttempt(attempt)
	b.EmitDeletedRetryDraftForAttempt(attempt)

	key := draftKey(attempt, domain.DraftTypeRetry)
	recs := waitForPatches(t, b.Stream(key), 1)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want exactly 1 (dedup must suppress the repeat)", len(recs))
	}
	var patch Patch
	if err := json.Unmarshal([]byte(recs[0].Content), &patch); err != nil {
		t.Fatal(err)
	}
	if patch[0].Value != nil {
		t.Errorf("clear patch value = %v, want nil", patch[0].Value)
	}
}

func rowIDOfOnlyRow(t *testing.T, db *sql.DB, table string) int64 {
	t.Helper()
	var id int64
	if err := db.QueryRow("SELECT rowid FROM " + table).Scan(&id); err != nil {
		t.Fatal(err)
	}
	return id
}
