package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// taskIDByRowID resolves a tasks.rowid to its uuid primary key.
func taskIDByRowID(db *sql.DB, rowID int64) (uuid.UUID, error) {
	var id string
	if err := db.QueryRow(`SELECT id FROM tasks WHERE rowid = ?`, rowID).Scan(&id); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(id)
}

// taskIDForAttemptRowID resolves a task_attempts.rowid to the owning
// task's uuid.
func taskIDForAttemptRowID(db *sql.DB, rowID int64) (uuid.UUID, error) {
	var taskID string
	if err := db.QueryRow(`SELECT task_id FROM task_attempts WHERE rowid = ?`, rowID).Scan(&taskID); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(taskID)
}

// taskIDForAttemptID resolves a task_attempts.id to the owning task's uuid.
func taskIDForAttemptID(db *sql.DB, attemptID uuid.UUID) (uuid.UUID, error) {
	var taskID string
	if err := db.QueryRow(`SELECT task_id FROM task_attempts WHERE id = ?`, attemptID.String()).Scan(&taskID); err != nil {
		return uuid.UUID{}, err
	}
	return uuid.Parse(taskID)
}

// resolveTaskDerivedStatus re-materializes the per-task derived-status
// projection by joining the task's attempts and their most recent
// coding-agent execution process.
func resolveTaskDerivedStatus(db *sql.DB, taskID uuid.UUID) (*domain.TaskDerivedStatus, error) {
	status := &domain.TaskDerivedStatus{TaskID: taskID, Merged: domain.MergeStatusUnknown}

	rows, err := db.Query(
		`SELECT ta.id, ta.executor FROM task_attempts ta WHERE ta.task_id = ? ORDER BY ta.created_at DESC`,
		taskID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attemptIDs []string
	var latestExecutor string
	for rows.Next() {
		var id, executor string
		if err := rows.Scan(&id, &executor); err != nil {
			return nil, err
		}
		if latestExecutor == "" {
			latestExecutor = executor
		}
		attemptIDs = append(attemptIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	status.Executor = latestExecutor
	if len(attemptIDs) == 0 {
		return status, nil
	}

	placeholders := make([]string, len(attemptIDs))
	args := make([]any, len(attemptIDs))
	for i, id := range attemptIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := "(" + strings.Join(placeholders, ",") + ")"

	var running int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM execution_processes WHERE task_attempt_id IN `+inClause+` AND status = 'running'`,
		args...,
	).Scan(&running); err != nil {
		return nil, err
	}
	status.HasInProgressAttempt = running > 0

	doubledArgs := append(append([]any{}, args...), args...)
	var failed int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM execution_processes
		  WHERE task_attempt_id IN `+inClause+`
		    AND run_reason = 'coding-agent' AND status = 'failed'
		    AND created_at = (
		      SELECT MAX(created_at) FROM execution_processes ep2
		       WHERE ep2.task_attempt_id IN `+inClause+` AND ep2.run_reason = 'coding-agent'
		    )`,
		doubledArgs...,
	).Scan(&failed); err != nil {
		return nil, err
	}
	status.LastAttemptFailed = failed > 0

	return status, nil
}

// executionProcessByRowID loads the full execution-process row for an
// insert/update hook event.
func executionProcessByRowID(db *sql.DB, rowID int64) (*domain.ExecutionProcess, error) {
	row := db.QueryRow(
		`SELECT id, task_attempt_id, run_reason, executor_action, status, exit_code, before_head_commit, created_at, completed_at
		   FROM execution_processes WHERE rowid = ?`, rowID)
	return scanExecutionProcess(row)
}

func scanExecutionProcess(row *sql.Row) (*domain.ExecutionProcess, error) {
	var (
		id, attemptID, runReason, actionJSON, status string
		exitCode                                     sql.NullInt64
		beforeHead                                    sql.NullString
		createdAt                                     time.Time
		completedAt                                   sql.NullTime
	)
	if err := row.Scan(&id, &attemptID, &runReason, &actionJSON, &status, &exitCode, &beforeHead, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	p := &domain.ExecutionProcess{
		RunReason: domain.RunReason(runReason),
		Status:    domain.ExecutionStatus(status),
		CreatedAt: createdAt,
	}
	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse execution_process id: %w", err)
	}
	if p.TaskAttemptID, err = uuid.Parse(attemptID); err != nil {
		return nil, fmt.Errorf("parse task_attempt_id: %w", err)
	}
	if err := p.ExecutorAction.UnmarshalJSON([]byte(actionJSON)); err != nil {
		return nil, fmt.Errorf("parse executor_action: %w", err)
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	if beforeHead.Valid {
		v := beforeHead.String
		p.BeforeHeadCommit = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		p.CompletedAt = &v
	}
	return p, nil
}

// draftByRowID loads the full draft row for an insert/update hook event.
func draftByRowID(db *sql.DB, rowID int64) (*domain.Draft, error) {
	row := db.QueryRow(
		`SELECT id, task_attempt_id, draft_type, retry_process_id, prompt, queued, sending,
		        variant, image_ids, version, created_at, updated_at
		   FROM drafts WHERE rowid = ?`, rowID)
	return scanDraftRow(row)
}

func scanDraftRow(row *sql.Row) (*domain.Draft, error) {
	var (
		id, attemptID, draftType string
		retryProcessID           sql.NullString
		prompt                   string
		queued, sending          bool
		variant                  sql.NullString
		imageIDsJSON             sql.NullString
		version                  int64
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(&id, &attemptID, &draftType, &retryProcessID, &prompt, &queued, &sending,
		&variant, &imageIDsJSON, &version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d := &domain.Draft{
		DraftType: domain.DraftType(draftType),
		Prompt:    prompt,
		Queued:    queued,
		Sending:   sending,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	var err error
	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse draft id: %w", err)
	}
	if d.TaskAttemptID, err = uuid.Parse(attemptID); err != nil {
		return nil, fmt.Errorf("parse task_attempt_id: %w", err)
	}
	if retryProcessID.Valid {
		rp, err := uuid.Parse(retryProcessID.String)
		if err != nil {
			return nil, fmt.Errorf("parse retry_process_id: %w", err)
		}
		d.RetryProcessID = &rp
	}
	if variant.Valid {
		v := variant.String
		d.Variant = &v
	}
	if imageIDsJSON.Valid && imageIDsJSON.String != "" {
		var ids []uuid.UUID
		if err := json.Unmarshal([]byte(imageIDsJSON.String), &ids); err == nil {
			d.ImageIDs = ids
		}
	}
	return d, nil
}

// processSnapshot is what the rowid cache retains for an execution-process
// row so a delete can still produce a removal patch and ripple to its
// owning task.
type processSnapshot struct {
	processID uuid.UUID
	attemptID uuid.UUID
}

type draftSnapshot struct {
	attemptID uuid.UUID
	draftType domain.DraftType
}

// rowSnapshots is the pre-delete lookup cache the bus needs because
// SQLite's update hook reports only (table, rowid) on delete: the bus
// remembers the ids it saw on the most recent insert/update of that rowid
// and consults the cache when the row disappears. Entries are evicted on
// pop since a rowid is never reused for a live row after its delete is
// observed.
type rowSnapshots struct {
	mu        sync.Mutex
	tasks     map[int64]uuid.UUID
	attempts  map[int64]uuid.UUID
	processes map[int64]processSnapshot
	drafts    map[int64]draftSnapshot
}

func newRowSnapshots() *rowSnapshots {
	return &rowSnapshots{
		tasks:     make(map[int64]uuid.UUID),
		attempts:  make(map[int64]uuid.UUID),
		processes: make(map[int64]processSnapshot),
		drafts:    make(map[int64]draftSnapshot),
	}
}

func (s *rowSnapshots) putTask(rowID int64, taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rowID] = taskID
}

func (s *rowSnapshots) popTask(rowID int64) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tasks[rowID]
	delete(s.tasks, rowID)
	return v, ok
}

func (s *rowSnapshots) putAttempt(rowID int64, taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[rowID] = taskID
}

func (s *rowSnapshots) popAttempt(rowID int64) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attempts[rowID]
	delete(s.attempts, rowID)
	return v, ok
}

func (s *rowSnapshots) putProcess(rowID int64, processID, attemptID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[rowID] = processSnapshot{processID: processID, attemptID: attemptID}
}

func (s *rowSnapshots) popProcess(rowID int64) (processSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.processes[rowID]
	delete(s.processes, rowID)
	return v, ok
}

func (s *rowSnapshots) putDraft(rowID int64, attemptID uuid.UUID, draftType domain.DraftType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[rowID] = draftSnapshot{attemptID: attemptID, draftType: draftType}
}

func (s *rowSnapshots) popDraft(rowID int64) (draftSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.drafts[rowID]
	delete(s.drafts, rowID)
	return v, ok
}
