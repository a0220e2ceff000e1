// Package orchestrator is the Execution Orchestrator: it starts, chains,
// and stops subprocess executions against a per-attempt worktree, owns
// their live message stores, persists log streams and session ids, and
// dispatches queued follow-up drafts. Its control flow is the same shape
// throughout — spawn a process, stream its output, resolve what runs next
// — applied to a fixed attempt lifecycle (setup → coding agent → cleanup,
// plus follow-ups and retries) rather than an arbitrary graph of steps.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/draftstore"
	"github.com/taskattempts/core/internal/eventbus"
	"github.com/taskattempts/core/internal/executor"
	"github.com/taskattempts/core/internal/executoraction"
	"github.com/taskattempts/core/internal/gitengine"
	"github.com/taskattempts/core/internal/messagestore"
	"github.com/taskattempts/core/internal/worktree"
)

// recheckDelay is the fixed delayed-recheck interval for draft dispatch:
// a single fixed delay, not exponential backoff, and it runs at most once
// per trigger.
const recheckDelay = 1200 * time.Millisecond

// Worktrees is the subset of worktree.Service the orchestrator depends on,
// narrowed to keep this package testable against a fake.
type Worktrees interface {
	EnsureContainerExists(attempt domain.TaskAttempt, task domain.Task, project domain.Project, copyGlobs []string) (string, error)
	Delete(attempt domain.TaskAttempt, repoDir string, stop worktree.StopFunc) error
}

// Orchestrator owns every in-flight execution process and the message
// stores they write to.
type Orchestrator struct {
	db        *sql.DB
	worktrees Worktrees
	drafts    *draftstore.Store
	bus       *eventbus.Bus

	logsMu sync.RWMutex
	logs   map[uuid.UUID]*messagestore.Store // execution_process_id -> live store

	runningMu sync.Mutex
	running   map[uuid.UUID]*runningProcess // task_attempt_id -> current process

	recheckMu sync.Mutex
	recheck   map[uuid.UUID]bool // task_attempt_id -> recheck already scheduled
}

type runningProcess struct {
	processID uuid.UUID
	handle    executor.Handle
	cancel    context.CancelFunc
}

// New builds an Orchestrator over an already-migrated DB, a worktree
// service, the draft store, and the change-event bus.
func New(db *sql.DB, worktrees Worktrees, drafts *draftstore.Store, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		db:        db,
		worktrees: worktrees,
		drafts:    drafts,
		bus:       bus,
		logs:      make(map[uuid.UUID]*messagestore.Store),
		running:   make(map[uuid.UUID]*runningProcess),
		recheck:   make(map[uuid.UUID]bool),
	}
}

// LogStore returns the live message store for a running or recently
// completed execution process, or nil if none is held in memory — callers
// needing history after process exit and GC should read the execution_logs
// table instead.
func (o *Orchestrator) LogStore(processID uuid.UUID) *messagestore.Store {
	o.logsMu.RLock()
	defer o.logsMu.RUnlock()
	return o.logs[processID]
}

func (o *Orchestrator) setLogStore(processID uuid.UUID, store *messagestore.Store) {
	o.logsMu.Lock()
	o.logs[processID] = store
	o.logsMu.Unlock()
}

func (o *Orchestrator) hasRunningProcess(attemptID uuid.UUID) bool {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	_, ok := o.running[attemptID]
	return ok
}

func (o *Orchestrator) setRunning(attemptID uuid.UUID, rp *runningProcess) {
	o.runningMu.Lock()
	o.running[attemptID] = rp
	o.runningMu.Unlock()
}

func (o *Orchestrator) clearRunning(attemptID, processID uuid.UUID) {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	if cur, ok := o.running[attemptID]; ok && cur.processID == processID {
		delete(o.running, attemptID)
	}
}

func (o *Orchestrator) runningFor(attemptID uuid.UUID) (*runningProcess, bool) {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	rp, ok := o.running[attemptID]
	return rp, ok
}

// attemptContext is the joined (attempt, task, project) row-set most
// operations need.
type attemptContext struct {
	attempt domain.TaskAttempt
	task    domain.Task
	project domain.Project
}

func (o *Orchestrator) loadAttemptContext(attemptID uuid.UUID) (*attemptContext, error) {
	row := o.db.QueryRow(`
		SELECT ta.id, ta.task_id, ta.executor, ta.container_ref, ta.base_branch, ta.created_at,
		       t.id, t.project_id, t.title, t.description, t.status, t.parent_task_attempt, t.created_at, t.updated_at,
		       p.id, p.setup_script, p.cleanup_script, p.git_repo_path
		  FROM task_attempts ta
		  JOIN tasks t ON t.id = ta.task_id
		  JOIN projects p ON p.id = t.project_id
		 WHERE ta.id = ?`, attemptID.String())

	var (
		attemptIDStr, taskIDAttempt, executorName, baseBranch string
		containerRef                                          sql.NullString
		attemptCreatedAt                                      time.Time

		taskIDStr, projectIDTask, title string
		description                     sql.NullString
		status                          string
		parentTaskAttempt               sql.NullString
		taskCreatedAt, taskUpdatedAt    time.Time

		projectIDStr  string
		setupScript   sql.NullString
		cleanupScript sql.NullString
		gitRepoPath   string
	)
	if err := row.Scan(
		&attemptIDStr, &taskIDAttempt, &executorName, &containerRef, &baseBranch, &attemptCreatedAt,
		&taskIDStr, &projectIDTask, &title, &description, &status, &parentTaskAttempt, &taskCreatedAt, &taskUpdatedAt,
		&projectIDStr, &setupScript, &cleanupScript, &gitRepoPath,
	); err != nil {
		return nil, fmt.Errorf("load attempt context: %w", err)
	}

	attemptID2, err := uuid.Parse(attemptIDStr)
	if err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		return nil, err
	}
	projectID, err := uuid.Parse(projectIDStr)
	if err != nil {
		return nil, err
	}

	ac := &attemptContext{
		attempt: domain.TaskAttempt{
			ID: attemptID2, TaskID: taskID, Executor: executorName, BaseBranch: baseBranch, CreatedAt: attemptCreatedAt,
		},
		task: domain.Task{
			ID: taskID, ProjectID: projectID, Title: title, Status: domain.TaskStatus(status),
			CreatedAt: taskCreatedAt, UpdatedAt: taskUpdatedAt,
		},
		project: domain.Project{ID: projectID, GitRepoPath: gitRepoPath},
	}
	if containerRef.Valid {
		ac.attempt.ContainerRef = &containerRef.String
	}
	if description.Valid {
		ac.task.Description = &description.String
	}
	if parentTaskAttempt.Valid {
		id, err := uuid.Parse(parentTaskAttempt.String)
		if err == nil {
			ac.task.ParentTaskAttempt = &id
		}
	}
	if setupScript.Valid {
		ac.project.SetupScript = &setupScript.String
	}
	if cleanupScript.Valid {
		ac.project.CleanupScript = &cleanupScript.String
	}
	return ac, nil
}

// buildActionChain constructs the action chain for a fresh attempt run:
// Script(setup) → CodingAgentInitial → Script(cleanup)? when the project
// has a setup script, otherwise CodingAgentInitial → Script(cleanup)?.
func buildActionChain(project domain.Project, executorProfileID, prompt string) *domain.ExecutorAction {
	var cleanup *domain.ExecutorAction
	if project.CleanupScript != nil {
		cleanup = &domain.ExecutorAction{
			Type:   domain.ActionScriptRequest,
			Script: &domain.ScriptRequest{Script: *project.CleanupScript, Language: "bash", Context: domain.ScriptContextCleanup},
		}
	}

	agent := &domain.ExecutorAction{
		Type:       domain.ActionCodingAgentInitial,
		Initial:    &domain.CodingAgentInitialRequest{Prompt: prompt, ExecutorProfileID: executorProfileID},
		NextAction: cleanup,
	}

	if project.SetupScript != nil {
		return &domain.ExecutorAction{
			Type:       domain.ActionScriptRequest,
			Script:     &domain.ScriptRequest{Script: *project.SetupScript, Language: "bash", Context: domain.ScriptContextSetup},
			NextAction: agent,
		}
	}
	return agent
}

// runReasonFor maps an action's leaf type to the run_reason its execution
// process row should carry.
func runReasonFor(action *domain.ExecutorAction) domain.RunReason {
	switch action.Type {
	case domain.ActionScriptRequest:
		if action.Script.Context == domain.ScriptContextSetup {
			return domain.RunReasonSetupScript
		}
		return domain.RunReasonCleanup
	default:
		return domain.RunReasonCodingAgent
	}
}

// StartAttempt begins a fresh attempt run: ensures the worktree, builds
// the setup/agent/cleanup action chain, starts the first action, and
// transitions the parent task to in-progress.
func (o *Orchestrator) StartAttempt(ctx context.Context, attemptID uuid.UUID, executorProfileID, prompt string, copyGlobs []string) (uuid.UUID, error) {
	ac, err := o.loadAttemptContext(attemptID)
	if err != nil {
		return uuid.Nil, err
	}

	containerRef, err := o.worktrees.EnsureContainerExists(ac.attempt, ac.task, ac.project, copyGlobs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure worktree: %w", err)
	}
	ac.attempt.ContainerRef = &containerRef

	prompt = canonicalizeImagePaths(prompt, containerRef)
	chain := buildActionChain(ac.project, executorProfileID, prompt)

	processID, err := o.StartExecutionProcess(ctx, ac, chain)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := o.db.Exec(`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(domain.TaskStatusInProgress), ac.task.ID.String()); err != nil {
		return processID, fmt.Errorf("transition task to in-progress: %w", err)
	}
	return processID, nil
}

// StartExecutionProcess starts one subprocess for action against
// ac.attempt's worktree.
func (o *Orchestrator) StartExecutionProcess(ctx context.Context, ac *attemptContext, action *domain.ExecutorAction) (uuid.UUID, error) {
	if err := executoraction.Validate(*action); err != nil {
		return uuid.Nil, err
	}
	if ac.attempt.ContainerRef == nil {
		return uuid.Nil, fmt.Errorf("%w: attempt has no worktree", domain.ErrValidation)
	}
	containerRef := *ac.attempt.ContainerRef

	var beforeHead *string
	if sha, err := gitengine.HeadSHA(containerRef); err == nil {
		beforeHead = &sha
	}

	processID := uuid.New()
	runReason := runReasonFor(action)
	actionJSON, err := action.MarshalJSON()
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal executor action: %w", err)
	}

	if _, err := o.db.Exec(
		`INSERT INTO execution_processes (id, task_attempt_id, run_reason, executor_action, status, before_head_commit)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		processID.String(), ac.attempt.ID.String(), string(runReason), string(actionJSON), string(domain.ExecutionStatusRunning), beforeHead,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert execution process: %w", err)
	}

	var sessionID *string
	if prompt, ok := action.Prompt(); ok {
		sessionRowID := uuid.New()
		if _, err := o.db.Exec(
			`INSERT INTO executor_sessions (id, execution_process_id, task_attempt_id, prompt) VALUES (?, ?, ?, ?)`,
			sessionRowID.String(), processID.String(), ac.attempt.ID.String(), prompt,
		); err != nil {
			return uuid.Nil, fmt.Errorf("insert executor session: %w", err)
		}
		if action.Type == domain.ActionCodingAgentFollowUp {
			sessionID = &action.FollowUp.SessionID
		}
	}

	profileID, _ := action.ExecutorProfileID()
	var profile executor.Profile
	if profileID != "" {
		p, err := executor.Resolve(executor.ParseProfileID(profileID))
		if err != nil {
			return uuid.Nil, err
		}
		profile = p
	}

	store := messagestore.New()
	o.setLogStore(processID, store)

	procCtx, cancel := context.WithCancel(ctx)

	var handle executor.Handle
	if profile != nil {
		req := executor.SpawnRequest{WorkDir: containerRef}
		if prompt, ok := action.Prompt(); ok {
			req.Prompt = prompt
		}
		if sessionID != nil {
			req.SessionID = *sessionID
		}
		h, err := profile.Spawn(procCtx, req, store)
		if err != nil {
			cancel()
			_ = o.finalizeExecutionProcess(processID, ac.attempt.ID, domain.ExecutionStatusFailed, nil, store)
			return uuid.Nil, fmt.Errorf("spawn executor: %w", err)
		}
		handle = h
		go profile.Normalize(procCtx, store)
	} else {
		// Script-only actions carry no executor_profile_id to resolve; they
		// run through the same bare-shell spawn path, so Stop still reaches
		// them.
		h, err := executor.SpawnShell(procCtx, containerRef, action.Script.Script, store)
		if err != nil {
			cancel()
			_ = o.finalizeExecutionProcess(processID, ac.attempt.ID, domain.ExecutionStatusFailed, nil, store)
			return uuid.Nil, fmt.Errorf("spawn script: %w", err)
		}
		handle = h
	}

	o.setRunning(ac.attempt.ID, &runningProcess{processID: processID, handle: handle, cancel: cancel})
	go o.writeLogs(processID, store)
	go o.awaitCompletion(procCtx, ac, processID, handle, store, action)

	return processID, nil
}

// writeLogs is the persistent writer task, one per execution-process id:
// it drains store and appends stdout/stderr to the execution_logs table,
// updates the executor_session's session_id, and stops on Finished.
func (o *Orchestrator) writeLogs(processID uuid.UUID, store *messagestore.Store) {
	ch, done, unsub := store.HistoryAndTail(nil)
	defer unsub()
	var seq int64
	for {
		select {
		case <-done:
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			switch r.Kind {
			case messagestore.RecordStdout, messagestore.RecordStderr:
				_, _ = o.db.Exec(
					`INSERT INTO execution_logs (execution_process_id, seq, kind, content) VALUES (?, ?, ?, ?)`,
					processID.String(), seq, string(r.Kind), r.Content,
				)
				seq++
			case messagestore.RecordSessionID:
				_, _ = o.db.Exec(
					`UPDATE executor_sessions SET session_id = ? WHERE execution_process_id = ?`,
					r.Content, processID.String(),
				)
			case messagestore.RecordFinished:
				return
			}
		}
	}
}
