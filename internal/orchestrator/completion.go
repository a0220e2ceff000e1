package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/executor"
	"github.com/taskattempts/core/internal/messagestore"
)

// forcedOutcome overrides the status/exit_code a completing process would
// otherwise be given from its real exit code — used by Stop and
// ExitPlanModeTool, which both need to record a specific terminal state
// (killed; completed/0) regardless of what the subprocess itself reports.
type forcedOutcome struct {
	status   domain.ExecutionStatus
	exitCode int
}

var forcedMu sync.Mutex
var forced = map[uuid.UUID]forcedOutcome{}

func setForcedOutcome(processID uuid.UUID, o forcedOutcome) {
	forcedMu.Lock()
	forced[processID] = o
	forcedMu.Unlock()
}

func takeForcedOutcome(processID uuid.UUID) (forcedOutcome, bool) {
	forcedMu.Lock()
	defer forcedMu.Unlock()
	o, ok := forced[processID]
	if ok {
		delete(forced, processID)
	}
	return o, ok
}

// awaitCompletion waits for a spawned subprocess to exit and finalizes its
// execution-process row.
func (o *Orchestrator) awaitCompletion(ctx context.Context, ac *attemptContext, processID uuid.UUID, handle executor.Handle, store *messagestore.Store, action *domain.ExecutorAction) {
	exitCode, _ := handle.Wait(ctx)

	status := domain.ExecutionStatusCompleted
	if exitCode != 0 {
		status = domain.ExecutionStatusFailed
	}
	if out, ok := takeForcedOutcome(processID); ok {
		status = out.status
		exitCode = out.exitCode
	}

	o.clearRunning(ac.attempt.ID, processID)
	o.finishExecution(ctx, ac, processID, status, exitCode, store, action)
}

// finishExecution persists the terminal state, signals the message store,
// and — only on success — chains the next action; a failure halts
// chaining for the attempt.
func (o *Orchestrator) finishExecution(ctx context.Context, ac *attemptContext, processID uuid.UUID, status domain.ExecutionStatus, exitCode int, store *messagestore.Store, action *domain.ExecutorAction) {
	_, _ = o.db.Exec(
		`UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), exitCode, processID.String(),
	)
	if store != nil {
		store.PushFinished()
	}

	if status != domain.ExecutionStatusCompleted {
		return
	}
	_ = o.ChainNextAction(ctx, ac, processID, action)
}

// finalizeExecutionProcess marks a process that never successfully spawned
// as failed, with no log content to persist.
func (o *Orchestrator) finalizeExecutionProcess(processID, attemptID uuid.UUID, status domain.ExecutionStatus, exitCode *int, store *messagestore.Store) error {
	code := -1
	if exitCode != nil {
		code = *exitCode
	}
	_, err := o.db.Exec(
		`UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), code, processID.String(),
	)
	if store != nil {
		store.PushFinished()
	}
	return err
}

