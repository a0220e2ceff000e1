package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/executor"
	"github.com/taskattempts/core/internal/worktree"
)

// nextRunReason derives the run_reason the successor action runs under:
// setup → coding-agent; coding-agent → cleanup-script; other → keep.
func nextRunReason(current domain.RunReason) domain.RunReason {
	switch current {
	case domain.RunReasonSetupScript:
		return domain.RunReasonCodingAgent
	case domain.RunReasonCodingAgent:
		return domain.RunReasonCleanup
	default:
		return current
	}
}

// ChainNextAction resolves the successor of a just-completed execution
// process's action and starts it. Before chaining it commits any pending
// worktree changes with a stage-appropriate message; a zero-change commit
// is a no-op, not an error.
func (o *Orchestrator) ChainNextAction(ctx context.Context, ac *attemptContext, completedProcessID uuid.UUID, completedAction *domain.ExecutorAction) error {
	var runReasonStr string
	if err := o.db.QueryRow(`SELECT run_reason FROM execution_processes WHERE id = ?`, completedProcessID.String()).Scan(&runReasonStr); err != nil {
		return fmt.Errorf("load completed process run_reason: %w", err)
	}
	runReason := domain.RunReason(runReasonStr)

	next := completedAction.NextAction
	if next == nil {
		if runReason == domain.RunReasonSetupScript {
			// Contract violation: a setup script must always chain to
			// something. Overwrite the row this process just completed
			// as failed so the attempt halts visibly instead of silently
			// succeeding with nothing left to do.
			_, err := o.db.Exec(`UPDATE execution_processes SET status = ? WHERE id = ?`,
				string(domain.ExecutionStatusFailed), completedProcessID.String())
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: setup script completed with no next_action", domain.ErrValidation)
		}
		return nil
	}

	if ac.attempt.ContainerRef != nil {
		msg := fmt.Sprintf("%s: checkpoint", runReason)
		if _, _, err := worktree.TryCommitChanges(*ac.attempt.ContainerRef, msg); err != nil {
			return fmt.Errorf("commit worktree before chaining: %w", err)
		}
	}

	_, err := o.StartExecutionProcess(ctx, ac, next)
	return err
}

// ExitPlanModeTool: a coding-agent tool call requesting "exit plan mode"
// stops the current process (marked completed,
// exit code 0, not killed), then resumes the same conversation with a
// follow-up request approving the plan, preserving whatever cleanup chain
// the original action carried.
func (o *Orchestrator) ExitPlanModeTool(ctx context.Context, processID uuid.UUID) error {
	var (
		attemptIDStr, actionJSON string
	)
	if err := o.db.QueryRow(`SELECT task_attempt_id, executor_action FROM execution_processes WHERE id = ?`, processID.String()).
		Scan(&attemptIDStr, &actionJSON); err != nil {
		return fmt.Errorf("load execution process: %w", err)
	}
	attemptID, err := uuid.Parse(attemptIDStr)
	if err != nil {
		return err
	}
	var current domain.ExecutorAction
	if err := current.UnmarshalJSON([]byte(actionJSON)); err != nil {
		return fmt.Errorf("decode executor action: %w", err)
	}

	sessionID, err := o.sessionIDForProcess(processID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("%w: exit-plan-mode requires a prior session_id", domain.ErrValidation)
	}

	setForcedOutcome(processID, forcedOutcome{status: domain.ExecutionStatusCompleted, exitCode: 0})
	if err := o.stopProcessNoOverride(attemptID); err != nil {
		return err
	}

	profileID, _ := current.ExecutorProfileID()
	defaultProfile := executor.ParseProfileID(profileID).ToDefaultVariant()

	followUp := &domain.ExecutorAction{
		Type: domain.ActionCodingAgentFollowUp,
		FollowUp: &domain.CodingAgentFollowUpRequest{
			Prompt:            "The plan has been approved, please execute it.",
			SessionID:         sessionID,
			ExecutorProfileID: defaultProfile.String(),
		},
		NextAction: current.NextAction,
	}

	ac, err := o.loadAttemptContext(attemptID)
	if err != nil {
		return err
	}
	_, err = o.StartExecutionProcess(ctx, ac, followUp)
	return err
}

func (o *Orchestrator) sessionIDForProcess(processID uuid.UUID) (string, error) {
	var sessionID sql.NullString
	err := o.db.QueryRow(`SELECT session_id FROM executor_sessions WHERE execution_process_id = ?`, processID.String()).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load executor session: %w", err)
	}
	return sessionID.String, nil
}

// stopProcessNoOverride waits up to a bounded grace period for the running
// process on attemptID to exit on its own after a graceful signal, force
// killing it otherwise — shared by Stop and ExitPlanModeTool, which differ
// only in what terminal status they force via setForcedOutcome beforehand.
func (o *Orchestrator) stopProcessNoOverride(attemptID uuid.UUID) error {
	rp, ok := o.runningFor(attemptID)
	if !ok {
		return nil
	}
	if err := rp.handle.Terminate(); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rp.handle.Wait(waitCtx); err != nil {
		_ = rp.handle.Kill()
	}
	rp.cancel()
	return nil
}
