package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// MaybeDispatchFollowUp: when attemptID's follow-up draft is queued and
// non-empty, and no process is currently running for the attempt, claim
// it via try_mark_sending and start it as a
// new coding-agent execution. While a process is running for the attempt,
// or on a CAS miss (someone else is already sending, or the draft state
// changed underneath), it schedules one delayed recheck (~1.2s) rather than
// looping. A missing, unqueued or empty draft, or an error from the CAS
// itself, returns without scheduling a recheck.
func (o *Orchestrator) MaybeDispatchFollowUp(ctx context.Context, attemptID uuid.UUID) {
	draft, err := o.drafts.Find(attemptID, domain.DraftTypeFollowUp)
	if err != nil || draft == nil {
		return
	}
	if !draft.Queued || strings.TrimSpace(draft.Prompt) == "" {
		return
	}
	if o.hasRunningProcess(attemptID) {
		o.scheduleRecheck(ctx, attemptID)
		return
	}

	ok, err := o.drafts.TryMarkSending(attemptID, domain.DraftTypeFollowUp)
	if err != nil {
		return
	}
	if !ok {
		o.scheduleRecheck(ctx, attemptID)
		return
	}

	if err := o.startFollowUpFromDraft(ctx, attemptID, draft); err != nil {
		// Best effort: the draft stays marked sending=1 and queued=1, so a
		// future recheck or manual retry can pick it up; we do not clear it
		// on failure to start.
		return
	}
	_ = o.drafts.ClearAfterSend(attemptID, domain.DraftTypeFollowUp)
}

func (o *Orchestrator) scheduleRecheck(ctx context.Context, attemptID uuid.UUID) {
	o.recheckMu.Lock()
	if o.recheck[attemptID] {
		o.recheckMu.Unlock()
		return
	}
	o.recheck[attemptID] = true
	o.recheckMu.Unlock()

	time.AfterFunc(recheckDelay, func() {
		o.recheckMu.Lock()
		delete(o.recheck, attemptID)
		o.recheckMu.Unlock()
		o.MaybeDispatchFollowUp(ctx, attemptID)
	})
}

// startFollowUpFromDraft builds and starts the follow-up execution a
// claimed draft describes: the worktree is ensured, a prior session_id is
// required, the latest coding-agent executor profile is inherited
// (overridden by the draft's variant if it specifies one), and a cleanup
// action is chained when the project declares one.
func (o *Orchestrator) startFollowUpFromDraft(ctx context.Context, attemptID uuid.UUID, draft *domain.Draft) error {
	ac, err := o.loadAttemptContext(attemptID)
	if err != nil {
		return err
	}

	sessionID, err := o.latestSessionID(attemptID)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("%w: follow-up dispatch requires a prior session_id", domain.ErrValidation)
	}

	profileID, err := o.latestCodingAgentProfile(attemptID)
	if err != nil {
		return err
	}
	if draft.Variant != nil {
		parsed := parseAndOverrideVariant(profileID, *draft.Variant)
		profileID = parsed
	}

	containerRef, err := o.worktrees.EnsureContainerExists(ac.attempt, ac.task, ac.project, nil)
	if err != nil {
		return fmt.Errorf("ensure worktree: %w", err)
	}
	ac.attempt.ContainerRef = &containerRef

	prompt := canonicalizeImagePaths(draft.Prompt, containerRef)

	var cleanup *domain.ExecutorAction
	if ac.project.CleanupScript != nil {
		cleanup = &domain.ExecutorAction{
			Type:   domain.ActionScriptRequest,
			Script: &domain.ScriptRequest{Script: *ac.project.CleanupScript, Language: "bash", Context: domain.ScriptContextCleanup},
		}
	}

	action := &domain.ExecutorAction{
		Type: domain.ActionCodingAgentFollowUp,
		FollowUp: &domain.CodingAgentFollowUpRequest{
			Prompt: prompt, SessionID: sessionID, ExecutorProfileID: profileID,
		},
		NextAction: cleanup,
	}

	_, err = o.StartExecutionProcess(ctx, ac, action)
	return err
}

func parseAndOverrideVariant(profileID, variant string) string {
	executorName := profileID
	if idx := strings.IndexByte(profileID, '/'); idx >= 0 {
		executorName = profileID[:idx]
	}
	if variant == "" {
		return executorName
	}
	return executorName + "/" + variant
}

func (o *Orchestrator) latestSessionID(attemptID uuid.UUID) (string, error) {
	var sessionID sql.NullString
	err := o.db.QueryRow(
		`SELECT session_id FROM executor_sessions WHERE task_attempt_id = ? AND session_id IS NOT NULL
		 ORDER BY rowid DESC LIMIT 1`, attemptID.String(),
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sessionID.String, nil
}

func (o *Orchestrator) latestCodingAgentProfile(attemptID uuid.UUID) (string, error) {
	var actionJSON string
	err := o.db.QueryRow(
		`SELECT executor_action FROM execution_processes
		  WHERE task_attempt_id = ? AND run_reason = ?
		  ORDER BY rowid DESC LIMIT 1`,
		attemptID.String(), string(domain.RunReasonCodingAgent),
	).Scan(&actionJSON)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: no prior coding-agent execution for attempt", domain.ErrValidation)
	}
	if err != nil {
		return "", err
	}
	var action domain.ExecutorAction
	if err := action.UnmarshalJSON([]byte(actionJSON)); err != nil {
		return "", err
	}
	id, _ := action.ExecutorProfileID()
	return id, nil
}

// DeleteRetryDraft implements the DELETE /drafts?type=retry route: remove
// the retry draft and emit the synthetic deletion event consumers rely on,
// since a plain DELETE leaves nothing for the DB hook to resolve an id from.
func (o *Orchestrator) DeleteRetryDraft(attemptID uuid.UUID) error {
	if err := o.drafts.ClearAfterSend(attemptID, domain.DraftTypeRetry); err != nil {
		return err
	}
	if o.bus != nil {
		o.bus.EmitDeletedRetryDraftForAttempt(attemptID)
	}
	return nil
}
