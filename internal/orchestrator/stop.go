package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// Stop terminates the running process on attemptID: a graceful signal, a
// bounded wait, then force-kill if still alive; the final row status is
// killed, Finished is pushed into the message store, and persisted logs
// are left in place.
func (o *Orchestrator) Stop(attemptID uuid.UUID) error {
	rp, ok := o.runningFor(attemptID)
	if !ok {
		return nil
	}
	setForcedOutcome(rp.processID, forcedOutcome{status: domain.ExecutionStatusKilled, exitCode: -1})
	return o.stopProcessNoOverride(attemptID)
}

// StopByAttempt adapts Stop to worktree.StopFunc's signature so the
// worktree service can stop an attempt's processes before removing its
// worktree: stop all processes, then remove.
func (o *Orchestrator) StopByAttempt(attemptID uuid.UUID) error {
	if err := o.Stop(attemptID); err != nil {
		return fmt.Errorf("stop attempt %s before delete: %w", attemptID, err)
	}
	return nil
}
