// Package eventbus translates row-level SQLite mutations (store.HookEvent)
// into JSON Patch events published on keyed message-store streams: a direct
// patch on the record's keyed stream when one exists, a generic
// append-to-/entries/N patch otherwise, plus the compensating synthetic
// deletion event a draft delete can't recover from the hook alone.
package eventbus

import (
	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// HookTable names the four tables the row-change hook is attached to.
type HookTable string

const (
	TableTasks              HookTable = "tasks"
	TableTaskAttempts       HookTable = "task_attempts"
	TableExecutionProcesses HookTable = "execution_processes"
	TableDrafts             HookTable = "drafts"
)

// RecordKind tags which variant a resolved RecordTypes value holds.
type RecordKind string

const (
	RecordTask                    RecordKind = "task"
	RecordTaskAttempt             RecordKind = "task_attempt"
	RecordExecutionProcess        RecordKind = "execution_process"
	RecordDraft                   RecordKind = "draft"
	RecordRetryDraft              RecordKind = "retry_draft"
	RecordDeletedTask             RecordKind = "deleted_task"
	RecordDeletedTaskAttempt      RecordKind = "deleted_task_attempt"
	RecordDeletedExecutionProcess RecordKind = "deleted_execution_process"
	RecordDeletedDraft            RecordKind = "deleted_draft"
)

// RecordTypes is the tagged union the hook resolves a rowid into. Exactly
// the fields relevant to Kind are populated.
type RecordTypes struct {
	Kind RecordKind

	Task             *domain.TaskDerivedStatus
	TaskAttempt      *domain.TaskAttempt
	ExecutionProcess *domain.ExecutionProcess
	Draft            *domain.Draft

	// Deletion variants: the row is already gone, so only the ids the
	// pre-delete lookup could recover are carried.
	DeletedRowID        int64
	DeletedProjectID     *uuid.UUID
	DeletedTaskID        *uuid.UUID
	DeletedTaskAttemptID *uuid.UUID
	DeletedProcessID     *uuid.UUID
	DeletedDraftType     domain.DraftType
}
