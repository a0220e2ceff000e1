// Package domain holds the core data model shared by every component of the
// task-attempt orchestration core: projects, tasks, task attempts, execution
// processes, executor sessions, drafts and tags.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle stage of a Task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusInReview   TaskStatus = "in-review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Project is immutable from the core's perspective.
type Project struct {
	ID            uuid.UUID
	SetupScript   *string
	CleanupScript *string
	GitRepoPath   string
}

// Task is a unit of work that may be attempted one or more times.
// ParentTaskAttempt records that this task was spawned by an existing
// attempt's execution; the resulting graph is acyclic by construction since
// a child can only be created from an attempt that already exists.
type Task struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Title             string
	Description       *string
	Status            TaskStatus
	ParentTaskAttempt *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TaskAttempt is one materialized try at a Task. ContainerRef is nil until
// the worktree has been materialized, after which it holds the absolute
// worktree path.
type TaskAttempt struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	Executor     string
	ContainerRef *string
	BaseBranch   string
	CreatedAt    time.Time
}

// RunReason is the role a given execution process plays in its attempt's
// lifecycle.
type RunReason string

const (
	RunReasonSetupScript  RunReason = "setup-script"
	RunReasonCodingAgent  RunReason = "coding-agent"
	RunReasonCleanup      RunReason = "cleanup-script"
	RunReasonDevServer    RunReason = "dev-server"
)

// ExecutionStatus is the terminal or in-flight state of an ExecutionProcess.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusKilled    ExecutionStatus = "killed"
)

// ExecutionProcess is a single subprocess execution against an attempt's
// worktree. BeforeHeadCommit is captured at creation time and is the
// baseline against which this process's worktree diff is computed.
type ExecutionProcess struct {
	ID               uuid.UUID
	TaskAttemptID    uuid.UUID
	RunReason        RunReason
	ExecutorAction   ExecutorAction
	Status           ExecutionStatus
	ExitCode         *int
	BeforeHeadCommit *string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// ExecutorSession tracks the agent-assigned session id needed to resume a
// conversation via a follow-up request.
type ExecutorSession struct {
	ID                 uuid.UUID
	ExecutionProcessID uuid.UUID
	TaskAttemptID      uuid.UUID
	Prompt             *string
	SessionID          *string
}

// DraftType distinguishes a staged follow-up prompt from a staged retry.
type DraftType string

const (
	DraftTypeFollowUp DraftType = "follow-up"
	DraftTypeRetry    DraftType = "retry"
)

// Draft is a single-slot, keyed-by-(attempt,type) staged prompt. See
// internal/draftstore for the operations and state machine that mutate it.
type Draft struct {
	ID              uuid.UUID
	TaskAttemptID   uuid.UUID
	DraftType       DraftType
	RetryProcessID  *uuid.UUID
	Prompt          string
	Queued          bool
	Sending         bool
	Variant         *string
	ImageIDs        []uuid.UUID
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Tag is a simple label, many-to-many with tasks. Out of scope for control
// flow; kept only as a read-side join, recovered from original_source's
// task listing.
type Tag struct {
	ID   uuid.UUID
	Name string
}

// TaskTag is the join row between Task and Tag.
type TaskTag struct {
	TaskID uuid.UUID
	TagID  uuid.UUID
}

// MergeStatus is the derived "has this attempt been merged into base"
// projection. Nothing in this module currently materializes a merges
// table to back it, so it's kept as an explicit unresolved state rather
// than guessing at a join that doesn't exist yet.
type MergeStatus int

const (
	MergeStatusUnknown MergeStatus = iota
	MergeStatusMerged
	MergeStatusNotMerged
)

// TaskDerivedStatus is the per-task projection re-materialized whenever a
// task attempt or execution process changes.
type TaskDerivedStatus struct {
	TaskID               uuid.UUID
	HasInProgressAttempt bool
	LastAttemptFailed    bool
	Executor             string
	Merged               MergeStatus
}
