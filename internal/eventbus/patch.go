package eventbus

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// PatchOp is one RFC 6902-shaped JSON Patch operation. No third-party JSON
// Patch library is pulled in here: this module only constructs patches for
// SSE consumers to apply client-side, it never applies one itself, so a
// plain struct carries the wire shape without an unused apply/parse surface.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is a JSON Patch document: a sequence of operations applied in
// order.
type Patch []PatchOp

func replacePatch(path string, value any) Patch {
	return Patch{{Op: "replace", Path: path, Value: value}}
}

func addPatch(path string, value any) Patch {
	return Patch{{Op: "add", Path: path, Value: value}}
}

func removePatch(path string) Patch {
	return Patch{{Op: "remove", Path: path}}
}

func taskStreamPath(taskID uuid.UUID) string {
	return "/tasks/" + taskID.String()
}

func draftStreamPath(kind, attemptID string) string {
	return "/task_attempts/" + attemptID + "/" + kind + "_draft"
}

func executionProcessStreamPath(processID uuid.UUID) string {
	return "/execution_processes/" + processID.String()
}

// TaskPatch builds the direct patch for a task's derived-status projection.
func TaskPatch(op string, status *domain.TaskDerivedStatus) Patch {
	switch op {
	case "add":
		return addPatch(taskStreamPath(status.TaskID), status)
	default:
		return replacePatch(taskStreamPath(status.TaskID), status)
	}
}

// TaskRemovePatch builds the patch for a deleted task.
func TaskRemovePatch(taskID uuid.UUID) Patch {
	return removePatch(taskStreamPath(taskID))
}

// ExecutionProcessPatch builds the direct patch for an execution-process
// row, keyed by its own id.
func ExecutionProcessPatch(op string, p *domain.ExecutionProcess) Patch {
	switch op {
	case "add":
		return addPatch(executionProcessStreamPath(p.ID), p)
	default:
		return replacePatch(executionProcessStreamPath(p.ID), p)
	}
}

// ExecutionProcessRemovePatch builds the patch for a deleted execution
// process.
func ExecutionProcessRemovePatch(processID uuid.UUID) Patch {
	return removePatch(executionProcessStreamPath(processID))
}

// DraftReplacePatch builds the keyed-stream patch for a follow-up or retry
// draft replacement.
func DraftReplacePatch(d *domain.Draft) Patch {
	kind := "follow_up"
	if d.DraftType == domain.DraftTypeRetry {
		kind = "retry"
	}
	return replacePatch(draftStreamPath(kind, d.TaskAttemptID.String()), d)
}

// DraftClearPatch builds the keyed-stream clear patch for a draft that was
// deleted (retry) or reset to empty (follow-up).
func DraftClearPatch(draftType domain.DraftType, attemptID uuid.UUID) Patch {
	kind := "follow_up"
	if draftType == domain.DraftTypeRetry {
		kind = "retry"
	}
	return replacePatch(draftStreamPath(kind, attemptID.String()), nil)
}

// GenericAppendPatch is the fallback for record types with no keyed stream:
// it appends the record to a monotonically increasing /entries/N path.
func GenericAppendPatch(entryNumber uint64, dbOp string, record RecordTypes) Patch {
	return addPatch(entriesPath(entryNumber), genericEntry{DBOp: dbOp, Record: record})
}

func entriesPath(n uint64) string {
	return "/entries/" + strconv.FormatUint(n, 10)
}

type genericEntry struct {
	DBOp   string      `json:"db_op"`
	Record RecordTypes `json:"record"`
}
