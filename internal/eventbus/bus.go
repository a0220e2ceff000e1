package eventbus

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/messagestore"
	"github.com/taskattempts/core/internal/store"
)

// Bus is the event service: it consumes store.HookEvent values, resolves
// them into RecordTypes, and publishes JSON Patch records onto keyed
// messagestore.Store streams, falling back to a generic append stream for
// record kinds with no keyed path. One Bus per process.
type Bus struct {
	db *sql.DB

	mu      sync.Mutex
	streams map[string]*messagestore.Store
	global  *messagestore.Store
	entries uint64

	snap *rowSnapshots

	dedupMu   sync.Mutex
	dedupSeen map[[32]byte]struct{}
	dedupFIFO [][32]byte
	dedupCap  int
}

// NewBus wires a Bus to the given (already migrated) database.
func NewBus(db *sql.DB) *Bus {
	return &Bus{
		db:        db,
		streams:   make(map[string]*messagestore.Store),
		global:    messagestore.New(),
		snap:      newRowSnapshots(),
		dedupSeen: make(map[[32]byte]struct{}),
		dedupCap:  4096,
	}
}

// Stream returns (creating on first use) the message store backing a
// logical keyed stream, such as "task:<uuid>" or "draft:<attempt>:<type>".
// Callers subscribe here for the direct-patch streams; the generic
// fallback stream is exposed separately via Global.
func (b *Bus) Stream(key string) *messagestore.Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[key]
	if !ok {
		s = messagestore.New()
		b.streams[key] = s
	}
	return s
}

// Global returns the fallback append-only stream used for record kinds
// that have no keyed stream of their own.
func (b *Bus) Global() *messagestore.Store { return b.global }

// HookFunc adapts Bus.handle into a store.HookFunc suitable for
// store.SetHook. Each event is dispatched on its own goroutine so the
// SQLite update-hook callback (which must not block) returns immediately.
func (b *Bus) HookFunc() store.HookFunc {
	return func(e store.HookEvent) {
		go b.handle(e)
	}
}

func (b *Bus) handle(e store.HookEvent) {
	switch HookTable(e.Table) {
	case TableTasks:
		b.handleTask(e)
	case TableTaskAttempts:
		b.handleTaskAttempt(e)
	case TableExecutionProcesses:
		b.handleExecutionProcess(e)
	case TableDrafts:
		b.handleDraft(e)
	default:
		// Not one of the four hooked tables; nothing to publish.
	}
}

func (b *Bus) handleTask(e store.HookEvent) {
	if e.Op == store.HookDelete {
		taskID, ok := b.snap.popTask(e.RowID)
		if !ok {
			// No snapshot to recover the id from; emit the generic
			// fallback so the deletion is at least observable.
			b.publishGeneric(e, RecordTypes{Kind: RecordDeletedTask, DeletedRowID: e.RowID})
			return
		}
		rt := RecordTypes{Kind: RecordDeletedTask, DeletedRowID: e.RowID, DeletedTaskID: &taskID}
		b.publishKeyed(e, rt, fmt.Sprintf("task:%s", taskID), TaskRemovePatch(taskID))
		return
	}

	taskID, err := taskIDByRowID(b.db, e.RowID)
	if err != nil {
		return
	}
	b.snap.putTask(e.RowID, taskID)

	status, err := resolveTaskDerivedStatus(b.db, taskID)
	if err != nil {
		return
	}
	op := "replace"
	if e.Op == store.HookInsert {
		op = "add"
	}
	rt := RecordTypes{Kind: RecordTask, Task: status}
	b.publishKeyed(e, rt, fmt.Sprintf("task:%s", taskID), TaskPatch(op, status))
}

func (b *Bus) handleTaskAttempt(e store.HookEvent) {
	if e.Op == store.HookDelete {
		taskID, ok := b.snap.popAttempt(e.RowID)
		if !ok {
			b.publishGeneric(e, RecordTypes{Kind: RecordDeletedTaskAttempt, DeletedRowID: e.RowID})
			return
		}
		b.rematerializeTask(e, taskID)
		return
	}

	taskID, err := taskIDForAttemptRowID(b.db, e.RowID)
	if err != nil {
		return
	}
	b.snap.putAttempt(e.RowID, taskID)
	b.rematerializeTask(e, taskID)
}

func (b *Bus) handleExecutionProcess(e store.HookEvent) {
	if e.Op == store.HookDelete {
		snapshot, ok := b.snap.popProcess(e.RowID)
		if !ok {
			b.publishGeneric(e, RecordTypes{Kind: RecordDeletedExecutionProcess, DeletedRowID: e.RowID})
			return
		}
		rt := RecordTypes{Kind: RecordDeletedExecutionProcess, DeletedRowID: e.RowID, DeletedProcessID: &snapshot.processID}
		b.publishKeyed(e, rt, fmt.Sprintf("execution_process:%s", snapshot.processID), ExecutionProcessRemovePatch(snapshot.processID))
		if taskID, err := taskIDForAttemptID(b.db, snapshot.attemptID); err == nil {
			b.rematerializeTask(e, taskID)
		}
		return
	}

	proc, err := executionProcessByRowID(b.db, e.RowID)
	if err != nil {
		return
	}
	b.snap.putProcess(e.RowID, proc.ID, proc.TaskAttemptID)

	op := "replace"
	if e.Op == store.HookInsert {
		op = "add"
	}
	rt := RecordTypes{Kind: RecordExecutionProcess, ExecutionProcess: proc}
	b.publishKeyed(e, rt, fmt.Sprintf("execution_process:%s", proc.ID), ExecutionProcessPatch(op, proc))

	// Re-materialize the parent task's derived status too: task-attempt and
	// execution-process mutations both ripple into the owning task's
	// projection.
	if taskID, err := taskIDForAttemptID(b.db, proc.TaskAttemptID); err == nil {
		b.rematerializeTask(e, taskID)
	}
}

func (b *Bus) handleDraft(e store.HookEvent) {
	if e.Op == store.HookDelete {
		snapshot, ok := b.snap.popDraft(e.RowID)
		if !ok {
			b.publishGeneric(e, RecordTypes{Kind: RecordDeletedDraft, DeletedRowID: e.RowID})
			return
		}
		b.EmitDeletedRetryDraftForAttempt(snapshot.attemptID)
		return
	}

	d, err := draftByRowID(b.db, e.RowID)
	if err != nil {
		return
	}
	b.snap.putDraft(e.RowID, d.TaskAttemptID, d.DraftType)

	kind := RecordDraft
	if d.DraftType == domain.DraftTypeRetry {
		kind = RecordRetryDraft
	}
	rt := RecordTypes{Kind: kind, Draft: d}
	b.publishKeyed(e, rt, draftKey(d.TaskAttemptID, d.DraftType), DraftReplacePatch(d))
}

func (b *Bus) rematerializeTask(e store.HookEvent, taskID uuid.UUID) {
	status, err := resolveTaskDerivedStatus(b.db, taskID)
	if err != nil {
		return
	}
	rt := RecordTypes{Kind: RecordTask, Task: status}
	b.publishKeyed(e, rt, fmt.Sprintf("task:%s", taskID), TaskPatch("replace", status))
}

// EmitDeletedRetryDraftForAttempt publishes the synthetic compensating
// deletion event: the service that issued a retry draft delete already
// knows the attempt id the hook can't recover, so it emits the clear
// patch directly rather than relying on row resolution.
func (b *Bus) EmitDeletedRetryDraftForAttempt(attemptID uuid.UUID) {
	patch := DraftClearPatch(domain.DraftTypeRetry, attemptID)
	key := draftKey(attemptID, domain.DraftTypeRetry)
	fp := b.fingerprint("drafts", "synthetic_delete", 0, key, nil)
	if !b.markSeen(fp) {
		return
	}
	_ = b.Stream(key).PushJSONPatch(patch)
}

func draftKey(attemptID uuid.UUID, draftType domain.DraftType) string {
	return fmt.Sprintf("draft:%s:%s", attemptID, draftType)
}

func (b *Bus) publishKeyed(e store.HookEvent, _ RecordTypes, streamKey string, patch Patch) {
	payload, _ := json.Marshal(patch)
	fp := b.fingerprint(e.Table, string(e.Op), e.RowID, streamKey, payload)
	if !b.markSeen(fp) {
		return
	}
	_ = b.Stream(streamKey).PushJSONPatch(patch)
}

func (b *Bus) publishGeneric(e store.HookEvent, rt RecordTypes) {
	payload, _ := json.Marshal(rt)
	fp := b.fingerprint(e.Table, string(e.Op), e.RowID, "entries", payload)
	if !b.markSeen(fp) {
		return
	}
	b.mu.Lock()
	b.entries++
	n := b.entries
	b.mu.Unlock()
	_ = b.global.PushJSONPatch(GenericAppendPatch(n, string(e.Op), rt))
}

// fingerprint hashes (table, op, rowid, stream key, payload) via blake3 so
// repeated deliveries of the same underlying change onto the same stream
// (e.g. a retried hook dispatch) can be deduped idempotently before reaching
// an SSE consumer. The stream key is part of the hash because one hook event
// can legitimately fan out to more than one stream (an execution-process
// mutation ripples to both its own stream and its owning task's). The
// payload is part of it so a later change to the same row gets through; a
// change whose payload is byte-identical to one still in the dedup window
// is treated as a repeat.
func (b *Bus) fingerprint(table, op string, rowID int64, streamKey string, payload []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(table))
	h.Write([]byte(op))
	var rowidBuf [8]byte
	binary.BigEndian.PutUint64(rowidBuf[:], uint64(rowID))
	h.Write(rowidBuf[:])
	h.Write([]byte(streamKey))
	h.Write(payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (b *Bus) markSeen(sum [32]byte) bool {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	if _, ok := b.dedupSeen[sum]; ok {
		return false
	}
	b.dedupSeen[sum] = struct{}{}
	b.dedupFIFO = append(b.dedupFIFO, sum)
	if len(b.dedupFIFO) > b.dedupCap {
		oldest := b.dedupFIFO[0]
		b.dedupFIFO = b.dedupFIFO[1:]
		delete(b.dedupSeen, oldest)
	}
	return true
}
