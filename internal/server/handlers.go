package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
	"github.com/taskattempts/core/internal/draftstore"
	"github.com/taskattempts/core/internal/gitengine"
	"github.com/taskattempts/core/internal/messagestore"
)

// writeJSON marshals v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status and writes it as a
// JSON body {"error": "..."}.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrWorktreeDirty):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRebaseInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrFatal):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, errors.New("invalid id: "+err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

func draftTypeParam(r *http.Request) domain.DraftType {
	switch r.URL.Query().Get("type") {
	case "retry":
		return domain.DraftTypeRetry
	default:
		return domain.DraftTypeFollowUp
	}
}

// draftWire is the JSON shape for a draft row on the wire.
type draftWire struct {
	TaskAttemptID  uuid.UUID  `json:"task_attempt_id"`
	DraftType      string     `json:"draft_type"`
	RetryProcessID *uuid.UUID `json:"retry_process_id,omitempty"`
	Prompt         string     `json:"prompt"`
	Queued         bool       `json:"queued"`
	Sending        bool       `json:"sending"`
	Variant        *string    `json:"variant,omitempty"`
	ImageIDs       []uuid.UUID `json:"image_ids,omitempty"`
	Version        int64      `json:"version"`
}

func toDraftWire(attemptID uuid.UUID, draftType domain.DraftType, d *domain.Draft) draftWire {
	if d == nil {
		return draftWire{TaskAttemptID: attemptID, DraftType: string(draftType)}
	}
	return draftWire{
		TaskAttemptID:  attemptID,
		DraftType:      string(d.DraftType),
		RetryProcessID: d.RetryProcessID,
		Prompt:         d.Prompt,
		Queued:         d.Queued,
		Sending:        d.Sending,
		Variant:        d.Variant,
		ImageIDs:       d.ImageIDs,
		Version:        d.Version,
	}
}

// handleGetDraft implements GET /drafts?type=&attempt_id=: return the
// current draft or an empty default.
func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(r.URL.Query().Get("attempt_id"))
	if err != nil {
		writeError(w, errors.New("invalid attempt_id: "+err.Error()))
		return
	}
	draftType := draftTypeParam(r)

	d, err := s.drafts.Find(attemptID, draftType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftWire(attemptID, draftType, d))
}

// putDraftRequest is the body for PUT /drafts.
type putDraftRequest struct {
	TaskAttemptID   uuid.UUID       `json:"task_attempt_id"`
	Prompt          *string         `json:"prompt"`
	RawVariant      json.RawMessage `json:"variant"`
	ImageIDs        *[]uuid.UUID    `json:"image_ids"`
	RetryProcessID  *uuid.UUID      `json:"retry_process_id"`
	ExpectedVersion *int64          `json:"version"`
}

// handlePutDraft implements PUT /drafts?type=follow_up|retry: follow_up is
// a partial update refused while queued with a version check; retry is an
// upsert-or-partial-update keyed on retry_process_id.
func (s *Server) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	var req putDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid body: "+err.Error()))
		return
	}
	draftType := draftTypeParam(r)

	if draftType == domain.DraftTypeRetry {
		if req.RetryProcessID == nil {
			writeError(w, domain.ErrValidation)
			return
		}
		existing, err := s.drafts.Find(req.TaskAttemptID, draftType)
		if err != nil {
			writeError(w, err)
			return
		}
		if existing == nil {
			prompt := ""
			if req.Prompt != nil {
				prompt = *req.Prompt
			}
			d, err := s.drafts.Upsert(draftstore.UpsertDraft{
				TaskAttemptID:  req.TaskAttemptID,
				DraftType:      draftType,
				RetryProcessID: req.RetryProcessID,
				Prompt:         prompt,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toDraftWire(req.TaskAttemptID, draftType, d))
			return
		}
		if err := draftstore.CheckVersion(existing, req.ExpectedVersion, nil); err != nil {
			writeError(w, err)
			return
		}
	} else {
		existing, err := s.drafts.Find(req.TaskAttemptID, draftType)
		if err != nil {
			writeError(w, err)
			return
		}
		if existing != nil && existing.Queued {
			writeError(w, domain.ErrConflict)
			return
		}
		if err := draftstore.CheckVersion(existing, req.ExpectedVersion, nil); err != nil {
			writeError(w, err)
			return
		}
	}

	upd := draftstore.PartialUpdate{
		Prompt:         req.Prompt,
		ImageIDs:       req.ImageIDs,
		RetryProcessID: req.RetryProcessID,
	}
	if len(req.RawVariant) > 0 && string(req.RawVariant) != "null" {
		var v string
		if err := json.Unmarshal(req.RawVariant, &v); err != nil {
			writeError(w, errors.New("invalid variant: "+err.Error()))
			return
		}
		vp := &v
		upd.Variant = &vp
	}
	if err := s.drafts.UpdatePartial(req.TaskAttemptID, draftType, upd); err != nil {
		writeError(w, err)
		return
	}

	d, err := s.drafts.Find(req.TaskAttemptID, draftType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftWire(req.TaskAttemptID, draftType, d))
}

// queueDraftRequest is the body for POST /drafts/queue.
type queueDraftRequest struct {
	TaskAttemptID   uuid.UUID `json:"task_attempt_id"`
	Queued          bool      `json:"queued"`
	ExpectedQueued  *bool     `json:"expected_queued"`
	ExpectedVersion *int64    `json:"expected_version"`
}

// handleQueueDraft implements POST /drafts/queue?type=follow_up: transitions
// queued state, then attempts dispatch — dispatch itself is asynchronous and
// may schedule a recheck rather than starting immediately.
func (s *Server) handleQueueDraft(w http.ResponseWriter, r *http.Request) {
	var req queueDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid body: "+err.Error()))
		return
	}
	draftType := draftTypeParam(r)

	existing, err := s.drafts.Find(req.TaskAttemptID, draftType)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := draftstore.CheckVersion(existing, req.ExpectedVersion, req.ExpectedQueued); err != nil {
		writeError(w, err)
		return
	}

	if err := s.drafts.SetQueued(req.TaskAttemptID, draftType, req.Queued); err != nil {
		writeError(w, err)
		return
	}

	if req.Queued && draftType == domain.DraftTypeFollowUp {
		go s.orch.MaybeDispatchFollowUp(s.baseCtx, req.TaskAttemptID)
	}

	d, err := s.drafts.Find(req.TaskAttemptID, draftType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftWire(req.TaskAttemptID, draftType, d))
}

// handleDeleteDraft implements DELETE /drafts?type=retry&attempt_id=:
// delete the retry draft and emit the synthetic deletion event even when
// nothing else can recover the attempt id.
func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(r.URL.Query().Get("attempt_id"))
	if err != nil {
		writeError(w, errors.New("invalid attempt_id: "+err.Error()))
		return
	}
	if err := s.orch.DeleteRetryDraft(attemptID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startAttemptRequest is the body for POST /task_attempts/{id}/start.
type startAttemptRequest struct {
	ExecutorProfileID string   `json:"executor_profile_id"`
	Prompt             string   `json:"prompt"`
	CopyGlobs          []string `json:"copy_globs"`
}

func (s *Server) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid body: "+err.Error()))
		return
	}
	processID, err := s.orch.StartAttempt(r.Context(), attemptID, req.ExecutorProfileID, req.Prompt, req.CopyGlobs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_process_id": processID.String()})
}

func (s *Server) handleStopAttempt(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := s.orch.Stop(attemptID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exitPlanModeRequest struct {
	ExecutionProcessID uuid.UUID `json:"execution_process_id"`
}

func (s *Server) handleExitPlanMode(w http.ResponseWriter, r *http.Request) {
	var req exitPlanModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New("invalid body: "+err.Error()))
		return
	}
	if err := s.orch.ExitPlanModeTool(r.Context(), req.ExecutionProcessID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRawLogs implements GET /execution_processes/:id/raw-logs: SSE of
// stdout/stderr then Finished. A process still held in memory streams live;
// one already evicted is replayed from the persisted execution_logs table
// and closed immediately after.
func (s *Server) handleRawLogs(w http.ResponseWriter, r *http.Request) {
	processID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if store := s.orch.LogStore(processID); store != nil {
		messagestore.WriteSSE(w, r, store, messagestore.StdoutStderr)
		return
	}
	s.replayPersistedLogs(w, r, processID)
}

// handleNormalizedLogs implements GET /execution_processes/:id/normalized-logs:
// SSE of JSON-Patch records then Finished. Normalized patches are not
// persisted, so a process already evicted from memory has nothing left to
// replay and the stream closes immediately.
func (s *Server) handleNormalizedLogs(w http.ResponseWriter, r *http.Request) {
	processID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	store := s.orch.LogStore(processID)
	if store == nil {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		return
	}
	messagestore.WriteSSE(w, r, store, messagestore.JSONPatches)
}

// replayPersistedLogs streams the execution_logs rows for a completed,
// memory-evicted process as one-shot SSE frames, preserving the persisted
// log's record kinds.
func (s *Server) replayPersistedLogs(w http.ResponseWriter, r *http.Request, processID uuid.UUID) {
	rows, err := s.db.Query(
		`SELECT kind, content FROM execution_logs WHERE execution_process_id = ? ORDER BY seq ASC`,
		processID.String(),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for rows.Next() {
		var kind, content string
		if err := rows.Scan(&kind, &content); err != nil {
			break
		}
		_, _ = w.Write([]byte("event: " + kind + "\ndata: " + content + "\n\n"))
		flusher.Flush()
	}
	_, _ = w.Write([]byte("event: done\ndata: {}\n\n"))
	flusher.Flush()
}

// handleAttemptDiff implements GET /task_attempts/:id/diff: SSE of diff
// entries between the worktree's current state and the
// earliest recorded baseline commit for the attempt.
func (s *Server) handleAttemptDiff(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	var containerRef sql.NullString
	if err := s.db.QueryRow(`SELECT container_ref FROM task_attempts WHERE id = ?`, attemptID.String()).Scan(&containerRef); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, domain.ErrNotFound)
			return
		}
		writeError(w, err)
		return
	}
	if !containerRef.Valid {
		writeError(w, errors.New("attempt has no worktree"))
		return
	}

	var baselineSHA sql.NullString
	if err := s.db.QueryRow(
		`SELECT before_head_commit FROM execution_processes WHERE task_attempt_id = ? ORDER BY rowid ASC LIMIT 1`,
		attemptID.String(),
	).Scan(&baselineSHA); err != nil && err != sql.ErrNoRows {
		writeError(w, err)
		return
	}

	entries, err := gitengine.DiffWorktreeVsBaseline(containerRef.String, baselineSHA.String)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: diff_entry\ndata: " + string(b) + "\n\n"))
		flusher.Flush()
	}
	_, _ = w.Write([]byte("event: done\ndata: {}\n\n"))
	flusher.Flush()
}
