// Package draftstore implements the Draft Store: a keyed single-slot
// queue of follow-up/retry prompts with optimistic concurrency and an
// atomic send-claim (find by attempt and type, upsert, partial update,
// set queued, clear after send, try-mark-sending).
package draftstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskattempts/core/internal/domain"
)

// Store is a thin wrapper over *sql.DB implementing the draft queue's
// operations against the `drafts` table.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertDraft is the input to Upsert.
type UpsertDraft struct {
	TaskAttemptID  uuid.UUID
	DraftType      domain.DraftType
	RetryProcessID *uuid.UUID
	Prompt         string
	Queued         bool
	Variant        *string
	ImageIDs       []uuid.UUID
}

// Find returns the draft for (attempt, type), or nil if none exists.
func (s *Store) Find(attempt uuid.UUID, draftType domain.DraftType) (*domain.Draft, error) {
	row := s.db.QueryRow(
		`SELECT id, task_attempt_id, draft_type, retry_process_id, prompt, queued, sending,
		        variant, image_ids, version, created_at, updated_at
		   FROM drafts WHERE task_attempt_id = ? AND draft_type = ?`,
		attempt.String(), string(draftType),
	)
	d, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Upsert inserts a new draft or updates the existing one for
// (task_attempt_id, draft_type), bumping version on conflict. Fails with
// domain.ErrValidation when draftType is retry and RetryProcessID is nil.
func (s *Store) Upsert(in UpsertDraft) (*domain.Draft, error) {
	if in.DraftType == domain.DraftTypeRetry && in.RetryProcessID == nil {
		return nil, fmt.Errorf("%w: retry_process_id is required for retry drafts", domain.ErrValidation)
	}

	id := uuid.New()
	imageIDsJSON, err := marshalImageIDs(in.ImageIDs)
	if err != nil {
		return nil, err
	}
	var retryProcessID any
	if in.RetryProcessID != nil {
		retryProcessID = in.RetryProcessID.String()
	}

	_, err = s.db.Exec(
		`INSERT INTO drafts (id, task_attempt_id, draft_type, retry_process_id, prompt, queued, variant, image_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(task_attempt_id, draft_type) DO UPDATE SET
		   retry_process_id = excluded.retry_process_id,
		   prompt            = excluded.prompt,
		   queued            = excluded.queued,
		   variant           = excluded.variant,
		   image_ids         = excluded.image_ids,
		   updated_at        = CURRENT_TIMESTAMP,
		   version           = drafts.version + 1`,
		id.String(), in.TaskAttemptID.String(), string(in.DraftType), retryProcessID,
		in.Prompt, in.Queued, in.Variant, imageIDsJSON,
	)
	if err != nil {
		return nil, err
	}
	return s.Find(in.TaskAttemptID, in.DraftType)
}

// PartialUpdate names the fields UpdatePartial may write; a nil field is
// left untouched.
type PartialUpdate struct {
	Prompt         *string
	Variant        **string // outer nil = untouched, inner nil = clear to NULL
	ImageIDs       *[]uuid.UUID
	RetryProcessID *uuid.UUID
}

// UpdatePartial writes only the provided fields for (attempt, type),
// bumping version and updated_at. A call with no fields set is a no-op.
func (s *Store) UpdatePartial(attempt uuid.UUID, draftType domain.DraftType, upd PartialUpdate) error {
	var sets []string
	var args []any

	if upd.RetryProcessID != nil {
		sets = append(sets, "retry_process_id = ?")
		args = append(args, upd.RetryProcessID.String())
	}
	if upd.Prompt != nil {
		sets = append(sets, "prompt = ?")
		args = append(args, *upd.Prompt)
	}
	if upd.Variant != nil {
		sets = append(sets, "variant = ?")
		args = append(args, *upd.Variant)
	}
	if upd.ImageIDs != nil {
		sets = append(sets, "image_ids = ?")
		j, err := marshalImageIDs(*upd.ImageIDs)
		if err != nil {
			return err
		}
		args = append(args, j)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP", "version = version + 1")

	query := "UPDATE drafts SET " + strings.Join(sets, ", ") + " WHERE task_attempt_id = ? AND draft_type = ?"
	args = append(args, attempt.String(), string(draftType))

	_, err := s.db.Exec(query, args...)
	return err
}

// SetQueued sets the queued flag and bumps metadata for (attempt, type).
func (s *Store) SetQueued(attempt uuid.UUID, draftType domain.DraftType, queued bool) error {
	_, err := s.db.Exec(
		`UPDATE drafts SET queued = ?, updated_at = CURRENT_TIMESTAMP, version = version + 1
		 WHERE task_attempt_id = ? AND draft_type = ?`,
		queued, attempt.String(), string(draftType),
	)
	return err
}

// ClearAfterSend implements the queue's terminal transition: a follow-up
// draft is reset to its empty state (prompt="", queued=false,
// sending=false, image_ids=null); a retry draft row is deleted outright.
func (s *Store) ClearAfterSend(attempt uuid.UUID, draftType domain.DraftType) error {
	switch draftType {
	case domain.DraftTypeFollowUp:
		_, err := s.db.Exec(
			`UPDATE drafts
			    SET prompt = '', queued = 0, sending = 0, image_ids = NULL,
			        updated_at = CURRENT_TIMESTAMP, version = version + 1
			  WHERE task_attempt_id = ? AND draft_type = ?`,
			attempt.String(), string(draftType),
		)
		return err
	case domain.DraftTypeRetry:
		_, err := s.db.Exec(
			`DELETE FROM drafts WHERE task_attempt_id = ? AND draft_type = ?`,
			attempt.String(), string(draftType),
		)
		return err
	default:
		return fmt.Errorf("%w: unknown draft type %q", domain.ErrValidation, draftType)
	}
}

// TryMarkSending is the single arbitration point for concurrent
// dispatchers (invariant 1): it atomically flips sending=1 iff the row is
// currently queued, not already sending, and has a non-empty prompt.
// Exactly one concurrent caller observes true for a given (attempt, type).
func (s *Store) TryMarkSending(attempt uuid.UUID, draftType domain.DraftType) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE drafts
		    SET sending = 1, updated_at = CURRENT_TIMESTAMP, version = version + 1
		  WHERE task_attempt_id = ? AND draft_type = ?
		    AND queued = 1 AND sending = 0 AND TRIM(prompt) != ''`,
		attempt.String(), string(draftType),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CheckVersion compares a caller-supplied expected_version/expected_queued
// pair against the draft's current state, returning domain.ErrConflict on
// mismatch.
func CheckVersion(d *domain.Draft, expectedVersion *int64, expectedQueued *bool) error {
	if d == nil {
		return nil
	}
	if expectedVersion != nil && *expectedVersion != d.Version {
		return fmt.Errorf("%w: expected version %d, draft is at %d", domain.ErrConflict, *expectedVersion, d.Version)
	}
	if expectedQueued != nil && *expectedQueued != d.Queued {
		return fmt.Errorf("%w: expected queued=%v, draft is queued=%v", domain.ErrConflict, *expectedQueued, d.Queued)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*domain.Draft, error) {
	var (
		id, attemptID, draftType string
		retryProcessID           sql.NullString
		prompt                   string
		queued, sending          bool
		variant                  sql.NullString
		imageIDsJSON             sql.NullString
		version                  int64
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(&id, &attemptID, &draftType, &retryProcessID, &prompt, &queued, &sending,
		&variant, &imageIDsJSON, &version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d := &domain.Draft{
		DraftType: domain.DraftType(draftType),
		Prompt:    prompt,
		Queued:    queued,
		Sending:   sending,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse draft id: %w", err)
	}
	d.ID = parsedID
	attemptUUID, err := uuid.Parse(attemptID)
	if err != nil {
		return nil, fmt.Errorf("parse task_attempt_id: %w", err)
	}
	d.TaskAttemptID = attemptUUID

	if retryProcessID.Valid {
		rp, err := uuid.Parse(retryProcessID.String)
		if err != nil {
			return nil, fmt.Errorf("parse retry_process_id: %w", err)
		}
		d.RetryProcessID = &rp
	}
	if variant.Valid {
		v := variant.String
		d.Variant = &v
	}
	if imageIDsJSON.Valid && imageIDsJSON.String != "" {
		var ids []uuid.UUID
		if err := json.Unmarshal([]byte(imageIDsJSON.String), &ids); err == nil {
			d.ImageIDs = ids
		}
	}
	return d, nil
}

func marshalImageIDs(ids []uuid.UUID) (any, error) {
	if ids == nil {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
