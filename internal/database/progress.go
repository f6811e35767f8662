package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Stage is a pipeline_progress stage_state value. Transitions only move
// forward through the list; the only backward transition is into failed,
// and a failed row may be reset to discovered by operator action.
type Stage string

const (
	StageDiscovered   Stage = "discovered"
	StageDownloaded   Stage = "downloaded"
	StageTranscribing Stage = "transcribing"
	StageTranscribed  Stage = "transcribed"
	StagePersisted    Stage = "persisted"
	StageFailed       Stage = "failed"
)

// Progress is one recording's durable pipeline state. Recording carries the
// provider metadata as JSON so an interrupted run can be resumed without
// re-enumerating the call log.
type Progress struct {
	RecordingID      string
	Stage            Stage
	JobID            *string
	LastError        *string
	AttemptsPerStage map[string]int
	CallID           string
	StartTime        *time.Time
	Recording        json.RawMessage
	UpdatedAt        time.Time
}

func scanProgress(row pgx.Row) (*Progress, error) {
	var p Progress
	var attempts []byte
	if err := row.Scan(&p.RecordingID, &p.Stage, &p.JobID, &p.LastError, &attempts, &p.CallID, &p.StartTime, &p.Recording, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AttemptsPerStage = map[string]int{}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &p.AttemptsPerStage); err != nil {
			return nil, fmt.Errorf("decode attempts_per_stage: %w", err)
		}
	}
	return &p, nil
}

const progressColumns = `recording_id, stage_state, job_id, last_error, attempts_per_stage, call_id, start_time, recording, updated_at`

// GetProgress returns the progress row for a recording, or nil if absent.
func (db *DB) GetProgress(ctx context.Context, recordingID string) (*Progress, error) {
	p, err := scanProgress(db.Pool.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM pipeline_progress WHERE recording_id = $1`, recordingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertProgress creates a progress row in the discovered stage if absent and
// returns the row. An existing row is returned untouched.
func (db *DB) UpsertProgress(ctx context.Context, recordingID, callID string, startTime time.Time, recording json.RawMessage) (*Progress, error) {
	if len(recording) == 0 {
		recording = json.RawMessage(`{}`)
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pipeline_progress (recording_id, stage_state, call_id, start_time, recording)
		VALUES ($1, 'discovered', $2, $3, $4)
		ON CONFLICT (recording_id) DO NOTHING`,
		recordingID, callID, startTime, recording)
	if err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}
	return db.GetProgress(ctx, recordingID)
}

// Claim atomically advances a recording from one stage to the next. It
// returns true iff the row existed in the from stage and was updated — a
// successful claim grants exclusive ownership of that transition across
// the process fleet.
func (db *DB) Claim(ctx context.Context, recordingID string, from, to Stage) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = $3, updated_at = now()
		WHERE recording_id = $1 AND stage_state = $2`,
		recordingID, from, to)
	if err != nil {
		return false, fmt.Errorf("claim %s→%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetProgressJobID records the transcription job id once it's been submitted.
func (db *DB) SetProgressJobID(ctx context.Context, recordingID, jobID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress SET job_id = $2, updated_at = now()
		WHERE recording_id = $1`, recordingID, jobID)
	return err
}

// MarkFailed sets a recording to the failed stage, records the reason, and
// increments the attempt counter for the stage it failed in.
func (db *DB) MarkFailed(ctx context.Context, recordingID, reason string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET attempts_per_stage = jsonb_set(
		        attempts_per_stage,
		        ARRAY[stage_state],
		        (COALESCE(attempts_per_stage->>stage_state, '0')::int + 1)::text::jsonb),
		    stage_state = 'failed',
		    last_error = $2,
		    updated_at = now()
		WHERE recording_id = $1`,
		recordingID, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ListByState returns up to limit progress rows in the given stage, oldest
// update first.
func (db *DB) ListByState(ctx context.Context, stage Stage, limit int) ([]Progress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+progressColumns+` FROM pipeline_progress
		WHERE stage_state = $1
		ORDER BY updated_at ASC
		LIMIT $2`, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// HasActiveProgress reports whether a recording already has a progress row in
// any non-failed state. Used by the fetcher for dedup.
func (db *DB) HasActiveProgress(ctx context.Context, recordingID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pipeline_progress
			WHERE recording_id = $1 AND stage_state <> 'failed')`,
		recordingID).Scan(&exists)
	return exists, err
}

// ResetFailed moves failed rows back to discovered so a later run re-queues
// them. Operator action only; the pipeline never calls this on its own.
// Returns the number of rows reset.
func (db *DB) ResetFailed(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = 'discovered', last_error = NULL, updated_at = now()
		WHERE stage_state = 'failed'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetStale moves rows stuck in an intermediate stage back one step so a new
// run can reclaim them. Used at run start for transcribing rows left behind
// by an interrupted run (the remote job was requested-cancelled on shutdown).
func (db *DB) ResetStale(ctx context.Context, from, to Stage) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_progress
		SET stage_state = $2, updated_at = now()
		WHERE stage_state = $1`, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
