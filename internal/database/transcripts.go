package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TranscriptRow is the input for storing a transcript. The artifact field
// holds the canonical JSON document; the scalar columns are denormalized
// from it for querying.
type TranscriptRow struct {
	RecordingID         string
	JobID               string
	Text                string
	Language            string
	LanguageProbability float32
	WordCount           int
	OverallConfidence   float32
	AudioDurationSecs   float64
	ProcessingSecs      float64
	SegmentCount        int
	Artifact            json.RawMessage
	CallStartTime       time.Time
	FileStoreID         *string
}

// UpsertTranscript inserts or replaces the transcript for a recording.
// recording_id is the natural key; a retry after partial persistence
// overwrites the earlier row.
func (db *DB) UpsertTranscript(ctx context.Context, row *TranscriptRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO transcripts (
			recording_id, job_id, text, language, language_probability,
			word_count, overall_confidence, audio_duration_secs,
			processing_secs, segment_count, artifact, call_start_time, file_store_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (recording_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			text = EXCLUDED.text,
			language = EXCLUDED.language,
			language_probability = EXCLUDED.language_probability,
			word_count = EXCLUDED.word_count,
			overall_confidence = EXCLUDED.overall_confidence,
			audio_duration_secs = EXCLUDED.audio_duration_secs,
			processing_secs = EXCLUDED.processing_secs,
			segment_count = EXCLUDED.segment_count,
			artifact = EXCLUDED.artifact,
			call_start_time = EXCLUDED.call_start_time,
			updated_at = now()`,
		row.RecordingID, row.JobID, row.Text, row.Language, row.LanguageProbability,
		row.WordCount, row.OverallConfidence, row.AudioDurationSecs,
		row.ProcessingSecs, row.SegmentCount, row.Artifact, row.CallStartTime, row.FileStoreID)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// SetFileStoreID records the archive file id returned by the file store.
func (db *DB) SetFileStoreID(ctx context.Context, recordingID, fileStoreID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE transcripts SET file_store_id = $2, updated_at = now()
		WHERE recording_id = $1`, recordingID, fileStoreID)
	return err
}

// GetTranscript returns the stored transcript for a recording, or nil if
// absent.
func (db *DB) GetTranscript(ctx context.Context, recordingID string) (*TranscriptRow, error) {
	var row TranscriptRow
	err := db.Pool.QueryRow(ctx, `
		SELECT recording_id, job_id, text, language, language_probability,
		       word_count, overall_confidence, audio_duration_secs,
		       processing_secs, segment_count, artifact, call_start_time, file_store_id
		FROM transcripts WHERE recording_id = $1`, recordingID).
		Scan(&row.RecordingID, &row.JobID, &row.Text, &row.Language, &row.LanguageProbability,
			&row.WordCount, &row.OverallConfidence, &row.AudioDurationSecs,
			&row.ProcessingSecs, &row.SegmentCount, &row.Artifact, &row.CallStartTime, &row.FileStoreID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
