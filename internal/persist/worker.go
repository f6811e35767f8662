// Package persist finalizes one transcribed recording: store the transcript
// row, archive the canonical artifact, then destroy the staged audio. Audio
// is never deleted before both durable copies exist.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/artifact"
	"github.com/snarg/cr-engine/internal/audit"
	"github.com/snarg/cr-engine/internal/database"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/filestore"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/provider"
)

// TranscriptStore is the slice of the database the worker consumes.
type TranscriptStore interface {
	UpsertTranscript(ctx context.Context, row *database.TranscriptRow) error
	SetFileStoreID(ctx context.Context, recordingID, fileStoreID string) error
}

// Auditor destroys staged audio with a verification record.
type Auditor interface {
	Delete(recordingID, path string) (*audit.Record, error)
}

// Local-IO steps get a small bounded retry before the recording is handed
// back for a later run.
const stepAttempts = 3

var stepRetryBase = 2 * time.Second

// Worker persists transcribed recordings. Stateless; safe to share.
type Worker struct {
	db      TranscriptStore
	store   filestore.Store
	auditor Auditor
	metrics *metrics.Collector
	log     zerolog.Logger
}

func NewWorker(db TranscriptStore, store filestore.Store, auditor Auditor, m *metrics.Collector, log zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		store:   store,
		auditor: auditor,
		metrics: m,
		log:     log.With().Str("component", "persist").Logger(),
	}
}

// Persist runs the full persistence sequence for one recording. On a
// deletion fault the transcript row and archive copy are already in place;
// the caller leaves progress at transcribed and the next run repeats the
// whole sequence, whose steps are idempotent.
func (w *Worker) Persist(ctx context.Context, rec provider.Recording, art *artifact.Artifact, audioPath string) error {
	log := w.log.With().Str("recording_id", rec.RecordingID).Logger()

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fault.New(fault.Validation, "persist.encode", err)
	}

	row := &database.TranscriptRow{
		RecordingID:         art.RecordingID,
		JobID:               art.JobID,
		Text:                art.Text,
		Language:            art.Language,
		LanguageProbability: float32(art.LanguageProbability),
		WordCount:           art.WordCount,
		OverallConfidence:   float32(art.OverallConfidence),
		AudioDurationSecs:   art.AudioDurationSecs,
		ProcessingSecs:      art.ProcessingSecs,
		SegmentCount:        len(art.Segments),
		Artifact:            data,
		CallStartTime:       art.Call.StartTime,
	}
	if err := w.withRetry(ctx, "db upsert", func() error {
		return w.db.UpsertTranscript(ctx, row)
	}); err != nil {
		return fault.New(fault.LocalIO, "persist.db", err)
	}

	year := art.Call.StartTime.UTC().Format("2006")
	month := art.Call.StartTime.UTC().Format("01")
	name := art.RecordingID + ".json"

	var fileID string
	if err := w.withRetry(ctx, "file store upload", func() error {
		var uerr error
		fileID, uerr = w.store.Upload(ctx, year, month, name, data)
		return uerr
	}); err != nil {
		return fault.New(fault.LocalIO, "persist.upload", err)
	}

	if err := w.withRetry(ctx, "file store id", func() error {
		return w.db.SetFileStoreID(ctx, art.RecordingID, fileID)
	}); err != nil {
		return fault.New(fault.LocalIO, "persist.db", err)
	}

	// Deletion last: only after the row and the archive copy both exist.
	delRec, err := w.auditor.Delete(rec.RecordingID, audioPath)
	if err != nil || delRec == nil || !delRec.Verified {
		w.metrics.Count(metrics.StagePersist, metrics.OutcomeFailed)
		w.metrics.JobEvent(rec.RecordingID, metrics.StagePersist, metrics.OutcomeFailed, "deletion unverified")
		if err == nil {
			err = fmt.Errorf("deletion of %s not verified", audioPath)
		}
		return fault.New(fault.Deletion, "persist.delete", err)
	}

	w.metrics.Count(metrics.StagePersist, metrics.OutcomeSucceeded)
	w.metrics.JobEvent(rec.RecordingID, metrics.StagePersist, metrics.OutcomeSucceeded, fileID)

	log.Info().
		Str("file_store_id", fileID).
		Str("backend", w.store.Type()).
		Int64("audio_bytes", delRec.Bytes).
		Msg("recording persisted, audio destroyed")
	return nil
}

// withRetry runs fn up to stepAttempts times with linear backoff. Each
// persistence step is idempotent so a retry after partial success is safe.
func (w *Worker) withRetry(ctx context.Context, step string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= stepAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == stepAttempts {
			break
		}
		w.log.Warn().Err(lastErr).Str("step", step).Int("attempt", attempt).Msg("persist step failed, retrying")

		t := time.NewTimer(stepRetryBase * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}
