package database

import "context"

// schemaSQL is the full schema for a fresh database. Changes to existing
// deployments go through migrations.go instead.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_progress (
    recording_id       text PRIMARY KEY,
    stage_state        text NOT NULL DEFAULT 'discovered',
    job_id             text,
    last_error         text,
    attempts_per_stage jsonb NOT NULL DEFAULT '{}'::jsonb,
    call_id            text NOT NULL DEFAULT '',
    start_time         timestamptz,
    recording          jsonb NOT NULL DEFAULT '{}'::jsonb,
    created_at         timestamptz NOT NULL DEFAULT now(),
    updated_at         timestamptz NOT NULL DEFAULT now(),
    CONSTRAINT chk_stage_state CHECK (stage_state IN
        ('discovered','downloaded','transcribing','transcribed','persisted','failed'))
);

CREATE INDEX IF NOT EXISTS idx_pipeline_progress_stage
    ON pipeline_progress (stage_state, updated_at);

CREATE TABLE IF NOT EXISTS transcripts (
    recording_id         text PRIMARY KEY REFERENCES pipeline_progress(recording_id),
    job_id               text NOT NULL,
    text                 text NOT NULL,
    language             text NOT NULL,
    language_probability real NOT NULL,
    word_count           int  NOT NULL,
    overall_confidence   real NOT NULL,
    audio_duration_secs  double precision NOT NULL,
    processing_secs      double precision NOT NULL,
    segment_count        int NOT NULL DEFAULT 0,
    artifact             jsonb NOT NULL,
    file_store_id        text,
    call_start_time      timestamptz,
    created_at           timestamptz NOT NULL DEFAULT now(),
    updated_at           timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_call_start
    ON transcripts (call_start_time DESC);
`

// InitSchema applies the full schema on a fresh database. It checks whether
// the pipeline_progress table exists as a proxy for whether the schema has
// been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'pipeline_progress')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected — applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
