package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply.
// Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add transcripts.file_store_id",
		sql:   `ALTER TABLE transcripts ADD COLUMN IF NOT EXISTS file_store_id text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcripts' AND column_name = 'file_store_id')`,
	},
	{
		name:  "add pipeline_progress.job_id",
		sql:   `ALTER TABLE pipeline_progress ADD COLUMN IF NOT EXISTS job_id text`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'pipeline_progress' AND column_name = 'job_id')`,
	},
	{
		name:  "add pipeline_progress stage index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_pipeline_progress_stage ON pipeline_progress (stage_state, updated_at)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_pipeline_progress_stage')`,
	},
	{
		name:  "add pipeline_progress.recording",
		sql:   `ALTER TABLE pipeline_progress ADD COLUMN IF NOT EXISTS recording jsonb NOT NULL DEFAULT '{}'::jsonb`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'pipeline_progress' AND column_name = 'recording')`,
	},
	{
		name:  "add transcripts.segment_count",
		sql:   `ALTER TABLE transcripts ADD COLUMN IF NOT EXISTS segment_count int NOT NULL DEFAULT 0`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'transcripts' AND column_name = 'segment_count')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned — the caller should treat this as fatal
// since the pipeline's queries depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		db.log.Debug().Msg("schema up to date")
		return nil
	}

	var applied []string
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		applied = append(applied, m.name)
	}

	db.log.Info().Str("applied", strings.Join(applied, "; ")).Msg("schema migrations applied")
	return nil
}
