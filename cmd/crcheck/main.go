// crcheck audits pipeline consistency: every persisted recording must have a
// stored transcript, an archive file id, and a verified deletion record.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/audit"
	"github.com/snarg/cr-engine/internal/config"
	"github.com/snarg/cr-engine/internal/database"
)

func main() {
	var envFile, auditLog string
	var limit int
	flag.StringVar(&envFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&auditLog, "audit-log", "", "Deletion audit log path (default: from config)")
	flag.IntVar(&limit, "limit", 1000, "Max rows to check per stage")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(config.Overrides{EnvFile: envFile})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if auditLog == "" {
		auditLog = cfg.AuditLog()
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	records, err := audit.ReadLog(auditLog)
	if err != nil {
		log.Fatal().Err(err).Str("path", auditLog).Msg("failed to read audit log")
	}
	verified := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Verified {
			verified[r.RecordingID] = true
		}
	}

	persisted, err := db.ListByState(ctx, database.StagePersisted, limit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list persisted recordings")
	}

	problems := 0
	for _, p := range persisted {
		row, err := db.GetTranscript(ctx, p.RecordingID)
		switch {
		case err != nil:
			fmt.Printf("ERROR  %s: transcript query failed: %v\n", p.RecordingID, err)
			problems++
		case row == nil:
			fmt.Printf("BROKEN %s: persisted but no transcript row\n", p.RecordingID)
			problems++
		case row.FileStoreID == nil || *row.FileStoreID == "":
			fmt.Printf("BROKEN %s: persisted but no file store id\n", p.RecordingID)
			problems++
		}
		if !verified[p.RecordingID] {
			fmt.Printf("BROKEN %s: persisted but no verified deletion record\n", p.RecordingID)
			problems++
		}
	}

	failed, err := db.ListByState(ctx, database.StageFailed, limit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list failed recordings")
	}
	for _, p := range failed {
		reason := ""
		if p.LastError != nil {
			reason = *p.LastError
		}
		fmt.Printf("FAILED %s: %s\n", p.RecordingID, reason)
	}

	fmt.Printf("checked %d persisted, %d failed, %d problems\n", len(persisted), len(failed), problems)
	if problems > 0 {
		os.Exit(1)
	}
}
