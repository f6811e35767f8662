package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/asr"
	"github.com/snarg/cr-engine/internal/audit"
	"github.com/snarg/cr-engine/internal/config"
	"github.com/snarg/cr-engine/internal/database"
	"github.com/snarg/cr-engine/internal/fault"
	"github.com/snarg/cr-engine/internal/fetch"
	"github.com/snarg/cr-engine/internal/filestore"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/ops"
	"github.com/snarg/cr-engine/internal/persist"
	"github.com/snarg/cr-engine/internal/pipeline"
	"github.com/snarg/cr-engine/internal/provider"
	"github.com/snarg/cr-engine/internal/ratelimit"
	"github.com/snarg/cr-engine/internal/transcribe"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// Exit codes for the invoking host.
const (
	exitOK          = 0
	exitError       = 1
	exitBadConfig   = 2
	exitAuthFailure = 3
	exitInterrupted = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var overrides config.Overrides
	var requeueFailed, showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DB_URL)")
	flag.StringVar(&overrides.StageDir, "stage-dir", "", "Local audio staging directory (overrides STAGE_DIR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.OpsAddr, "listen", "", "Ops HTTP listen address (overrides OPS_ADDR)")
	flag.IntVar(&overrides.WindowDays, "window-days", 0, "Fetch window in days (overrides WINDOW_DAYS)")
	flag.BoolVar(&requeueFailed, "requeue-failed", false, "Reset failed recordings to discovered before the run")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		return exitOK
	}

	startTime := time.Now()
	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(overrides)
	if err != nil {
		early.Error().Err(err).Msg("failed to load config")
		return exitBadConfig
	}
	if err := cfg.Validate(); err != nil {
		early.Error().Err(err).Msg("invalid config")
		return exitBadConfig
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("log_level", level.String()).
		Msg("cr-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StageDir, 0o755); err != nil {
		log.Error().Err(err).Str("stage_dir", cfg.StageDir).Msg("staging directory unavailable")
		return exitError
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, log.With().Str("component", "database").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to database")
		return exitError
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Error().Err(err).Msg("schema initialization failed")
		return exitError
	}
	if err := db.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("schema migration failed")
		return exitError
	}

	if requeueFailed {
		n, err := db.ResetFailed(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to requeue failed recordings")
			return exitError
		}
		log.Info().Int64("requeued", n).Msg("failed recordings reset to discovered")
	}

	// The rate limiter is owned by the run: created here, torn down at exit.
	limiter := ratelimit.New(log)
	collector := metrics.NewCollector()

	providerClient := provider.NewClient(provider.Options{
		BaseURL:      cfg.ProviderBaseURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		JWT:          cfg.ProviderJWT,
		Limiter:      limiter,
		Log:          log,
	})

	// Fail fast on bad credentials: no work is performed when the provider
	// rejects authentication.
	if err := providerClient.Authenticate(ctx); err != nil {
		if fault.KindOf(err) == fault.Cancelled {
			return exitInterrupted
		}
		log.Error().Err(err).Msg("provider authentication failed")
		return exitAuthFailure
	}

	asrClient := asr.NewClient(asr.Options{
		BaseURL: cfg.ASRBaseURL,
		APIKey:  cfg.ASRAPIKey,
		Org:     cfg.ASROrg,
		Limiter: limiter,
		Log:     log,
	})

	store, err := filestore.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize file store")
		return exitError
	}
	log.Info().Str("type", store.Type()).Msg("file store initialized")

	auditor, err := audit.New(cfg.StageDir, cfg.AuditLog(), log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize deletion auditor")
		return exitError
	}

	reportOrphans(ctx, db, cfg.StageDir, log)

	fetcher := fetch.New(providerClient, db, cfg.FetchPageSize, log)

	transcriber := transcribe.NewWorker(asrClient, transcribe.Options{
		ASR: asr.SubmitOptions{
			Language:           cfg.ASRLanguage,
			Engine:             cfg.ASREngine,
			WordTimestamps:     true,
			SentenceTimestamps: true,
			Diarization:        cfg.ASRDiarization,
			SummarizeSentences: cfg.ASRSummarizeSentences,
			CustomVocabulary:   cfg.ASRCustomVocabulary,
			InitialPrompt:      cfg.ASRInitialPrompt,
		},
		PollInterval: cfg.PollInterval(),
		MaxWait:      cfg.MaxWait(),
		MaxRetries:   cfg.TranscribeMaxRetries,
		RetryDelay:   cfg.TranscribeRetryDelay,
		OnSubmitted: func(recordingID, jobID string) {
			if err := db.SetProgressJobID(context.WithoutCancel(ctx), recordingID, jobID); err != nil {
				log.Warn().Err(err).Str("recording_id", recordingID).Msg("failed to record job id")
			}
		},
		Metrics: collector,
		Log:     log,
	})

	persister := persist.NewWorker(db, store, auditor, collector, log)

	coord := pipeline.New(pipeline.Options{
		DB:                db,
		Fetcher:           fetcher,
		Downloader:        providerClient,
		Transcriber:       transcriber,
		Persister:         persister,
		Metrics:           collector,
		StageDir:          cfg.StageDir,
		TranscribeWorkers: cfg.TranscribeWorkers,
		PersistWorkers:    cfg.PersistWorkers,
		Log:               log,
	})

	srv := ops.NewServer(ops.ServerOptions{
		Addr:      cfg.OpsAddr,
		RateRPS:   cfg.OpsRateRPS,
		RateBurst: cfg.OpsRateBurst,
		DB:        db,
		Collector: collector,
		Limiter:   limiter,
		Runtime:   metrics.NewRuntimeCollector(db.Pool, coord),
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       log,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	windowEnd := time.Now().UTC()
	windowStart := windowEnd.AddDate(0, 0, -cfg.WindowDays)

	summary, runErr := coord.Run(ctx, windowStart, windowEnd)

	printSummary(summary)

	select {
	case err := <-srvErr:
		if err != nil {
			log.Error().Err(err).Msg("ops server error")
		}
	default:
	}

	switch {
	case summary.Interrupted:
		log.Info().Msg("run interrupted by signal, partial summary emitted")
		return exitInterrupted
	case runErr != nil && fault.KindOf(runErr) == fault.Auth:
		log.Error().Err(runErr).Msg("upstream authentication failed")
		return exitAuthFailure
	case runErr != nil:
		log.Error().Err(runErr).Msg("run failed")
		return exitError
	default:
		return exitOK
	}
}

// printSummary writes the run summary to stdout: per-stage counts, then one
// line per failed recording with its terminal error kind.
func printSummary(s *pipeline.Summary) {
	out, err := json.MarshalIndent(s, "", "  ")
	if err == nil {
		fmt.Println(string(out))
	}
	for _, f := range s.Failures {
		fmt.Printf("FAILED %s [%s] %s\n", f.RecordingID, f.Kind, f.Error)
	}
}

// reportOrphans logs staged audio files whose recording is not in an active
// stage. Deletion stays with the persist path; this is visibility only.
func reportOrphans(ctx context.Context, db *database.DB, stageDir string, log zerolog.Logger) {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := ".mp3"
		if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
			continue
		}
		id := name[:len(name)-len(ext)]
		p, err := db.GetProgress(ctx, id)
		if err != nil || p == nil {
			log.Warn().Str("file", name).Msg("staged audio without progress row")
			continue
		}
		if p.Stage == database.StagePersisted || p.Stage == database.StageFailed {
			log.Warn().Str("file", name).Str("stage", string(p.Stage)).
				Msg("staged audio left behind by terminal recording")
		}
	}
}
