package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DB_URL,required"`

	// Telephony provider credentials
	ProviderBaseURL      string `env:"PROVIDER_BASE_URL"`
	ProviderClientID     string `env:"PROVIDER_CLIENT_ID"`
	ProviderClientSecret string `env:"PROVIDER_CLIENT_SECRET"`
	ProviderJWT          string `env:"PROVIDER_JWT"`

	// Transcription service
	ASRAPIKey             string `env:"ASR_API_KEY"`
	ASROrg                string `env:"ASR_ORG" envDefault:"default"`
	ASRBaseURL            string `env:"ASR_BASE_URL"`
	ASRLanguage           string `env:"ASR_LANGUAGE" envDefault:"en-US"`
	ASREngine             string `env:"ASR_ENGINE" envDefault:"full"`
	ASRMaxWaitSeconds     int    `env:"ASR_MAX_WAIT_SECONDS" envDefault:"3600"`
	ASRPollIntervalSeconds int   `env:"ASR_POLL_INTERVAL_SECONDS" envDefault:"3"`
	ASRDiarization        bool   `env:"ASR_DIARIZATION" envDefault:"false"`
	ASRSummarizeSentences int    `env:"ASR_SUMMARIZE_SENTENCES" envDefault:"10"`
	ASRCustomVocabulary   string `env:"ASR_CUSTOM_VOCABULARY"`
	ASRInitialPrompt      string `env:"ASR_INITIAL_PROMPT"`

	// Archive file store
	FileStoreBackend         string `env:"FILESTORE_BACKEND" envDefault:"drive"`
	FileStoreCredentialsPath string `env:"FILESTORE_CREDENTIALS_PATH"`
	FileStoreRootFolderID    string `env:"FILESTORE_ROOT_FOLDER_ID"`

	// S3-compatible backend (used when FILESTORE_BACKEND=s3)
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Prefix    string `env:"S3_PREFIX"`

	// Local audio staging. Must be writable and exclusive to this process;
	// the deletion auditor refuses paths outside it.
	StageDir     string `env:"STAGE_DIR" envDefault:"./staging"`
	AuditLogPath string `env:"AUDIT_LOG_PATH"`

	// Pipeline sizing
	TranscribeWorkers    int           `env:"CONCURRENCY_TRANSCRIBE" envDefault:"3"`
	PersistWorkers       int           `env:"CONCURRENCY_PERSIST" envDefault:"3"`
	WindowDays           int           `env:"WINDOW_DAYS" envDefault:"1"`
	TranscribeMaxRetries int           `env:"TRANSCRIBE_MAX_RETRIES" envDefault:"3"`
	TranscribeRetryDelay time.Duration `env:"TRANSCRIBE_RETRY_DELAY" envDefault:"5s"`
	FetchPageSize        int           `env:"FETCH_PAGE_SIZE" envDefault:"100"`

	// Operational HTTP endpoint (health, metrics, stats)
	OpsAddr      string  `env:"OPS_ADDR" envDefault:":8080"`
	OpsRateRPS   float64 `env:"OPS_RATE_RPS" envDefault:"20"`
	OpsRateBurst int     `env:"OPS_RATE_BURST" envDefault:"40"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// PollInterval returns the ASR polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.ASRPollIntervalSeconds) * time.Second
}

// MaxWait returns the ASR max wait as a duration.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.ASRMaxWaitSeconds) * time.Second
}

// AuditLog returns the audit log path, defaulting to a file inside the
// staging directory.
func (c *Config) AuditLog() string {
	if c.AuditLogPath != "" {
		return c.AuditLogPath
	}
	return filepath.Join(c.StageDir, "deletion_audit.log")
}

// Validate checks cross-field requirements that env tags cannot express.
func (c *Config) Validate() error {
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("PROVIDER_BASE_URL must be set")
	}
	if c.ProviderJWT == "" && (c.ProviderClientID == "" || c.ProviderClientSecret == "") {
		return fmt.Errorf("provider credentials required: PROVIDER_JWT or PROVIDER_CLIENT_ID + PROVIDER_CLIENT_SECRET")
	}
	if c.ASRAPIKey == "" {
		return fmt.Errorf("ASR_API_KEY must be set")
	}
	switch c.FileStoreBackend {
	case "drive":
		if c.FileStoreCredentialsPath == "" || c.FileStoreRootFolderID == "" {
			return fmt.Errorf("FILESTORE_BACKEND=drive requires FILESTORE_CREDENTIALS_PATH and FILESTORE_ROOT_FOLDER_ID")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("FILESTORE_BACKEND=s3 requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown FILESTORE_BACKEND %q (valid: drive, s3)", c.FileStoreBackend)
	}
	if c.StageDir == "" {
		return fmt.Errorf("STAGE_DIR must be set")
	}
	if c.TranscribeWorkers < 1 || c.PersistWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	if c.WindowDays < 1 {
		return fmt.Errorf("WINDOW_DAYS must be at least 1")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	DatabaseURL string
	StageDir    string
	LogLevel    string
	OpsAddr     string
	WindowDays  int
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.StageDir != "" {
		cfg.StageDir = overrides.StageDir
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.OpsAddr != "" {
		cfg.OpsAddr = overrides.OpsAddr
	}
	if overrides.WindowDays > 0 {
		cfg.WindowDays = overrides.WindowDays
	}

	return cfg, nil
}
