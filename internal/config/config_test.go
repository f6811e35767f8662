package config

import (
	"os"
	"testing"
)

func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	old := make(map[string]*string, len(envs))
	for k, v := range envs {
		if prev, ok := os.LookupEnv(k); ok {
			p := prev
			old[k] = &p
		} else {
			old[k] = nil
		}
		os.Setenv(k, v)
	}
	return func() {
		for k, prev := range old {
			if prev == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *prev)
			}
		}
	}
}

func baseEnv() map[string]string {
	return map[string]string{
		"DB_URL":                     "postgres://localhost/test",
		"PROVIDER_BASE_URL":          "https://platform.example.com",
		"PROVIDER_CLIENT_ID":         "cid",
		"PROVIDER_CLIENT_SECRET":     "secret",
		"PROVIDER_JWT":               "jwt-token",
		"ASR_API_KEY":                "asr-key",
		"FILESTORE_BACKEND":          "drive",
		"FILESTORE_CREDENTIALS_PATH": "/etc/creds.json",
		"FILESTORE_ROOT_FOLDER_ID":   "root123",
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, baseEnv())
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.ASRLanguage != "en-US" {
			t.Errorf("ASRLanguage = %q, want en-US", cfg.ASRLanguage)
		}
		if cfg.ASREngine != "full" {
			t.Errorf("ASREngine = %q, want full", cfg.ASREngine)
		}
		if cfg.ASRMaxWaitSeconds != 3600 {
			t.Errorf("ASRMaxWaitSeconds = %d, want 3600", cfg.ASRMaxWaitSeconds)
		}
		if cfg.ASRPollIntervalSeconds != 3 {
			t.Errorf("ASRPollIntervalSeconds = %d, want 3", cfg.ASRPollIntervalSeconds)
		}
		if cfg.TranscribeWorkers != 3 {
			t.Errorf("TranscribeWorkers = %d, want 3", cfg.TranscribeWorkers)
		}
		if cfg.PersistWorkers != 3 {
			t.Errorf("PersistWorkers = %d, want 3", cfg.PersistWorkers)
		}
		if cfg.WindowDays != 1 {
			t.Errorf("WindowDays = %d, want 1", cfg.WindowDays)
		}
		if cfg.OpsAddr != ":8080" {
			t.Errorf("OpsAddr = %q, want :8080", cfg.OpsAddr)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			DatabaseURL: "postgres://override/db",
			StageDir:    "/tmp/stage",
			LogLevel:    "debug",
			WindowDays:  7,
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.StageDir != "/tmp/stage" {
			t.Errorf("StageDir = %q, want /tmp/stage", cfg.StageDir)
		}
		if cfg.WindowDays != 7 {
			t.Errorf("WindowDays = %d, want 7", cfg.WindowDays)
		}
	})

	t.Run("durations", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.PollInterval().Seconds() != 3 {
			t.Errorf("PollInterval = %v, want 3s", cfg.PollInterval())
		}
		if cfg.MaxWait().Hours() != 1 {
			t.Errorf("MaxWait = %v, want 1h", cfg.MaxWait())
		}
	})

	t.Run("audit_log_default", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env", StageDir: "/data/stage"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AuditLog() != "/data/stage/deletion_audit.log" {
			t.Errorf("AuditLog = %q", cfg.AuditLog())
		}
	})
}

func TestValidate(t *testing.T) {
	cleanup := setEnvs(t, baseEnv())
	defer cleanup()

	t.Run("missing_provider_creds", func(t *testing.T) {
		c := setEnvs(t, map[string]string{"PROVIDER_JWT": "", "PROVIDER_CLIENT_ID": ""})
		defer c()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate should fail without provider credentials")
		}
	})

	t.Run("s3_backend_requires_bucket", func(t *testing.T) {
		c := setEnvs(t, map[string]string{"FILESTORE_BACKEND": "s3"})
		defer c()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate should fail for s3 backend without bucket")
		}
	})

	t.Run("unknown_backend", func(t *testing.T) {
		c := setEnvs(t, map[string]string{"FILESTORE_BACKEND": "ftp"})
		defer c()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate should reject unknown backend")
		}
	})
}
