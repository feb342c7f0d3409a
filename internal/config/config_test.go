package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("RESULT_STORE", "")
	t.Setenv("GIN_MODE", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port: %s", cfg.Port)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval)
	}
	if cfg.MaxAudioSize != 500*1024*1024 {
		t.Fatalf("unexpected max audio size: %d", cfg.MaxAudioSize)
	}
	if cfg.CacheTTL() != 7*24*time.Hour {
		t.Fatalf("unexpected cache ttl: %s", cfg.CacheTTL())
	}
	if cfg.TranscriberTimeout != 300*time.Second {
		t.Fatalf("unexpected transcriber timeout: %s", cfg.TranscriberTimeout)
	}
	if cfg.TranscriberRequestTimeout != 30*time.Second {
		t.Fatalf("unexpected transcriber request timeout: %s", cfg.TranscriberRequestTimeout)
	}
	if cfg.UploadMinRate != 256*1024 {
		t.Fatalf("unexpected upload min rate: %d", cfg.UploadMinRate)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("DOWNLOAD_BACKOFF_MS", "250")
	t.Setenv("LEASE_TTL_SECONDS", "30")
	t.Setenv("MAX_ACTIVE_JOBS", "not-a-number")
	t.Setenv("UPLOAD_MIN_RATE_KBPS", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DownloadBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected backoff: %s", cfg.DownloadBackoff)
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Fatalf("unexpected lease ttl: %s", cfg.LeaseTTL)
	}
	if cfg.MaxActiveJobs != 16 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.MaxActiveJobs)
	}
	if cfg.UploadMinRate != 1024*1024 {
		t.Fatalf("unexpected upload min rate: %d", cfg.UploadMinRate)
	}
}

func TestValidateReleaseRequiresRedis(t *testing.T) {
	cfg := &Config{
		GinMode:        "release",
		TranscriberURL: "http://transcriber",
		PollInterval:   time.Second,
		LeaseTTL:       time.Minute,
		ResultStore:    ResultStoreLocal,
		YtDlpPath:      "yt-dlp",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when REDIS_URL is missing in release mode")
	}
	cfg.RedisURL = "redis://127.0.0.1:6379/0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateS3RequiresBucket(t *testing.T) {
	cfg := &Config{
		GinMode:        "debug",
		TranscriberURL: "http://transcriber",
		PollInterval:   time.Second,
		LeaseTTL:       time.Minute,
		ResultStore:    ResultStoreS3,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when S3_BUCKET is missing")
	}
	cfg.ResultStore = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown result store")
	}
}
