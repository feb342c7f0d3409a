// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ResultStore の種類
const (
	ResultStoreLocal = "local"
	ResultStoreS3    = "s3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string // zerolog のレベル (debug, info, warn, error)
	LogFormat string // json または console

	// ストア/キュー設定
	RedisURL string // 空の場合はメモリストアとプロセス内ディスパッチャを使用

	// 文字起こしサービス
	TranscriberURL            string        // 文字起こしサービスのベースURL
	TranscriberTimeout        time.Duration // 音声投入1回あたりの基本タイムアウト
	TranscriberRequestTimeout time.Duration // ポーリング/ヘルスチェックとレスポンスヘッダー待ちのタイムアウト
	UploadMinRate             int64         // 投入タイムアウトの計算に使う最低転送速度（バイト/秒）
	TranscribeLanguage        string        // 文字起こし言語（空なら自動判定）

	// ダウンロード設定
	YtDlpPath              string        // yt-dlp 実行ファイルのパス
	AudioCacheDir          string        // 音声キャッシュの保存先
	AudioCacheDays         int           // 音声キャッシュの保持日数
	MaxAudioSize           int64         // 音声ファイルの最大サイズ（バイト）
	DownloadTimeout        time.Duration // 1回のダウンロード試行のタイムアウト
	DownloadMaxRetries     int           // ダウンロードの最大リトライ回数
	DownloadBackoff        time.Duration // リトライ間隔の初期値
	DownloadStageTimeout   time.Duration // ダウンロード段階全体の上限時間
	SubmitMaxRetries       int           // 文字起こし投入の最大リトライ回数
	SubmitStageTimeout     time.Duration // 投入段階全体の上限時間
	PollInterval           time.Duration // 文字起こし状態のポーリング間隔
	TranscribeStageTimeout time.Duration // 文字起こし段階全体の上限時間

	// オーケストレーション設定
	LeaseTTL               time.Duration // ジョブ占有リースの有効期間
	MaxActiveJobs          int           // 同時に駆動するジョブ数の上限
	JanitorInterval        time.Duration // キャッシュ掃除の間隔
	FailedJobRetentionDays int           // failed ジョブの保持日数（0で無効）

	// 結果保存設定
	ResultStore       string // local または s3
	TranscriptionsDir string // ローカル保存先
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string // S3互換ストレージ用のエンドポイント

	// 受付制限
	RateLimitPerMinute int // 1IPあたりの投入上限（0で無効）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// ストア/キュー設定
		RedisURL: getEnv("REDIS_URL", ""),

		// 文字起こしサービス
		TranscriberURL:            getEnv("TRANSCRIBER_URL", "http://127.0.0.1:8001"),
		TranscriberTimeout:        getEnvAsDuration("TRANSCRIBER_TIMEOUT_SECONDS", 300, time.Second),
		TranscriberRequestTimeout: getEnvAsDuration("TRANSCRIBER_REQUEST_TIMEOUT_SECONDS", 30, time.Second),
		UploadMinRate:             getEnvAsInt64("UPLOAD_MIN_RATE_KBPS", 256) * 1024,
		TranscribeLanguage:        getEnv("TRANSCRIBER_LANGUAGE", ""),

		// ダウンロード設定
		YtDlpPath:              getEnv("YTDLP_PATH", "yt-dlp"),
		AudioCacheDir:          getEnv("AUDIO_CACHE_DIR", "cache/audio"),
		AudioCacheDays:         getEnvAsInt("AUDIO_CACHE_DAYS", 7),
		MaxAudioSize:           getEnvAsInt64("MAX_AUDIO_SIZE_MB", 500) * 1024 * 1024,
		DownloadTimeout:        getEnvAsDuration("DOWNLOAD_TIMEOUT_SECONDS", 300, time.Second),
		DownloadMaxRetries:     getEnvAsInt("DOWNLOAD_MAX_RETRIES", 3),
		DownloadBackoff:        getEnvAsDuration("DOWNLOAD_BACKOFF_MS", 2000, time.Millisecond),
		DownloadStageTimeout:   getEnvAsDuration("DOWNLOAD_STAGE_TIMEOUT_MINUTES", 30, time.Minute),
		SubmitMaxRetries:       getEnvAsInt("SUBMIT_MAX_RETRIES", 3),
		SubmitStageTimeout:     getEnvAsDuration("SUBMIT_STAGE_TIMEOUT_MINUTES", 15, time.Minute),
		PollInterval:           getEnvAsDuration("POLL_INTERVAL_SECONDS", 5, time.Second),
		TranscribeStageTimeout: getEnvAsDuration("TRANSCRIBE_STAGE_TIMEOUT_MINUTES", 120, time.Minute),

		// オーケストレーション設定
		LeaseTTL:               getEnvAsDuration("LEASE_TTL_SECONDS", 120, time.Second),
		MaxActiveJobs:          getEnvAsInt("MAX_ACTIVE_JOBS", 16),
		JanitorInterval:        getEnvAsDuration("JANITOR_INTERVAL_MINUTES", 60, time.Minute),
		FailedJobRetentionDays: getEnvAsInt("FAILED_JOB_RETENTION_DAYS", 7),

		// 結果保存設定
		ResultStore:       strings.ToLower(getEnv("RESULT_STORE", ResultStoreLocal)),
		TranscriptionsDir: getEnv("TRANSCRIPTIONS_DIR", "data/transcriptions"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "transcriptions"),
		S3Region:          getEnv("S3_REGION", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),

		// 受付制限
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_RPM", 30),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.TranscriberURL == "" {
		return fmt.Errorf("TRANSCRIBER_URL is required")
	}
	if c.DownloadMaxRetries < 0 || c.SubmitMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL_SECONDS must be positive")
	}
	if c.UploadMinRate < 0 {
		return fmt.Errorf("UPLOAD_MIN_RATE_KBPS must not be negative")
	}
	switch c.ResultStore {
	case ResultStoreLocal:
	case ResultStoreS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when RESULT_STORE=s3")
		}
	default:
		return fmt.Errorf("unknown RESULT_STORE: %s", c.ResultStore)
	}

	// 本番環境ではプロセス再起動をまたいだ永続化が必須
	if c.GinMode == "release" {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.YtDlpPath == "" {
			return fmt.Errorf("YTDLP_PATH is required in release mode")
		}
	}

	return nil
}

// CacheTTL は音声キャッシュの保持期間を返します。
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.AudioCacheDays) * 24 * time.Hour
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は整数の環境変数を unit 単位の時間として取得します。
func getEnvAsDuration(key string, defaultValue int64, unit time.Duration) time.Duration {
	return time.Duration(getEnvAsInt64(key, defaultValue)) * unit
}
