package main

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/config"
	"github.com/asteriske/scribe-sub001/internal/janitor"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

// dispatcher はジョブ駆動の振り分け先です。Asynq 版とプロセス内版があります。
type dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Start() error
	Shutdown(ctx context.Context) error
}

// setupStore はジョブストアを作成します。REDIS_URL が空ならメモリストアを使います。
func setupStore(cfg *config.Config) (jobs.Store, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return jobs.NewMemoryStore(), nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	return jobs.NewRedisStore(rdb), rdb, nil
}

// setupDispatcher はジョブの振り分け先を作成します。
// Redis がある場合は Asynq を使い、キャッシュ掃除も Asynq のスケジューラに任せます（scheduled が true）。
func setupDispatcher(cfg *config.Config, runner jobs.Runner, sweeper *janitor.Janitor, logger zerolog.Logger) (d dispatcher, scheduled bool, err error) {
	if cfg.RedisURL == "" {
		return jobs.NewLocalDispatcher(runner, cfg.MaxActiveJobs, logger), false, nil
	}
	manager, err := jobs.NewManager(jobs.ManagerOptions{
		RedisURL:        cfg.RedisURL,
		Concurrency:     cfg.MaxActiveJobs,
		TaskTimeout:     taskTimeout(cfg),
		JanitorInterval: cfg.JanitorInterval,
		Logger:          logger,
	}, runner, sweeper.SweepOnce)
	if err != nil {
		return nil, false, err
	}
	return manager, cfg.JanitorInterval > 0, nil
}

// taskTimeout は1タスクの上限時間です。各段階の上限の合計に余裕を持たせます。
func taskTimeout(cfg *config.Config) time.Duration {
	return cfg.DownloadStageTimeout + cfg.SubmitStageTimeout + cfg.TranscribeStageTimeout + cfg.LeaseTTL
}

// setupSink は文字起こし結果の保存先を作成します。
func setupSink(ctx context.Context, cfg *config.Config) (storage.ResultSink, error) {
	if cfg.ResultStore == config.ResultStoreS3 {
		return storage.NewS3Sink(ctx, storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	}
	return storage.NewLocalSink(cfg.TranscriptionsDir)
}
