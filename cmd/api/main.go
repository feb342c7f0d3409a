// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/api"
	"github.com/asteriske/scribe-sub001/internal/config"
	"github.com/asteriske/scribe-sub001/internal/fetch"
	"github.com/asteriske/scribe-sub001/internal/janitor"
	"github.com/asteriske/scribe-sub001/internal/logging"
	"github.com/asteriske/scribe-sub001/internal/pipeline"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/queue"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

const (
	serviceName = "scribe-api"
	version     = "0.1.0"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json", serviceName)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, rdb, err := setupStore(cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	cache, err := storage.NewAudioCache(cfg.AudioCacheDir)
	if err != nil {
		return err
	}
	sink, err := setupSink(ctx, cfg)
	if err != nil {
		return err
	}

	// 進捗は Redis があれば Pub/Sub で全インスタンスへ中継する
	broker := progress.NewBroker(logger)
	defer broker.Close()
	var publisher progress.Publisher = broker
	if rdb != nil {
		relay := progress.NewRedisRelay(rdb, broker, logger)
		publisher = relay
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("progress relay stopped")
			}
		}()
	}

	gate := pipeline.NewGate(ctx, store.Ping, time.Second, logger)
	transcriber := queue.NewHTTPClient(cfg.TranscriberURL, queue.ClientOptions{
		ResponseHeaderTimeout: cfg.TranscriberRequestTimeout,
		RequestTimeout:        cfg.TranscriberRequestTimeout,
	})
	machine, err := pipeline.NewMachine(pipeline.Deps{
		Store: store,
		Fetcher: fetch.NewYtDlp(fetch.YtDlpOptions{
			Path:     cfg.YtDlpPath,
			Dir:      cache.Dir(),
			MaxBytes: cfg.MaxAudioSize,
		}),
		Queue:     transcriber,
		Cache:     cache,
		Sink:      sink,
		Publisher: publisher,
		Gate:      gate,
		Logger:    logger,
	}, pipeline.Policy{
		DownloadTimeout:        cfg.DownloadTimeout,
		DownloadMaxRetries:     cfg.DownloadMaxRetries,
		DownloadBackoff:        cfg.DownloadBackoff,
		DownloadStageTimeout:   cfg.DownloadStageTimeout,
		SubmitMaxRetries:       cfg.SubmitMaxRetries,
		SubmitStageTimeout:     cfg.SubmitStageTimeout,
		SubmitTimeout:          cfg.TranscriberTimeout,
		UploadMinRate:          cfg.UploadMinRate,
		PollInterval:           cfg.PollInterval,
		PollTimeout:            cfg.TranscriberRequestTimeout,
		TranscribeStageTimeout: cfg.TranscribeStageTimeout,
		LeaseTTL:               cfg.LeaseTTL,
		CacheTTL:               cfg.CacheTTL(),
		Language:               cfg.TranscribeLanguage,
	})
	if err != nil {
		return err
	}

	sweeper := janitor.New(store, cache, time.Duration(cfg.FailedJobRetentionDays)*24*time.Hour, logger)
	jobDispatcher, sweepScheduled, err := setupDispatcher(cfg, machine, sweeper, logger)
	if err != nil {
		return err
	}
	if err := jobDispatcher.Start(); err != nil {
		return err
	}
	if !sweepScheduled && cfg.JanitorInterval > 0 {
		go sweeper.Run(ctx, cfg.JanitorInterval)
	}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Store:      store,
		Dispatcher: jobDispatcher,
		Broker:     broker,
		Publisher:  publisher,
		Cache:      cache,
		Sink:       sink,
		Gate:       gate,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// 前回の実行で中断したジョブを再開する
	if _, err := orchestrator.Recover(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup recovery failed")
	}
	go orchestrator.RunRecovery(ctx, cfg.LeaseTTL)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Last-Event-ID",
	}
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	corsConfig.ExposeHeaders = []string{"Location", "Retry-After"}
	router.Use(cors.New(corsConfig))

	handler := api.NewHandler(orchestrator, api.Options{
		Service:           serviceName,
		Version:           version,
		TranscriberHealth: transcriber.Health,
		Logger:            logger,
	})
	handler.Register(router, api.NewRateLimiter(cfg.RateLimitPerMinute).Middleware())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown failed")
	}
	// 駆動中のジョブはリースを解放して停止し、次回起動時に再開される
	if err := jobDispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatcher shutdown failed")
	}
	return nil
}
