// Package janitor は期限切れの音声キャッシュと古い failed ジョブを定期的に片付けます。
// 状態機械からは同期的に呼ばれず、ジョブの状態も変更しません。
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/logging"
)

var errSkip = errors.New("audio reference changed")

// Remover はキャッシュ済み音声を削除します。
type Remover interface {
	Remove(ref string) error
}

// Report は1回の掃除の結果です。
type Report struct {
	AudioRemoved int
	JobsPurged   int
}

// Janitor はキャッシュ期限切れの音声を削除し、ジョブの参照を外します。
type Janitor struct {
	store     jobs.Store
	cache     Remover
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// New は Janitor を作成します。retention が0以下なら failed ジョブは削除しません。
func New(store jobs.Store, cache Remover, retention time.Duration, logger zerolog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		cache:     cache,
		retention: retention,
		logger:    logging.Component(logger, "janitor"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep は1回分の掃除を行います。個別の失敗は記録して次のジョブへ進みます。
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := j.now()

	expired, err := j.store.ListCacheExpired(ctx, now)
	if err != nil {
		return report, err
	}
	for _, job := range expired {
		if err := j.evict(ctx, job); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			j.logger.Warn().Err(err).Str("job", job.ID).Msg("failed to evict cached audio")
			continue
		}
		report.AudioRemoved++
	}

	if j.retention > 0 {
		purged, err := j.purgeFailed(ctx, now.Add(-j.retention))
		report.JobsPurged = purged
		if err != nil {
			return report, err
		}
	}

	if report.AudioRemoved > 0 || report.JobsPurged > 0 {
		j.logger.Info().Int("audio_removed", report.AudioRemoved).Int("jobs_purged", report.JobsPurged).Msg("cache sweep finished")
	}
	return report, nil
}

// SweepOnce は結果を捨てて Sweep を実行します。定期タスクのハンドラとして使います。
func (j *Janitor) SweepOnce(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Run は interval ごとに Sweep を実行します。ctx が終了するまで戻りません。
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.logger.Warn().Err(err).Msg("cache sweep failed")
			}
		}
	}
}

func (j *Janitor) evict(ctx context.Context, job *jobs.Job) error {
	ref := job.AudioRef
	if err := j.cache.Remove(ref); err != nil {
		return err
	}
	_, err := j.store.CompareAndSwap(ctx, job.ID, job.Version, func(current *jobs.Job) error {
		if current.AudioRef != ref {
			return errSkip
		}
		current.AudioRef = ""
		current.CacheExpiresAt = nil
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errSkip), errors.Is(err, jobs.ErrNotFound):
		return nil
	case errors.Is(err, jobs.ErrVersionConflict):
		// ファイルは消えているので、参照は次回の掃除で外す
		return nil
	}
	return err
}

func (j *Janitor) purgeFailed(ctx context.Context, cutoff time.Time) (int, error) {
	failed, err := j.store.ListByStatus(ctx, jobs.StatusFailed)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, job := range failed {
		finished := job.UpdatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if job.AudioRef != "" {
			if err := j.cache.Remove(job.AudioRef); err != nil {
				j.logger.Warn().Err(err).Str("job", job.ID).Msg("failed to remove audio of expired job")
			}
		}
		if _, err := j.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
