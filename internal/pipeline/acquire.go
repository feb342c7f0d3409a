package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/asteriske/scribe-sub001/internal/fault"
	"github.com/asteriske/scribe-sub001/internal/fetch"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/progress"
)

// acquire は downloading 段階を実行します。
// 再試行回数は各再試行の前に永続化するため、再起動後の再開も再試行として数えます。
func (m *Machine) acquire(ctx context.Context, c *claim) error {
	job := c.current()
	first := !c.resumed
	var lastErr error

	op := func() (*fetch.Audio, error) {
		if !first {
			current := c.current()
			if current.RetryCount >= m.policy.DownloadMaxRetries {
				return nil, backoff.Permanent(exhausted("download", lastErr))
			}
			updated, err := c.update(ctx, func(j *jobs.Job) { j.RetryCount++ })
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			c.notify(progress.FromJob(progress.EventProgress, updated,
				fmt.Sprintf("retrying download (%d/%d)", updated.RetryCount, m.policy.DownloadMaxRetries)))
		}
		first = false

		remaining := m.remaining(c.current(), m.policy.DownloadStageTimeout)
		if remaining <= 0 {
			return nil, backoff.Permanent(stageTimeout("download", lastErr))
		}
		callCtx, cancel := context.WithTimeout(ctx, minPositive(m.policy.DownloadTimeout, remaining))
		defer cancel()

		audio, err := m.fetcher.Fetch(callCtx, job.SourceURL, job.ID)
		if err == nil {
			return audio, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		classified := classifyFetch(err)
		if !fault.IsRetryable(classified) {
			return nil, backoff.Permanent(classified)
		}
		lastErr = classified
		return nil, classified
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.DownloadBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxInterval = time.Minute

	audio, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.remaining(job, m.policy.DownloadStageTimeout)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn().Err(err).Str("job", job.ID).Dur("wait", wait).Msg("download failed, will retry")
		}),
	)
	if err != nil {
		return m.stageFailure(ctx, c, "download", err)
	}
	return m.downloaded(ctx, c, audio)
}

func (m *Machine) downloaded(ctx context.Context, c *claim, audio *fetch.Audio) error {
	ref, err := m.cache.Ref(audio.Path)
	if err != nil {
		return c.fail(ctx, fault.Permanent("AUDIO_OUTSIDE_CACHE", "downloaded audio is not in the cache", err))
	}
	now := m.now()
	expires := now.Add(m.policy.CacheTTL)
	_, err = c.transition(ctx, "audio downloaded", func(j *jobs.Job) {
		j.Status = jobs.StatusDownloaded
		j.StageStartedAt = now
		j.RetryCount = 0
		j.AudioRef = ref
		j.CacheExpiresAt = &expires
		j.Media = &jobs.Media{
			Title:           audio.Title,
			Channel:         audio.Channel,
			DurationSeconds: audio.DurationSeconds,
			ByteSize:        audio.ByteSize,
			Format:          audio.Format,
		}
	})
	return err
}

// stageFailure は backoff.Retry が返したエラーを段階の結果に変換します。
// ストアやリースの問題はジョブの失敗ではないのでそのまま返します。
func (m *Machine) stageFailure(ctx context.Context, c *claim, stage string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errLeaseLost) || errors.Is(err, errJobGone) {
		return err
	}
	fe, ok := fault.As(err)
	if !ok {
		// ストア以外の想定外エラーも一時的なものとして予算切れ扱いにする
		return c.fail(ctx, exhausted(stage, err))
	}
	if fe.Category == fault.TransientStage && fe.Code != codeRetriesExhausted && fe.Code != codeStageTimeout {
		// 試行回数または経過時間の上限で Retry が止まった
		return c.fail(ctx, exhausted(stage, err))
	}
	return c.fail(ctx, fe)
}

const (
	codeRetriesExhausted = "RETRIES_EXHAUSTED"
	codeStageTimeout     = "STAGE_TIMEOUT"
)

func exhausted(stage string, cause error) error {
	return fault.Transient(codeRetriesExhausted, stage+" retry budget exhausted", cause)
}

func stageTimeout(stage string, cause error) error {
	return fault.Transient(codeStageTimeout, stage+" stage timed out", cause)
}

// remaining は段階開始からの経過時間に対する残り予算を返します。
func (m *Machine) remaining(job *jobs.Job, budget time.Duration) time.Duration {
	if budget <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return budget - m.now().Sub(job.StageStartedAt)
}

func minPositive(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b < a {
		return b
	}
	return a
}

// classifyFetch はダウンロードのエラーを段階エラーへ分類します。
func classifyFetch(err error) error {
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Transient("DOWNLOAD_TIMEOUT", "download timed out", err)
		}
		return fault.Transient("DOWNLOAD_FAILED", "download failed", err)
	}
	switch fe.Kind {
	case fetch.KindNotFound:
		return fault.Permanent("SOURCE_NOT_FOUND", "source is unavailable: "+fe.Message, err)
	case fetch.KindUnsupported:
		return fault.Permanent("UNSUPPORTED_SOURCE", "source is not supported: "+fe.Message, err)
	case fetch.KindSizeExceeded:
		return fault.Permanent("AUDIO_TOO_LARGE", "audio exceeds the size limit: "+fe.Message, err)
	case fetch.KindDiskFull:
		return fault.Exhausted("DISK_FULL", "audio cache is out of space", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Transient("DOWNLOAD_TIMEOUT", "download timed out", err)
	}
	return fault.Transient("DOWNLOAD_NETWORK", "network error during download: "+fe.Message, err)
}
