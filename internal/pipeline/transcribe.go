package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/asteriske/scribe-sub001/internal/fault"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/queue"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

// submit は downloaded 段階の音声を文字起こしキューへ投入し、チケットを保存します。
func (m *Machine) submit(ctx context.Context, c *claim) error {
	job := c.current()
	if !job.AudioAvailable(m.now()) || !m.cache.Exists(job.AudioRef) {
		return c.fail(ctx, fault.Permanent("AUDIO_EVICTED", "cached audio was evicted before upload", nil))
	}
	path, err := m.cache.Path(job.AudioRef)
	if err != nil {
		return c.fail(ctx, fault.Permanent("AUDIO_EVICTED", "cached audio reference is invalid", err))
	}

	callTimeout := m.policy.uploadTimeout(audioSize(path, job))

	first := !c.resumed
	op := func() (string, error) {
		if !first {
			current := c.current()
			if current.RetryCount >= m.policy.SubmitMaxRetries {
				return "", backoff.Permanent(exhausted("submit", nil))
			}
			updated, err := c.update(ctx, func(j *jobs.Job) { j.RetryCount++ })
			if err != nil {
				return "", backoff.Permanent(err)
			}
			c.notify(progress.FromJob(progress.EventProgress, updated,
				fmt.Sprintf("retrying submit (%d/%d)", updated.RetryCount, m.policy.SubmitMaxRetries)))
		}
		first = false

		remaining := m.remaining(c.current(), m.policy.SubmitStageTimeout)
		if remaining <= 0 {
			return "", backoff.Permanent(stageTimeout("submit", nil))
		}
		callCtx, cancel := context.WithTimeout(ctx, minPositive(callTimeout, remaining))
		defer cancel()

		ticket, err := m.queue.Submit(callCtx, queue.AudioInput{Path: path, Language: m.policy.Language})
		if err == nil {
			return ticket, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if !fault.IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.PollInterval
	b.MaxInterval = time.Minute

	ticket, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.remaining(job, m.policy.SubmitStageTimeout)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn().Err(err).Str("job", job.ID).Dur("wait", wait).Msg("submit failed, will retry")
		}),
	)
	if err != nil {
		return m.stageFailure(ctx, c, "submit", err)
	}

	now := m.now()
	_, err = c.transition(ctx, "submitted to transcription queue", func(j *jobs.Job) {
		j.Status = jobs.StatusTranscribing
		j.StageStartedAt = now
		j.RetryCount = 0
		j.Ticket = ticket
	})
	return err
}

// uploadTimeout は size バイトの音声を投入する1回あたりの上限時間です。
func (p Policy) uploadTimeout(size int64) time.Duration {
	d := p.SubmitTimeout
	if p.UploadMinRate > 0 && size > 0 {
		d += time.Duration(float64(size) / float64(p.UploadMinRate) * float64(time.Second))
	}
	return d
}

// audioSize はキャッシュ上の音声サイズを返します。取得できなければダウンロード時の値を使います。
func audioSize(path string, job *jobs.Job) int64 {
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	if job.Media != nil {
		return job.Media.ByteSize
	}
	return 0
}

// await は transcribing 段階でチケットをポーリングします。
// queued/processing の間は失敗ではないため回数ではなく段階の経過時間だけで打ち切ります。
func (m *Machine) await(ctx context.Context, c *claim) error {
	job := c.current()
	if job.Ticket == "" {
		return c.fail(ctx, fault.Permanent("TICKET_MISSING", "transcribing job has no ticket", nil))
	}
	log := m.logger.With().Str("job", job.ID).Str("ticket", job.Ticket).Logger()

	var (
		lastState    queue.State
		lastPosition = -1
		lastProgress = -1
		lastErr      error
	)
	for {
		remaining := m.remaining(c.current(), m.policy.TranscribeStageTimeout)
		if remaining <= 0 {
			// チケットは放棄し、キュー側の期限切れに任せる
			return c.fail(ctx, stageTimeout("transcription", lastErr))
		}

		callCtx, cancel := context.WithTimeout(ctx, minPositive(m.policy.PollTimeout, remaining))
		st, err := m.queue.Poll(callCtx, job.Ticket)
		cancel()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && !fault.IsRetryable(err):
			return c.fail(ctx, err)
		case err != nil:
			lastErr = err
			log.Warn().Err(err).Msg("poll failed, will poll again")
		default:
			lastErr = nil
			switch st.State {
			case queue.StateQueued, queue.StateProcessing:
				if st.State != lastState || st.Position != lastPosition || st.Progress != lastProgress {
					lastState, lastPosition, lastProgress = st.State, st.Position, st.Progress
					ev := progress.FromJob(progress.EventProgress, c.current(), string(st.State))
					ev.Position = st.Position
					ev.Progress = st.Progress
					ev.At = m.now()
					c.notify(ev)
				}
			case queue.StateDone:
				done, err := m.complete(ctx, c, st.Result)
				if done || err != nil {
					return err
				}
			case queue.StateFailed:
				cause := st.Cause
				if cause == "" {
					cause = "transcription engine reported a failure"
				}
				return c.fail(ctx, fault.Permanent("ENGINE_FAILED", cause, nil))
			case queue.StateUnknown:
				// キューが再起動等でチケットを失った。自動で再投入はしない
				return c.fail(ctx, fault.Permanent("TICKET_EVICTED", "transcription queue no longer knows the ticket", nil))
			default:
				lastErr = fmt.Errorf("unexpected ticket state %q", st.State)
				log.Warn().Str("state", string(st.State)).Msg("unexpected ticket state")
			}
		}

		wait := minPositive(m.policy.PollInterval, m.remaining(c.current(), m.policy.TranscribeStageTimeout))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// complete は結果を保存して completed へ遷移させます。
// 保存が一時的に失敗した場合は false を返し、次のポーリングで再試行します。
func (m *Machine) complete(ctx context.Context, c *claim, result *queue.Result) (bool, error) {
	if result == nil {
		return false, nil
	}
	now := m.now()
	doc := storage.NewTranscript(c.current(), result, now)
	ref, err := m.sink.Save(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if fault.IsRetryable(err) {
			m.logger.Warn().Err(err).Str("job", doc.ID).Msg("failed to save transcript, will retry")
			return false, nil
		}
		return true, c.fail(ctx, err)
	}
	_, err = c.transition(ctx, "transcription completed", func(j *jobs.Job) {
		j.Status = jobs.StatusCompleted
		j.CompletedAt = &now
		j.ResultRef = ref
		j.Ticket = ""
		j.Error = nil
	})
	return true, err
}
