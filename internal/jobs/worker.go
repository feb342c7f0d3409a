// Package jobs はジョブ記録の永続化と、ジョブ駆動の振り分けを提供します。
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/logging"
)

// ErrDispatcherClosed は停止後の投入を表します。
var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// LocalDispatcher は REDIS_URL 未設定時に使うプロセス内のディスパッチャです。
// ジョブごとに goroutine を起動し、同時駆動数を maxActive に制限します。
// 同じジョブは同時に1本しか駆動しません。
type LocalDispatcher struct {
	runner Runner
	sem    chan struct{}
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
	timers map[string]*time.Timer
	closed bool
}

// NewLocalDispatcher は LocalDispatcher を作成します。
func NewLocalDispatcher(runner Runner, maxActive int, logger zerolog.Logger) *LocalDispatcher {
	if maxActive <= 0 {
		maxActive = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		runner: runner,
		sem:    make(chan struct{}, maxActive),
		logger: logging.Component(logger, "dispatcher"),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Start はインターフェースを揃えるためのもので、何もしません。
func (d *LocalDispatcher) Start() error {
	return nil
}

// Dispatch はジョブの駆動を開始します。既に駆動中なら何もしません。
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	if _, ok := d.active[jobID]; ok {
		return nil
	}
	if t, ok := d.timers[jobID]; ok {
		t.Stop()
		delete(d.timers, jobID)
	}
	d.active[jobID] = struct{}{}
	d.wg.Add(1)
	go d.run(jobID)
	return nil
}

// Active は駆動中のジョブ数を返します。
func (d *LocalDispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *LocalDispatcher) run(jobID string) {
	defer d.wg.Done()

	var err error
	select {
	case d.sem <- struct{}{}:
		err = d.runner.Drive(d.ctx, jobID)
		<-d.sem
	case <-d.ctx.Done():
		err = d.ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
	if err == nil || d.closed {
		return
	}

	var ra retryAfter
	if errors.As(err, &ra) {
		delay := ra.RetryAfter() + 10*time.Millisecond
		d.logger.Debug().Err(err).Str("job", jobID).Dur("delay", delay).Msg("job busy, retrying later")
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			d.mu.Lock()
			if d.timers[jobID] == t {
				delete(d.timers, jobID)
			}
			d.mu.Unlock()
			if err := d.Dispatch(d.ctx, jobID); err != nil && !errors.Is(err, ErrDispatcherClosed) {
				d.logger.Error().Err(err).Str("job", jobID).Msg("failed to re-dispatch job")
			}
		})
		d.timers[jobID] = t
		return
	}
	d.logger.Error().Err(err).Str("job", jobID).Msg("job drive failed")
}

// Shutdown は新規投入を止め、駆動中のジョブを中断して終了を待ちます。
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
