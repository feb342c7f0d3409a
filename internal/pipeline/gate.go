// Package pipeline はジョブの状態機械と各段階の実行を担います。
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

// Prober はストアの疎通確認です。
type Prober func(ctx context.Context) error

// Gate はストア到達不能時にプロセス全体の状態遷移を止めます。
// 遷移の永続化ができない間は、どのジョブも次の段階へ進めません。
type Gate struct {
	probe    Prober
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	open      bool
	recovered chan struct{}
	cause     error
	ctx       context.Context
}

// NewGate は開いた状態の Gate を作成します。ctx が終了すると復旧待ちの監視も止まります。
func NewGate(ctx context.Context, probe Prober, interval time.Duration, logger zerolog.Logger) *Gate {
	if interval <= 0 {
		interval = time.Second
	}
	return &Gate{
		probe:    probe,
		interval: interval,
		logger:   logger,
		open:     true,
		ctx:      ctx,
	}
}

// Open はストアが利用可能とみなされているかを返します。
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Err は閉じている場合にその原因を FatalProcessError として返します。
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return nil
	}
	return fault.Fatal("STORE_UNAVAILABLE", "job store is unreachable", g.cause)
}

// Wait は Gate が開くまで待ちます。
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	ch := g.recovered
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trip は Gate を閉じ、ストアが応答するまでバックグラウンドで疎通確認を続けます。
func (g *Gate) Trip(cause error) {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	g.open = false
	g.cause = cause
	g.recovered = make(chan struct{})
	g.mu.Unlock()

	g.logger.Error().Err(cause).Msg("job store unreachable, halting stage transitions")
	go g.watch()
}

func (g *Gate) watch() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.interval
	b.MaxInterval = 30 * g.interval

	_, err := backoff.Retry(g.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, g.probe(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		// ctx 終了時はプロセス停止中なので閉じたままにする
		return
	}

	g.mu.Lock()
	g.open = true
	g.cause = nil
	close(g.recovered)
	g.mu.Unlock()
	g.logger.Info().Msg("job store reachable again, resuming stage transitions")
}
