package progress

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	relayChannelPrefix  = "transcript:events:"
	relayPublishTimeout = 2 * time.Second
	relayQueueSize      = 256
)

// RedisRelay はイベントを Redis Pub/Sub 経由で全プロセスの Broker へ中継します。
// ワーカープロセスと API プロセスが分かれていても購読者にイベントが届きます。
type RedisRelay struct {
	rdb    redis.UniversalClient
	local  *Broker
	queue  chan Event
	logger zerolog.Logger
}

// NewRedisRelay は RedisRelay を作成します。Redis への発行は Run の実行中に行われます。
func NewRedisRelay(rdb redis.UniversalClient, local *Broker, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		local:  local,
		queue:  make(chan Event, relayQueueSize),
		logger: logger,
	}
}

// Publish はイベントを発行キューに積みます。ブロックはしません。
// キューが満杯の場合はローカルの購読者にだけ配信します。
func (r *RedisRelay) Publish(ev Event) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn().Str("job", ev.JobID).Msg("relay queue full, delivering locally")
		r.local.Publish(ev)
	}
}

// Run は発行キューを Redis へ流しつつ、Redis のイベントを購読してローカルの Broker へ流します。
// ctx が終了するまでブロックします。
func (r *RedisRelay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	fctx, stop := context.WithCancel(ctx)
	defer stop()
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.forward(fctx)
	}()

	pubsub := r.rdb.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			if ev.JobID == "" {
				ev.JobID = strings.TrimPrefix(msg.Channel, relayChannelPrefix)
			}
			r.local.Publish(ev)
		}
	}
}

// forward はキューのイベントを順に Redis へ発行します。停止時に残ったイベントはローカルへ配信します。
func (r *RedisRelay) forward(ctx context.Context) {
	defer r.flushLocal()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.send(ev)
		}
	}
}

func (r *RedisRelay) flushLocal() {
	for {
		select {
		case ev := <-r.queue:
			r.local.Publish(ev)
		default:
			return
		}
	}
}

func (r *RedisRelay) send(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Str("job", ev.JobID).Msg("failed to encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, relayChannelPrefix+ev.JobID, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("job", ev.JobID).Msg("failed to relay event, delivering locally")
		r.local.Publish(ev)
	}
}
