package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asteriske/scribe-sub001/internal/jobs"
)

func jobAt(status jobs.Status, version int64) *jobs.Job {
	return &jobs.Job{ID: "youtube_abc", Status: status, Version: version, UpdatedAt: time.Now().UTC()}
}

func loaderFor(job *jobs.Job) SnapshotLoader {
	return func(ctx context.Context, jobID string) (*jobs.Job, error) {
		return job.Clone(), nil
	}
}

func subscriberCount(b *Broker, jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func statusEvent(status jobs.Status, version int64) Event {
	return FromJob(EventStatus, jobAt(status, version), "")
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription was not closed; got %d events", len(out))
		}
	}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBrokerSnapshotThenNewerEvents(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	sub, err := b.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusDownloading, 2)))
	require.NoError(t, err)

	b.Publish(statusEvent(jobs.StatusDownloading, 2))
	b.Publish(Event{Type: EventProgress, JobID: "youtube_abc", Status: jobs.StatusDownloading, Version: 2, Detail: "retry 1"})
	b.Publish(statusEvent(jobs.StatusDownloaded, 3))
	b.Publish(statusEvent(jobs.StatusTranscribing, 4))
	b.Publish(statusEvent(jobs.StatusCompleted, 5))
	b.Publish(statusEvent(jobs.StatusCompleted, 6))

	events := drain(t, sub)
	require.Len(t, events, 5)
	assert.Equal(t, EventSnapshot, events[0].Type)
	assert.Equal(t, jobs.StatusDownloading, events[0].Status)
	assert.Equal(t, EventProgress, events[1].Type)
	assert.Equal(t, jobs.StatusDownloaded, events[2].Status)
	assert.Equal(t, jobs.StatusTranscribing, events[3].Status)
	assert.Equal(t, jobs.StatusCompleted, events[4].Status)
	assert.Equal(t, 0, subscriberCount(b, "youtube_abc"))
}

func TestBrokerTerminalSnapshotClosesImmediately(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	sub, err := b.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusFailed, 4)))
	require.NoError(t, err)

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, jobs.StatusFailed, events[0].Status)
	assert.True(t, events[0].Terminal())
}

func TestBrokerEventsDuringSnapshotAreHeld(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	load := func(ctx context.Context, jobID string) (*jobs.Job, error) {
		b.Publish(statusEvent(jobs.StatusDownloading, 2))
		b.Publish(statusEvent(jobs.StatusDownloaded, 3))
		return jobAt(jobs.StatusDownloading, 2), nil
	}
	sub, err := b.Subscribe(context.Background(), "youtube_abc", load)
	require.NoError(t, err)
	defer sub.Close()

	first := next(t, sub)
	assert.Equal(t, EventSnapshot, first.Type)
	second := next(t, sub)
	assert.Equal(t, jobs.StatusDownloaded, second.Status)
	assert.Equal(t, int64(3), second.Version)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %#v", ev)
	default:
	}
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	loader := loaderFor(jobAt(jobs.StatusPending, 1))
	a, err := b.Subscribe(context.Background(), "youtube_abc", loader)
	require.NoError(t, err)
	c, err := b.Subscribe(context.Background(), "youtube_abc", loader)
	require.NoError(t, err)
	other, err := b.Subscribe(context.Background(), "youtube_other", loader)
	require.NoError(t, err)
	defer other.Close()

	b.Publish(statusEvent(jobs.StatusFailed, 2))

	assert.Len(t, drain(t, a), 2)
	assert.Len(t, drain(t, c), 2)
	assert.Equal(t, EventSnapshot, next(t, other).Type)
}

func TestBrokerPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	sub, err := b.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusTranscribing, 5)))
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*3; i++ {
			b.Publish(Event{Type: EventProgress, JobID: "youtube_abc", Status: jobs.StatusTranscribing, Version: 5})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBrokerCloseUnsubscribes(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	sub, err := b.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusPending, 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, subscriberCount(b, "youtube_abc"))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, subscriberCount(b, "youtube_abc"))
	b.Publish(statusEvent(jobs.StatusDownloading, 2))
}

func TestBrokerSubscribeLoadError(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	_, err := b.Subscribe(context.Background(), "missing", func(ctx context.Context, jobID string) (*jobs.Job, error) {
		return nil, jobs.ErrNotFound
	})
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
	assert.Equal(t, 0, subscriberCount(b, "missing"))
}

func TestRedisRelayDeliversAcrossBrokers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiver := NewBroker(zerolog.Nop())
	relayIn := NewRedisRelay(rdb, receiver, zerolog.Nop())
	go func() { _ = relayIn.Run(ctx) }()

	sub, err := receiver.Subscribe(ctx, "youtube_abc", loaderFor(jobAt(jobs.StatusDownloaded, 3)))
	require.NoError(t, err)
	assert.Equal(t, EventSnapshot, next(t, sub).Type)

	sender := NewRedisRelay(rdb, NewBroker(zerolog.Nop()), zerolog.Nop())
	go func() { _ = sender.Run(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumPat() >= 2
	}, time.Second, 10*time.Millisecond)
	sender.Publish(statusEvent(jobs.StatusTranscribing, 4))

	ev := next(t, sub)
	assert.Equal(t, jobs.StatusTranscribing, ev.Status)
	assert.Equal(t, int64(4), ev.Version)
	sub.Close()
}

func TestRedisRelayPublishDoesNotBlockWhenQueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	local := NewBroker(zerolog.Nop())
	relay := NewRedisRelay(rdb, local, zerolog.Nop())
	sub, err := local.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusDownloading, 1)))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, EventSnapshot, next(t, sub).Type)

	// Run していないので発行キューは消化されない
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range relayQueueSize + 1 {
			relay.Publish(statusEvent(jobs.StatusDownloading, int64(i+2)))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full relay queue")
	}

	// 溢れたイベントはローカルの購読者へ届く
	ev := next(t, sub)
	assert.Equal(t, int64(relayQueueSize+2), ev.Version)
}

func TestRedisRelayFlushesQueueLocallyOnStop(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	local := NewBroker(zerolog.Nop())
	relay := NewRedisRelay(rdb, local, zerolog.Nop())
	sub, err := local.Subscribe(context.Background(), "youtube_abc", loaderFor(jobAt(jobs.StatusDownloading, 1)))
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, EventSnapshot, next(t, sub).Type)

	relay.Publish(statusEvent(jobs.StatusDownloaded, 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	relay.forward(ctx)

	ev := next(t, sub)
	assert.Equal(t, jobs.StatusDownloaded, ev.Status)
}
