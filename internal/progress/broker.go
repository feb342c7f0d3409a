package progress

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/jobs"
)

const defaultBuffer = 64

// SnapshotLoader は購読開始時点のジョブ状態を取得します。
type SnapshotLoader func(ctx context.Context, jobID string) (*jobs.Job, error)

// Broker はジョブごとの購読者へイベントをブロードキャストします。
// 送信はノンブロッキングで、受信側が詰まっている場合はイベントを破棄します。
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription
	buffer int
	logger zerolog.Logger
}

// NewBroker は Broker を作成します。
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[string]*Subscription),
		buffer: defaultBuffer,
		logger: logger,
	}
}

// Subscribe は jobID の購読を開始します。
// 最初に現在状態のスナップショットを配信し、以降はそれより新しいイベントのみを配信します。
// 終端状態のイベントを配信した後、チャネルは閉じられます。
func (b *Broker) Subscribe(ctx context.Context, jobID string, load SnapshotLoader) (*Subscription, error) {
	sub := &Subscription{
		id:      uuid.NewString(),
		jobID:   jobID,
		events:  make(chan Event, b.buffer),
		pending: true,
		broker:  b,
	}

	// スナップショット取得前に登録し、その間のイベントを保留する
	b.add(sub)
	job, err := load(ctx, jobID)
	if err != nil {
		b.remove(sub)
		return nil, err
	}
	sub.start(FromJob(EventSnapshot, job, ""))
	return sub, nil
}

// Publish はイベントを jobID の全購読者へ配信します。
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[ev.JobID]))
	for _, sub := range b.subs[ev.JobID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(ev) {
			b.logger.Debug().Str("job", ev.JobID).Str("subscriber", sub.id).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close はすべての購読を終了します。
func (b *Broker) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, set := range b.subs {
		for _, sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
}

func (b *Broker) add(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.jobID]
	if !ok {
		set = make(map[string]*Subscription)
		b.subs[sub.jobID] = set
	}
	set[sub.id] = sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.jobID]
	delete(set, sub.id)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
}

// Subscription は1購読者の受信チャネルです。
type Subscription struct {
	id     string
	jobID  string
	broker *Broker

	mu      sync.Mutex
	events  chan Event
	pending bool
	held    []Event
	floor   int64 // 配信済みの最新状態バージョン
	closed  bool
}

// Events はイベントを受信するチャネルを返します。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close は購読を終了します。ジョブの実行には影響しません。
func (s *Subscription) Close() {
	s.mu.Lock()
	wasClosed := s.closeLocked()
	s.mu.Unlock()
	if !wasClosed {
		s.broker.remove(s)
	}
}

func (s *Subscription) start(snapshot Event) {
	s.mu.Lock()
	s.pending = false
	s.floor = snapshot.Version
	s.sendLocked(snapshot)
	terminal := snapshot.Terminal()
	held := s.held
	s.held = nil
	for _, ev := range held {
		if terminal {
			break
		}
		if s.acceptLocked(ev) {
			s.sendLocked(ev)
			terminal = ev.Terminal()
		}
	}
	closing := terminal && !s.closeLocked()
	s.mu.Unlock()
	if closing {
		s.broker.remove(s)
	}
}

func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if s.pending {
		if len(s.held) < cap(s.events) {
			s.held = append(s.held, ev)
		}
		s.mu.Unlock()
		return true
	}
	if !s.acceptLocked(ev) {
		s.mu.Unlock()
		return true
	}
	sent := s.sendLocked(ev)
	closing := ev.Terminal() && !s.closeLocked()
	s.mu.Unlock()
	if closing {
		s.broker.remove(s)
	}
	return sent
}

// acceptLocked は既に配信済みの状態より古いイベントを除外します。
func (s *Subscription) acceptLocked(ev Event) bool {
	if ev.Type == EventProgress {
		return ev.Version >= s.floor
	}
	if ev.Version <= s.floor {
		return false
	}
	s.floor = ev.Version
	return true
}

func (s *Subscription) sendLocked(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// closeLocked はチャネルを閉じ、既に閉じていたかどうかを返します。
func (s *Subscription) closeLocked() bool {
	if s.closed {
		return true
	}
	s.closed = true
	close(s.events)
	return false
}
