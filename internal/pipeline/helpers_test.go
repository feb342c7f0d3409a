package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/asteriske/scribe-sub001/internal/fetch"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/queue"
	"github.com/asteriske/scribe-sub001/internal/source"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

type fetchStep func(ctx context.Context, path string) (*fetch.Audio, error)

// fakeFetcher は呼び出しごとに script を順に実行し、尽きたら最後の手順を繰り返します。
type fakeFetcher struct {
	dir    string
	mu     sync.Mutex
	script []fetchStep
	calls  atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, jobID string) (*fetch.Audio, error) {
	n := int(f.calls.Add(1)) - 1
	f.mu.Lock()
	step := f.script[min(n, len(f.script)-1)]
	f.mu.Unlock()
	return step(ctx, filepath.Join(f.dir, jobID+".mp3"))
}

func fetchOK(duration float64) fetchStep {
	return func(ctx context.Context, path string) (*fetch.Audio, error) {
		if err := os.WriteFile(path, []byte("ID3-fake-audio"), 0o644); err != nil {
			return nil, err
		}
		return &fetch.Audio{
			Path:            path,
			Format:          "mp3",
			MIME:            "audio/mpeg",
			Title:           "clip",
			DurationSeconds: duration,
			ByteSize:        14,
		}, nil
	}
}

func fetchFail(kind fetch.Kind) fetchStep {
	return func(ctx context.Context, path string) (*fetch.Audio, error) {
		return nil, &fetch.Error{Kind: kind, Message: string(kind)}
	}
}

// fetchHang は呼び出しのタイムアウトまで待ってからネットワークエラーを返します。
func fetchHang() fetchStep {
	return func(ctx context.Context, path string) (*fetch.Audio, error) {
		<-ctx.Done()
		return nil, &fetch.Error{Kind: fetch.KindNetwork, Message: "timed out", Err: ctx.Err()}
	}
}

// fakeQueue は Poll のたびに polls を順に返し、尽きたら最後の状態を返し続けます。
type fakeQueue struct {
	mu         sync.Mutex
	polls      []queue.Status
	submitErrs []error
	submits    atomic.Int32
	pollCount  atomic.Int32
	budgets    []time.Duration
}

func (q *fakeQueue) Submit(ctx context.Context, audio queue.AudioInput) (string, error) {
	n := int(q.submits.Add(1)) - 1
	q.mu.Lock()
	defer q.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		q.budgets = append(q.budgets, time.Until(deadline))
	}
	if n < len(q.submitErrs) && q.submitErrs[n] != nil {
		return "", q.submitErrs[n]
	}
	if _, err := os.Stat(audio.Path); err != nil {
		return "", err
	}
	return "ticket-1", nil
}

func (q *fakeQueue) Poll(ctx context.Context, ticket string) (*queue.Status, error) {
	n := int(q.pollCount.Add(1)) - 1
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.polls[min(n, len(q.polls)-1)]
	return &st, nil
}

func (q *fakeQueue) Health(ctx context.Context) error {
	return nil
}

func processing(pct int) queue.Status {
	return queue.Status{State: queue.StateProcessing, Progress: pct}
}

func doneWith(text string) queue.Status {
	return queue.Status{State: queue.StateDone, Result: &queue.Result{
		Language: "en",
		Duration: 10,
		Text:     text,
		Segments: []queue.Segment{{ID: 0, Start: 0, End: 10, Text: text}},
	}}
}

// recorder は発行されたイベントを記録しつつ Broker にも流します。
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
	next   progress.Publisher
}

func (r *recorder) Publish(ev progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Publish(ev)
	}
}

func (r *recorder) statuses() []jobs.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.Status
	for _, ev := range r.events {
		if ev.Type == progress.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *recorder) details(typ progress.EventType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev.Detail)
		}
	}
	return out
}

func testPolicy() Policy {
	return Policy{
		DownloadTimeout:        time.Second,
		DownloadMaxRetries:     2,
		DownloadBackoff:        time.Millisecond,
		DownloadStageTimeout:   5 * time.Second,
		SubmitMaxRetries:       2,
		SubmitStageTimeout:     5 * time.Second,
		PollInterval:           2 * time.Millisecond,
		PollTimeout:            time.Second,
		TranscribeStageTimeout: 5 * time.Second,
		LeaseTTL:               time.Minute,
		CacheTTL:               time.Hour,
	}
}

type harness struct {
	store   *jobs.MemoryStore
	cache   *storage.AudioCache
	sink    *storage.LocalSink
	fetcher *fakeFetcher
	queue   *fakeQueue
	broker  *progress.Broker
	rec     *recorder
	gate    *Gate
	machine *Machine
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	cache, err := storage.NewAudioCache(filepath.Join(t.TempDir(), "audio"))
	require.NoError(t, err)
	sink, err := storage.NewLocalSink(filepath.Join(t.TempDir(), "results"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		store:   jobs.NewMemoryStore(),
		cache:   cache,
		sink:    sink,
		fetcher: &fakeFetcher{dir: cache.Dir(), script: []fetchStep{fetchOK(10)}},
		queue:   &fakeQueue{polls: []queue.Status{doneWith("hello")}},
		broker:  progress.NewBroker(zerolog.Nop()),
	}
	h.rec = &recorder{next: h.broker}
	h.gate = NewGate(ctx, h.store.Ping, time.Millisecond, zerolog.Nop())
	h.machine, err = NewMachine(Deps{
		Store:     h.store,
		Fetcher:   h.fetcher,
		Queue:     h.queue,
		Cache:     h.cache,
		Sink:      h.sink,
		Publisher: h.rec,
		Gate:      h.gate,
		Logger:    zerolog.Nop(),
	}, policy)
	require.NoError(t, err)
	return h
}

// create は url のジョブを pending で作成します。
func (h *harness) create(t *testing.T, url string) *jobs.Job {
	t.Helper()
	info, err := source.Parse(url)
	require.NoError(t, err)
	job, created, err := h.store.CreateIfAbsent(context.Background(), &jobs.Job{
		ID:         info.ID,
		SourceURL:  info.URL,
		SourceType: string(info.Type),
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

// seed は任意の状態のジョブを直接保存します。再起動後の復旧を模擬するのに使います。
func (h *harness) seed(t *testing.T, job *jobs.Job) *jobs.Job {
	t.Helper()
	stored, created, err := h.store.CreateIfAbsent(context.Background(), job)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (h *harness) load(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) drive(t *testing.T, id string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.machine.Drive(ctx, id)
}
