package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/fault"
	"github.com/asteriske/scribe-sub001/internal/fetch"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/queue"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

var (
	// errLeaseLost は駆動中に他のインスタンスへ占有が移ったことを表します。
	errLeaseLost = errors.New("job lease lost")
	// errJobGone は駆動中にジョブが削除されたことを表します。
	errJobGone = errors.New("job deleted while running")
)

// LeaseHeldError は他のインスタンスが有効なリースを保持していることを表します。
type LeaseHeldError struct {
	JobID string
	Owner string
	Until time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("job %s is claimed by %s until %s", e.JobID, e.Owner, e.Until.Format(time.RFC3339))
}

// RetryAfter はリースが切れるまでの待ち時間を返します。
func (e *LeaseHeldError) RetryAfter() time.Duration {
	d := time.Until(e.Until)
	if d < 0 {
		return 0
	}
	return d
}

// AudioCache は段階実行が使う音声キャッシュの操作です。
type AudioCache interface {
	Ref(path string) (string, error)
	Path(ref string) (string, error)
	Exists(ref string) bool
	Remove(ref string) error
}

// Policy は段階ごとの再試行とタイムアウトの設定です。
type Policy struct {
	DownloadTimeout        time.Duration
	DownloadMaxRetries     int
	DownloadBackoff        time.Duration
	DownloadStageTimeout   time.Duration
	SubmitMaxRetries       int
	SubmitStageTimeout     time.Duration
	SubmitTimeout          time.Duration // 投入1回の基本上限。音声サイズ分が加算される
	UploadMinRate          int64         // 想定する最低転送速度（バイト/秒）。0なら加算しない
	PollInterval           time.Duration
	PollTimeout            time.Duration
	TranscribeStageTimeout time.Duration
	LeaseTTL               time.Duration
	CacheTTL               time.Duration
	Language               string
}

// Deps は Machine が使う協調者です。
type Deps struct {
	Store     jobs.Store
	Fetcher   fetch.Fetcher
	Queue     queue.Queue
	Cache     AudioCache
	Sink      storage.ResultSink
	Publisher progress.Publisher
	Gate      *Gate
	Logger    zerolog.Logger
}

// Machine は1件のジョブを終端状態まで駆動します。
// 遷移はすべてストアの CAS で永続化してから発行します。
type Machine struct {
	store     jobs.Store
	fetcher   fetch.Fetcher
	queue     queue.Queue
	cache     AudioCache
	sink      storage.ResultSink
	publisher progress.Publisher
	gate      *Gate
	logger    zerolog.Logger
	policy    Policy
	owner     string
	now       func() time.Time
}

// NewMachine は Machine を作成します。リース所有者IDはプロセスごとに払い出します。
func NewMachine(deps Deps, policy Policy) (*Machine, error) {
	if deps.Store == nil || deps.Fetcher == nil || deps.Queue == nil || deps.Cache == nil || deps.Sink == nil {
		return nil, fmt.Errorf("store, fetcher, queue, cache and sink are required")
	}
	if deps.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if policy.LeaseTTL <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}
	if policy.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	return &Machine{
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		queue:     deps.Queue,
		cache:     deps.Cache,
		sink:      deps.Sink,
		publisher: deps.Publisher,
		gate:      deps.Gate,
		logger:    deps.Logger,
		policy:    policy,
		owner:     uuid.NewString(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Owner はこのインスタンスのリース所有者IDを返します。
func (m *Machine) Owner() string {
	return m.owner
}

// Drive は jobID のジョブを占有し、終端状態に達するまで段階を進めます。
// 既に終端のジョブや削除済みのジョブでは何もしません。
// ctx が終了した場合は途中の状態を残したままリースを解放して戻ります。
func (m *Machine) Drive(ctx context.Context, jobID string) error {
	job, err := m.claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			m.logger.Debug().Str("job", jobID).Msg("job no longer exists, nothing to drive")
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	log := m.logger.With().Str("job", jobID).Logger()
	log.Info().Str("status", string(job.Status)).Int64("version", job.Version).Msg("job claimed")

	runCtx, cancel := context.WithCancel(ctx)
	c := &claim{m: m, job: job, resumed: job.Status != jobs.StatusPending}
	stop := c.keepAlive(runCtx, cancel)
	defer func() {
		cancel()
		stop()
	}()

	for {
		current := c.current()
		if current.Status.Terminal() {
			log.Info().Str("status", string(current.Status)).Msg("job finished")
			return nil
		}
		if err := m.step(runCtx, c); err != nil {
			switch {
			case errors.Is(err, errJobGone):
				log.Info().Msg("job deleted while running")
				return nil
			case errors.Is(err, errLeaseLost) || c.lost():
				log.Warn().Msg("lease lost, another instance took over")
				return nil
			case ctx.Err() != nil:
				stop()
				c.release()
				return ctx.Err()
			}
			return err
		}
		c.resumed = false
	}
}

func (m *Machine) step(ctx context.Context, c *claim) error {
	job := c.current()
	switch job.Status {
	case jobs.StatusPending:
		_, err := c.transition(ctx, "download started", func(j *jobs.Job) {
			j.Status = jobs.StatusDownloading
			j.StageStartedAt = m.now()
			j.RetryCount = 0
		})
		return err
	case jobs.StatusDownloading:
		return m.acquire(ctx, c)
	case jobs.StatusDownloaded:
		return m.submit(ctx, c)
	case jobs.StatusTranscribing:
		return m.await(ctx, c)
	}
	return fmt.Errorf("job %s has unknown status %q", job.ID, job.Status)
}

// claim は1回の Drive が保持するジョブの占有です。
// 段階処理とリース更新の両方が同じ job を更新するため mu で直列化します。
type claim struct {
	m       *Machine
	resumed bool

	mu       sync.Mutex
	job      *jobs.Job
	lostFlag bool
}

func (m *Machine) claim(ctx context.Context, jobID string) (*jobs.Job, error) {
	for {
		job, err := m.load(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		now := m.now()
		if job.LeaseHeldByOther(m.owner, now) {
			return nil, &LeaseHeldError{JobID: jobID, Owner: job.LeaseOwner, Until: *job.LeaseExpiresAt}
		}
		claimed, err := m.cas(ctx, job.ID, job.Version, func(j *jobs.Job) error {
			m.extendLease(j)
			return nil
		})
		if errors.Is(err, jobs.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
}

// load はストアが復旧するまで待ちながらジョブを読み込みます。
func (m *Machine) load(ctx context.Context, jobID string) (*jobs.Job, error) {
	for {
		if err := m.gate.Wait(ctx); err != nil {
			return nil, err
		}
		job, err := m.store.Load(ctx, jobID)
		if errors.Is(err, jobs.ErrUnavailable) {
			m.gate.Trip(err)
			continue
		}
		return job, err
	}
}

// cas はストアが到達不能の間は Gate が開くまで待ってから再実行します。
func (m *Machine) cas(ctx context.Context, jobID string, version int64, mutate jobs.Mutator) (*jobs.Job, error) {
	for {
		if err := m.gate.Wait(ctx); err != nil {
			return nil, err
		}
		updated, err := m.store.CompareAndSwap(ctx, jobID, version, mutate)
		if errors.Is(err, jobs.ErrUnavailable) {
			m.gate.Trip(err)
			continue
		}
		return updated, err
	}
}

func (m *Machine) extendLease(j *jobs.Job) {
	until := m.now().Add(m.policy.LeaseTTL)
	j.LeaseOwner = m.owner
	j.LeaseExpiresAt = &until
}

func (c *claim) current() *jobs.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Clone()
}

func (c *claim) lost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostFlag
}

// update は最新の job に mutate を適用して永続化します。
// 他の更新（キャッシュ掃除など）と競合した場合は読み直して再適用します。
func (c *claim) update(ctx context.Context, mutate func(*jobs.Job)) (*jobs.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.m
	for {
		if c.lostFlag {
			return nil, errLeaseLost
		}
		updated, err := m.cas(ctx, c.job.ID, c.job.Version, func(j *jobs.Job) error {
			if j.LeaseOwner != m.owner {
				return errLeaseLost
			}
			mutate(j)
			if j.Status.Terminal() {
				j.LeaseOwner = ""
				j.LeaseExpiresAt = nil
			} else {
				m.extendLease(j)
			}
			return nil
		})
		switch {
		case err == nil:
			c.job = updated
			return updated.Clone(), nil
		case errors.Is(err, jobs.ErrNotFound):
			return nil, errJobGone
		case errors.Is(err, errLeaseLost):
			c.lostFlag = true
			return nil, err
		case errors.Is(err, jobs.ErrVersionConflict):
			fresh, lerr := m.load(ctx, c.job.ID)
			if errors.Is(lerr, jobs.ErrNotFound) {
				return nil, errJobGone
			}
			if lerr != nil {
				return nil, lerr
			}
			if fresh.LeaseOwner != m.owner || fresh.Status != c.job.Status {
				c.lostFlag = true
				return nil, errLeaseLost
			}
			c.job = fresh
			continue
		}
		return nil, err
	}
}

// transition は永続化に成功した後で状態イベントを発行します。
func (c *claim) transition(ctx context.Context, detail string, mutate func(*jobs.Job)) (*jobs.Job, error) {
	before := c.current().Status
	updated, err := c.update(ctx, mutate)
	if err != nil {
		return nil, err
	}
	typ := progress.EventProgress
	if updated.Status != before {
		typ = progress.EventStatus
		c.m.logger.Info().
			Str("job", updated.ID).
			Str("from", string(before)).
			Str("to", string(updated.Status)).
			Int64("version", updated.Version).
			Msg(detail)
	}
	c.m.publisher.Publish(progress.FromJob(typ, updated, detail))
	return updated, nil
}

// fail はジョブを failed へ遷移させます。
func (c *claim) fail(ctx context.Context, err error) error {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Transient("STAGE_ERROR", err.Error(), err)
	}
	stage := c.current().Status
	now := c.m.now()
	_, terr := c.transition(ctx, fe.Message, func(j *jobs.Job) {
		j.Status = jobs.StatusFailed
		j.CompletedAt = &now
		j.Ticket = ""
		j.Error = &jobs.ErrorInfo{
			Category: string(fe.Category),
			Code:     fe.Code,
			Message:  fe.Message,
			Stage:    stage,
		}
	})
	return terr
}

// notify は状態を変えずに補足情報を発行します。永続化は伴いません。
func (c *claim) notify(ev progress.Event) {
	c.m.publisher.Publish(ev)
}

// keepAlive はリースの半分が過ぎるたびに期限を延長します。
// 延長に失敗して占有を失った場合は cancel で段階処理を打ち切ります。
func (c *claim) keepAlive(ctx context.Context, cancel context.CancelFunc) func() {
	interval := c.m.policy.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	jobID := c.current().ID
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !c.needsRenewal() {
				continue
			}
			if _, err := c.update(ctx, func(*jobs.Job) {}); err != nil {
				if errors.Is(err, errLeaseLost) || errors.Is(err, errJobGone) {
					c.mu.Lock()
					c.lostFlag = true
					c.mu.Unlock()
					cancel()
					return
				}
				if ctx.Err() == nil {
					c.m.logger.Warn().Err(err).Str("job", jobID).Msg("failed to renew lease")
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (c *claim) needsRenewal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status.Terminal() || c.job.LeaseExpiresAt == nil {
		return false
	}
	return time.Until(*c.job.LeaseExpiresAt) < c.m.policy.LeaseTTL/2
}

// release は非終端のまま中断する場合にリースを手放し、再起動後すぐに再開できるようにします。
func (c *claim) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lostFlag || c.job.Status.Terminal() {
		return
	}
	m := c.m
	if !m.gate.Open() {
		return
	}
	_, err := m.store.CompareAndSwap(ctx, c.job.ID, c.job.Version, func(j *jobs.Job) error {
		if j.LeaseOwner != m.owner {
			return errLeaseLost
		}
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("job", c.job.ID).Msg("lease not released")
	}
}
