package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/asteriske/scribe-sub001/internal/fault"
	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/progress"
	"github.com/asteriske/scribe-sub001/internal/source"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

// Dispatcher はジョブの駆動を非同期に開始します。
// 同じジョブを重複して投入しても駆動は1本だけになるよう実装します。
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// ConflictError は同じソースのジョブが既に存在することを表します。
type ConflictError struct {
	Existing *jobs.Job
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s already exists for this source (status: %s)", e.Existing.ID, e.Existing.Status)
}

// Unwrap は ConflictError を fault の分類に載せます。
func (e *ConflictError) Unwrap() error {
	return fault.New(fault.Conflict, "JOB_CONFLICT", "job already exists", nil)
}

// Orchestrator は投入・照会・購読・復旧の入口です。
type Orchestrator struct {
	store      jobs.Store
	dispatcher Dispatcher
	broker     *progress.Broker
	publisher  progress.Publisher
	cache      AudioCache
	sink       storage.ResultSink
	gate       *Gate
	logger     zerolog.Logger
}

// OrchestratorDeps は Orchestrator の協調者です。
type OrchestratorDeps struct {
	Store      jobs.Store
	Dispatcher Dispatcher
	Broker     *progress.Broker
	Publisher  progress.Publisher
	Cache      AudioCache
	Sink       storage.ResultSink
	Gate       *Gate
	Logger     zerolog.Logger
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Dispatcher == nil || deps.Broker == nil {
		return nil, fmt.Errorf("store, dispatcher and broker are required")
	}
	if deps.Publisher == nil {
		deps.Publisher = deps.Broker
	}
	return &Orchestrator{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		broker:     deps.Broker,
		publisher:  deps.Publisher,
		cache:      deps.Cache,
		sink:       deps.Sink,
		gate:       deps.Gate,
		logger:     deps.Logger,
	}, nil
}

// Submit は URL を検証してジョブを作成し、駆動を開始します。
// 同じソースのジョブが既にある場合は既存ジョブを持つ ConflictError を返します。
func (o *Orchestrator) Submit(ctx context.Context, rawURL string, tags []string) (*jobs.Job, error) {
	info, err := source.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if err := o.storeReady(); err != nil {
		return nil, err
	}

	job, created, err := o.store.CreateIfAbsent(ctx, &jobs.Job{
		ID:         info.ID,
		SourceURL:  info.URL,
		SourceType: string(info.Type),
		Status:     jobs.StatusPending,
		Tags:       source.NormalizeTags(tags),
	})
	if err != nil {
		return nil, o.storeError(err)
	}
	if !created {
		return job, &ConflictError{Existing: job}
	}

	o.logger.Info().Str("job", job.ID).Str("source", job.SourceType).Msg("job created")
	o.publisher.Publish(progress.FromJob(progress.EventStatus, job, "job created"))

	if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
		// pending のまま残り、復旧スイープで再投入される
		o.logger.Error().Err(err).Str("job", job.ID).Msg("failed to dispatch job")
	}
	return job, nil
}

// Get はジョブの現在状態を返します。
func (o *Orchestrator) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, o.storeError(err)
	}
	return job, nil
}

// 一覧の既定件数と上限件数
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListQuery は一覧の絞り込みとページングです。Limit が 0 の場合は DefaultListLimit を使います。
type ListQuery struct {
	Status jobs.Status
	Skip   int
	Limit  int
}

// ListPage は一覧の1ページです。Total はページング前の件数です。
type ListPage struct {
	Jobs  []*jobs.Job
	Total int
	Skip  int
	Limit int
}

// List は q.Status のジョブを作成日時の新しい順に返します。Status が空の場合はすべての状態を返します。
func (o *Orchestrator) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	if q.Skip < 0 {
		return nil, fault.Invalid("INVALID_SKIP", "skip must not be negative")
	}
	if q.Limit == 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit < 1 || q.Limit > MaxListLimit {
		return nil, fault.Invalid("INVALID_LIMIT", fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
	}
	statuses := jobs.AllStatuses()
	if q.Status != "" {
		if !q.Status.Valid() {
			return nil, fault.Invalid("INVALID_STATUS", fmt.Sprintf("unknown status: %s", q.Status))
		}
		statuses = []jobs.Status{q.Status}
	}
	all, err := o.collect(ctx, statuses)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b *jobs.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	page := &ListPage{Jobs: []*jobs.Job{}, Total: len(all), Skip: q.Skip, Limit: q.Limit}
	if q.Skip < len(all) {
		page.Jobs = all[q.Skip:min(q.Skip+q.Limit, len(all))]
	}
	return page, nil
}

// Tags は使用中のタグを重複なしで昇順に返します。
func (o *Orchestrator) Tags(ctx context.Context) ([]string, error) {
	all, err := o.collect(ctx, jobs.AllStatuses())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	tags := []string{}
	for _, job := range all {
		for _, tag := range job.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// UpdateTags はジョブのタグを正規化した tags で置き換えます。
// 指定したタグがすべて不正な場合は INVALID_TAGS を返します。空の指定はタグの全削除です。
func (o *Orchestrator) UpdateTags(ctx context.Context, id string, tags []string) (*jobs.Job, error) {
	normalized := source.NormalizeTags(tags)
	if len(tags) > 0 && len(normalized) == 0 {
		return nil, fault.Invalid("INVALID_TAGS", "all provided tags are invalid; use letters, digits, '-' or '_' (max 50 characters)")
	}
	if err := o.storeReady(); err != nil {
		return nil, err
	}
	for {
		current, err := o.store.Load(ctx, id)
		if err != nil {
			return nil, o.storeError(err)
		}
		updated, err := o.store.CompareAndSwap(ctx, id, current.Version, func(j *jobs.Job) error {
			j.Tags = normalized
			return nil
		})
		if errors.Is(err, jobs.ErrVersionConflict) {
			// 駆動中の遷移と競合した場合は読み直す
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, o.storeError(err)
		}
		o.logger.Info().Str("job", id).Strs("tags", normalized).Msg("job tags updated")
		return updated, nil
	}
}

func (o *Orchestrator) collect(ctx context.Context, statuses []jobs.Status) ([]*jobs.Job, error) {
	var all []*jobs.Job
	for _, s := range statuses {
		list, err := o.store.ListByStatus(ctx, s)
		if err != nil {
			return nil, o.storeError(err)
		}
		all = append(all, list...)
	}
	return all, nil
}

// Delete はジョブ記録とキャッシュ音声・保存済み結果を削除します。
// 駆動中のジョブは次の遷移の永続化に失敗した時点で停止します。
func (o *Orchestrator) Delete(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := o.store.Delete(ctx, id)
	if err != nil {
		return nil, o.storeError(err)
	}
	if job.AudioRef != "" && o.cache != nil {
		if err := o.cache.Remove(job.AudioRef); err != nil {
			o.logger.Warn().Err(err).Str("job", id).Msg("failed to remove cached audio")
		}
	}
	if job.ResultRef != "" && o.sink != nil {
		if err := o.sink.Delete(ctx, job.ResultRef); err != nil && !errors.Is(err, storage.ErrResultNotFound) {
			o.logger.Warn().Err(err).Str("job", id).Msg("failed to delete transcript")
		}
	}
	o.logger.Info().Str("job", id).Str("status", string(job.Status)).Msg("job deleted")
	return job, nil
}

// Subscribe はジョブの進捗購読を開始します。最初に現在状態のスナップショットが届きます。
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*progress.Subscription, error) {
	sub, err := o.broker.Subscribe(ctx, id, o.store.Load)
	if err != nil {
		return nil, o.storeError(err)
	}
	return sub, nil
}

// Transcript は完了したジョブの文字起こし結果を返します。
func (o *Orchestrator) Transcript(ctx context.Context, id string) (*storage.Transcript, error) {
	job, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusCompleted || job.ResultRef == "" {
		return nil, fault.New(fault.Conflict, "JOB_NOT_COMPLETED", fmt.Sprintf("job is %s", job.Status), nil)
	}
	doc, err := o.sink.Load(ctx, job.ResultRef)
	if err != nil {
		return nil, err
	}
	// タグは完了後にも変更されるためジョブ記録を正とする
	doc.Tags = job.Tags
	return doc, nil
}

// Recover は非終端のジョブをすべて再投入します。起動時と定期的に呼び出します。
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	count := 0
	for _, status := range jobs.ActiveStatuses() {
		list, err := o.store.ListByStatus(ctx, status)
		if err != nil {
			return count, o.storeError(err)
		}
		for _, job := range list {
			if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
				o.logger.Error().Err(err).Str("job", job.ID).Msg("failed to re-dispatch job")
				continue
			}
			count++
		}
	}
	if count > 0 {
		o.logger.Info().Int("jobs", count).Msg("recovered active jobs")
	}
	return count, nil
}

// RunRecovery は interval ごとに Recover を実行します。ctx が終了するまで戻りません。
func (o *Orchestrator) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Recover(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}

// Health はストアの疎通を確認します。
func (o *Orchestrator) Health(ctx context.Context) error {
	if err := o.storeReady(); err != nil {
		return err
	}
	if err := o.store.Ping(ctx); err != nil {
		return o.storeError(err)
	}
	return nil
}

func (o *Orchestrator) storeReady() error {
	if o.gate == nil {
		return nil
	}
	return o.gate.Err()
}

// storeError はストアのエラーを分類します。
func (o *Orchestrator) storeError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return fault.New(fault.Validation, "JOB_NOT_FOUND", "job not found", err)
	case errors.Is(err, jobs.ErrUnavailable):
		if o.gate != nil {
			o.gate.Trip(err)
		}
		return fault.Fatal("STORE_UNAVAILABLE", "job store is unreachable", err)
	}
	return err
}
