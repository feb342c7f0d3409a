package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "transcript:job:"
	statusKeyPrefix = "transcript:status:"
	cacheKey        = "transcript:cache"
)

var (
	// ErrNotFound はジョブが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrVersionConflict は期待したバージョンと保存済みのバージョンが異なることを表します。
	ErrVersionConflict = errors.New("job version conflict")
	// ErrInvalidTransition は遷移表にない状態変更を表します。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnavailable はストアに到達できないことを表します。
	ErrUnavailable = errors.New("job store unavailable")
)

// Mutator は CAS 更新時にジョブへ適用する変更です。
type Mutator func(*Job) error

// Store はジョブ記録の永続化を担います。すべての更新はバージョン付きの CAS で行います。
type Store interface {
	// CreateIfAbsent は同じIDのジョブがなければ作成し、あれば既存のジョブを返します。
	CreateIfAbsent(ctx context.Context, job *Job) (*Job, bool, error)
	Load(ctx context.Context, id string) (*Job, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*Job, error)
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
	// ListCacheExpired は now 時点でキャッシュ期限を過ぎた音声を持つジョブを返します。
	ListCacheExpired(ctx context.Context, now time.Time) ([]*Job, error)
	Delete(ctx context.Context, id string) (*Job, error)
	Ping(ctx context.Context) error
}

// applyMutation は current に mutate を適用した新しいジョブを返します。
// バージョン照合と遷移表の検証はここで一括して行います。
func applyMutation(current *Job, expectedVersion int64, mutate Mutator, now time.Time) (*Job, error) {
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: job %s expected v%d, stored v%d", ErrVersionConflict, current.ID, expectedVersion, current.Version)
	}
	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if next.Status != current.Status && !current.Status.CanTransitionTo(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	next.ID = current.ID
	next.SourceURL = current.SourceURL
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

func prepareNew(job *Job, now time.Time) (*Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job.ID is required")
	}
	created := job.Clone()
	if created.Status == "" {
		created.Status = StatusPending
	}
	if !created.Status.Valid() {
		return nil, fmt.Errorf("unknown status: %s", created.Status)
	}
	created.Version = 1
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	if created.StageStartedAt.IsZero() {
		created.StageStartedAt = now
	}
	return created, nil
}

func sortByCreated(list []*Job) {
	sort.SliceStable(list, func(i, k int) bool {
		return list[i].CreatedAt.Before(list[k].CreatedAt)
	})
}

// RedisStore はジョブ状態を Redis に保存します。
// 状態別のセットとキャッシュ期限の ZSET を索引として同じトランザクションで更新します。
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateIfAbsent はジョブ情報を保存します（既に存在する場合は既存を返します）。
func (s *RedisStore) CreateIfAbsent(ctx context.Context, job *Job) (*Job, bool, error) {
	created, err := prepareNew(job, s.now())
	if err != nil {
		return nil, false, err
	}
	payload, err := json.Marshal(created)
	if err != nil {
		return nil, false, err
	}
	key := jobKey(created.ID)

	for {
		var existing *Job
		txf := func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, created.ID)
			if err == nil {
				existing = current
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				writeIndexes(ctx, pipe, nil, created)
				return nil
			})
			return err
		}
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, unavailable(err)
		}
		if existing != nil {
			return existing, false, nil
		}
		return created, true, nil
	}
}

// Load はジョブ情報を取得します。
func (s *RedisStore) Load(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	return s.get(ctx, s.rdb, id)
}

// CompareAndSwap は保存済みのバージョンが expectedVersion と一致する場合のみ mutate を適用します。
func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*Job, error) {
	key := jobKey(id)
	var (
		updated *Job
		opErr   error
	)
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			opErr = err
			return nil
		}
		next, err := applyMutation(current, expectedVersion, mutate, s.now())
		if err != nil {
			opErr = err
			return nil
		}
		payload, err := json.Marshal(next)
		if err != nil {
			opErr = err
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			writeIndexes(ctx, pipe, current, next)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("%w: job %s modified concurrently", ErrVersionConflict, id)
	case err != nil:
		return nil, unavailable(err)
	case opErr != nil:
		return nil, opErr
	}
	return updated, nil
}

// ListByStatus は指定した状態のジョブを作成順に返します。
func (s *RedisStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	list, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	filtered := list[:0]
	for _, job := range list {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	sortByCreated(filtered)
	return filtered, nil
}

// ListCacheExpired はキャッシュ期限切れの音声を持つジョブを返します。
func (s *RedisStore) ListCacheExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, cacheKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	list, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	expired := list[:0]
	for _, job := range list {
		if job.AudioRef != "" && !job.AudioAvailable(now) {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

// Delete はジョブと索引を削除し、削除前のジョブを返します。
func (s *RedisStore) Delete(ctx context.Context, id string) (*Job, error) {
	key := jobKey(id)
	var (
		deleted *Job
		opErr   error
	)
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			opErr = err
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, statusKey(current.Status), id)
			pipe.ZRem(ctx, cacheKey, id)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = current
		return nil
	}
	err := s.rdb.Watch(ctx, txf, key)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return nil, fmt.Errorf("%w: job %s modified concurrently", ErrVersionConflict, id)
	case err != nil:
		return nil, unavailable(err)
	case opErr != nil:
		return nil, opErr
	}
	return deleted, nil
}

// Ping は Redis への疎通を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, unavailable(err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	list := make([]*Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		list = append(list, &job)
	}
	return list, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func writeIndexes(ctx context.Context, pipe redis.Pipeliner, prev, next *Job) {
	if prev != nil && prev.Status != next.Status {
		pipe.SRem(ctx, statusKey(prev.Status), next.ID)
	}
	pipe.SAdd(ctx, statusKey(next.Status), next.ID)
	if next.AudioRef != "" && next.CacheExpiresAt != nil {
		pipe.ZAdd(ctx, cacheKey, redis.Z{Score: float64(next.CacheExpiresAt.Unix()), Member: next.ID})
	} else {
		pipe.ZRem(ctx, cacheKey, next.ID)
	}
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func statusKey(status Status) string {
	return statusKeyPrefix + string(status)
}
