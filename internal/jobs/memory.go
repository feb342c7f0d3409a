package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore はプロセス内のメモリにジョブを保持する Store 実装です。
// REDIS_URL 未設定のローカル実行とテストで使用します。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
	down bool
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetUnavailable はストア障害を模擬します。true の間はすべての操作が ErrUnavailable を返します。
func (s *MemoryStore) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// CreateIfAbsent は同じIDのジョブがなければ作成し、あれば既存のジョブを返します。
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, job *Job) (*Job, bool, error) {
	created, err := prepareNew(job, s.now())
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, false, ErrUnavailable
	}
	if existing, ok := s.jobs[created.ID]; ok {
		return existing.Clone(), false, nil
	}
	s.jobs[created.ID] = created
	return created.Clone(), true, nil
}

// Load はジョブを取得します。
func (s *MemoryStore) Load(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// CompareAndSwap はバージョンが一致する場合にだけ mutate を適用して保存します。
func (s *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnavailable
	}
	current, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := applyMutation(current, expectedVersion, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// ListByStatus は status のジョブを返します。
func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return s.filter(func(job *Job) bool { return job.Status == status })
}

// ListCacheExpired は now 時点でキャッシュ期限を過ぎた音声を持つジョブを返します。
func (s *MemoryStore) ListCacheExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	return s.filter(func(job *Job) bool {
		return job.AudioRef != "" && !job.AudioAvailable(now)
	})
}

// Delete はジョブを削除し、削除前の状態を返します。
func (s *MemoryStore) Delete(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, ErrUnavailable
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.jobs, id)
	return job, nil
}

// Ping は SetUnavailable で障害を模擬している間だけエラーを返します。
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return ErrUnavailable
	}
	return nil
}

func (s *MemoryStore) filter(match func(*Job) bool) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return nil, ErrUnavailable
	}
	var list []*Job
	for _, job := range s.jobs {
		if match(job) {
			list = append(list, job.Clone())
		}
	}
	sortByCreated(list)
	return list, nil
}
