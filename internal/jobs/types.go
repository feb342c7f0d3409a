package jobs

import (
	"slices"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusDownloaded   Status = "downloaded"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// transitions は許可される状態遷移の一覧です。failed は非終端状態すべてから到達できます。
var transitions = map[Status][]Status{
	StatusPending:      {StatusDownloading, StatusFailed},
	StatusDownloading:  {StatusDownloaded, StatusFailed},
	StatusDownloaded:   {StatusTranscribing, StatusFailed},
	StatusTranscribing: {StatusCompleted, StatusFailed},
	StatusCompleted:    nil,
	StatusFailed:       nil,
}

// AllStatuses は定義済みの状態を処理順に返します。
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusDownloading,
		StatusDownloaded,
		StatusTranscribing,
		StatusCompleted,
		StatusFailed,
	}
}

// ActiveStatuses は終端でない状態を返します。
func ActiveStatuses() []Status {
	return []Status{
		StatusPending,
		StatusDownloading,
		StatusDownloaded,
		StatusTranscribing,
	}
}

// Valid は定義済みの状態かどうかを返します。
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo は s から next への遷移が許可されているかを返します。
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Stage    Status `json:"stage,omitempty"`
}

// Media はダウンロード時に取得したメタデータです。
type Media struct {
	Title           string  `json:"title,omitempty"`
	Channel         string  `json:"channel,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	ByteSize        int64   `json:"byteSize,omitempty"`
	Format          string  `json:"format,omitempty"`
}

// Job は1件の投入URLに対応するジョブの永続状態です。
type Job struct {
	ID             string     `json:"id"`
	SourceURL      string     `json:"sourceUrl"`
	SourceType     string     `json:"sourceType"`
	Status         Status     `json:"status"`
	Version        int64      `json:"version"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StageStartedAt time.Time  `json:"stageStartedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	RetryCount     int        `json:"retryCount"`
	Error          *ErrorInfo `json:"error,omitempty"`
	AudioRef       string     `json:"audioRef,omitempty"`
	CacheExpiresAt *time.Time `json:"cacheExpiresAt,omitempty"`
	ResultRef      string     `json:"resultRef,omitempty"`
	Ticket         string     `json:"ticket,omitempty"`
	Media          *Media     `json:"media,omitempty"`
	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

// Clone はジョブのディープコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Tags = slices.Clone(j.Tags)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CacheExpiresAt = cloneTime(j.CacheExpiresAt)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Media != nil {
		m := *j.Media
		c.Media = &m
	}
	return &c
}

// LeaseHeldByOther は owner 以外が有効なリースを保持しているかを返します。
func (j *Job) LeaseHeldByOther(owner string, now time.Time) bool {
	if j.LeaseOwner == "" || j.LeaseOwner == owner {
		return false
	}
	return j.LeaseExpiresAt != nil && now.Before(*j.LeaseExpiresAt)
}

// AudioAvailable は now 時点でキャッシュ済み音声が有効かを返します。
func (j *Job) AudioAvailable(now time.Time) bool {
	if j.AudioRef == "" {
		return false
	}
	return j.CacheExpiresAt == nil || now.Before(*j.CacheExpiresAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
