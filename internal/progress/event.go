// Package progress はジョブの進捗イベントを購読者へ配信します。
package progress

import (
	"time"

	"github.com/asteriske/scribe-sub001/internal/jobs"
)

// EventType はイベントの種類です。
type EventType string

const (
	// EventSnapshot は購読開始時に現在の状態を再現する合成イベントです。
	EventSnapshot EventType = "snapshot"
	// EventStatus は永続化済みの状態遷移です。
	EventStatus EventType = "status"
	// EventProgress は状態を変えない補足情報（キュー位置、リトライ等）です。
	EventProgress EventType = "progress"
)

// Event は購読者へ配信するイベントです。
type Event struct {
	Type       EventType       `json:"type"`
	JobID      string          `json:"jobId"`
	Status     jobs.Status     `json:"status"`
	Version    int64           `json:"version"`
	Detail     string          `json:"detail,omitempty"`
	Position   int             `json:"position,omitempty"`
	Progress   int             `json:"progress,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
	Error      *jobs.ErrorInfo `json:"error,omitempty"`
	ResultRef  string          `json:"resultRef,omitempty"`
	At         time.Time       `json:"at"`
}

// Terminal は購読を終了させるイベントかどうかを返します。
func (e Event) Terminal() bool {
	return e.Type != EventProgress && e.Status.Terminal()
}

// FromJob はジョブの現在状態からイベントを作成します。
func FromJob(typ EventType, job *jobs.Job, detail string) Event {
	ev := Event{
		Type:       typ,
		JobID:      job.ID,
		Status:     job.Status,
		Version:    job.Version,
		Detail:     detail,
		RetryCount: job.RetryCount,
		ResultRef:  job.ResultRef,
		At:         job.UpdatedAt,
	}
	if job.Error != nil {
		e := *job.Error
		ev.Error = &e
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// Publisher はイベントを発行します。実装は呼び出し元をブロックしてはいけません。
type Publisher interface {
	Publish(ev Event)
}
