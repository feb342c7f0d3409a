// Package queue は外部の文字起こしワークキューとの契約を定義します。
package queue

import (
	"context"
	"errors"
)

// State はチケットの状態です。
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	// StateUnknown はキューがチケットを認識していない（再起動等で消失した）ことを表します。
	StateUnknown State = "unknown"
)

// ErrBusy はキューが満杯で受け付けられないことを表します。
var ErrBusy = errors.New("transcription queue is full")

// Segment は文字起こし結果の1区間です。
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result は文字起こし結果です。
type Result struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
}

// Status はポーリング結果です。
type Status struct {
	State    State
	Position int
	Progress int
	Result   *Result
	Cause    string
}

// AudioInput は投入する音声です。
type AudioInput struct {
	Path     string
	Language string
}

// Queue は単一スロットの文字起こしリソースへの投入とポーリングを提供します。
// 同時に処理されるチケットは高々1件で、呼び出し側は並行処理を仮定しません。
type Queue interface {
	Submit(ctx context.Context, audio AudioInput) (string, error)
	Poll(ctx context.Context, ticket string) (*Status, error)
	Health(ctx context.Context) error
}
