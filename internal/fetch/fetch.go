// Package fetch は外部ダウンロードツールを使って音声を取得します。
package fetch

import (
	"context"
	"fmt"
)

// Kind はダウンロード失敗の種類です。
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindUnsupported  Kind = "unsupported"
	KindSizeExceeded Kind = "size_exceeded"
	KindNetwork      Kind = "network"
	KindDiskFull     Kind = "disk_full"
)

// Error はダウンロード失敗を種類付きで表します。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Audio はキャッシュに保存された音声ファイルの情報です。
type Audio struct {
	Path            string
	Format          string
	MIME            string
	Title           string
	Channel         string
	DurationSeconds float64
	ByteSize        int64
}

// Fetcher は URL の音声を jobID に紐づくファイルとして取得します。
type Fetcher interface {
	Fetch(ctx context.Context, url, jobID string) (*Audio, error)
}
