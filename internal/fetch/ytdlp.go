package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// audioExtensions は yt-dlp が出力しうる拡張子です（優先順）。
var audioExtensions = []string{"m4a", "mp3", "webm", "opus", "wav", "aac", "ogg", "flac"}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner は外部コマンドの実行を抽象化します。
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// YtDlpOptions は YtDlp の設定です。
type YtDlpOptions struct {
	Path          string
	Dir           string
	MaxBytes      int64
	SocketTimeout time.Duration
}

// YtDlp は yt-dlp を呼び出して音声を取得する Fetcher です。
type YtDlp struct {
	opts   YtDlpOptions
	runner commandRunner
}

// NewYtDlp は YtDlp を作成します。
func NewYtDlp(opts YtDlpOptions) *YtDlp {
	if opts.Path == "" {
		opts.Path = "yt-dlp"
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = 30 * time.Second
	}
	return &YtDlp{opts: opts, runner: &execRunner{}}
}

type mediaInfo struct {
	Title          string  `json:"title"`
	Channel        string  `json:"channel"`
	Uploader       string  `json:"uploader"`
	Duration       float64 `json:"duration"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

// Fetch はメタデータを確認してから音声をダウンロードし、サイズと形式を検証します。
func (y *YtDlp) Fetch(ctx context.Context, url, jobID string) (*Audio, error) {
	if err := os.MkdirAll(y.opts.Dir, 0o755); err != nil {
		return nil, classifyFSError("failed to prepare cache dir", err)
	}

	info, err := y.probe(ctx, url)
	if err != nil {
		return nil, err
	}
	if size := max(info.Filesize, info.FilesizeApprox); y.opts.MaxBytes > 0 && size > y.opts.MaxBytes {
		return nil, newError(KindSizeExceeded, fmt.Sprintf("reported size %d exceeds limit %d", size, y.opts.MaxBytes), nil)
	}

	y.removeExisting(jobID)
	res, err := y.runner.Run(ctx, y.opts.Path, y.downloadArgs(url, jobID)...)
	if err != nil {
		return nil, classifyRun(ctx, res, err)
	}

	path, ok := y.findAudio(jobID)
	if !ok {
		return nil, newError(KindNetwork, "downloaded audio file not found", nil)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, classifyFSError("failed to stat audio", err)
	}
	if y.opts.MaxBytes > 0 && stat.Size() > y.opts.MaxBytes {
		_ = os.Remove(path)
		return nil, newError(KindSizeExceeded, fmt.Sprintf("downloaded size %d exceeds limit %d", stat.Size(), y.opts.MaxBytes), nil)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, classifyFSError("failed to inspect audio", err)
	}
	if !isAudio(mtype) {
		_ = os.Remove(path)
		return nil, newError(KindUnsupported, "downloaded file is not audio: "+mtype.String(), nil)
	}

	channel := info.Channel
	if channel == "" {
		channel = info.Uploader
	}
	return &Audio{
		Path:            path,
		Format:          strings.TrimPrefix(filepath.Ext(path), "."),
		MIME:            mtype.String(),
		Title:           info.Title,
		Channel:         channel,
		DurationSeconds: info.Duration,
		ByteSize:        stat.Size(),
	}, nil
}

func (y *YtDlp) probe(ctx context.Context, url string) (*mediaInfo, error) {
	res, err := y.runner.Run(ctx, y.opts.Path,
		"--dump-single-json",
		"--no-warnings",
		"--no-playlist",
		"-f", "bestaudio/best",
		"--socket-timeout", strconv.Itoa(int(y.opts.SocketTimeout.Seconds())),
		url,
	)
	if err != nil {
		return nil, classifyRun(ctx, res, err)
	}
	var info mediaInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, newError(KindUnsupported, "unexpected metadata output", err)
	}
	return &info, nil
}

func (y *YtDlp) downloadArgs(url, jobID string) []string {
	return []string{
		"--no-warnings",
		"--no-playlist",
		"--no-progress",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "m4a",
		"--socket-timeout", strconv.Itoa(int(y.opts.SocketTimeout.Seconds())),
		"-o", filepath.Join(y.opts.Dir, jobID+".%(ext)s"),
		url,
	}
}

func (y *YtDlp) findAudio(jobID string) (string, bool) {
	for _, ext := range audioExtensions {
		path := filepath.Join(y.opts.Dir, jobID+"."+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// removeExisting は前回の試行で残った部分ファイルを削除します。
func (y *YtDlp) removeExisting(jobID string) {
	for _, ext := range audioExtensions {
		_ = os.Remove(filepath.Join(y.opts.Dir, jobID+"."+ext))
		_ = os.Remove(filepath.Join(y.opts.Dir, jobID+"."+ext+".part"))
	}
}

func isAudio(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return true
		}
	}
	// m4a は video/mp4 系として判定されることがある
	return mtype.Is("video/mp4") || mtype.Is("video/webm")
}

func classifyRun(ctx context.Context, res commandResult, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindNetwork, "download interrupted", ctxErr)
	}
	stderr := res.Stderr
	switch {
	case containsAny(stderr, "Unsupported URL", "is not a valid URL", "Unable to extract", "Requested format is not available"):
		return newError(KindUnsupported, lastLine(stderr), err)
	case containsAny(stderr, "HTTP Error 404", "Video unavailable", "Private video", "This video has been removed", "does not exist"):
		return newError(KindNotFound, lastLine(stderr), err)
	case containsAny(stderr, "No space left on device", "Disk quota exceeded"):
		return newError(KindDiskFull, lastLine(stderr), err)
	case containsAny(stderr, "File is larger than max-filesize"):
		return newError(KindSizeExceeded, lastLine(stderr), err)
	default:
		return newError(KindNetwork, lastLine(stderr), err)
	}
}

func classifyFSError(message string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return newError(KindDiskFull, message, err)
	}
	return newError(KindNetwork, message, err)
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return "yt-dlp failed"
}
