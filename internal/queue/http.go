package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

// HTTPClient は文字起こしサービスの HTTP API を呼び出す Queue 実装です。
type HTTPClient struct {
	baseURL        string
	client         *http.Client
	requestTimeout time.Duration
}

// ClientOptions は HTTPClient のタイムアウト設定です。
//
// アップロード全体の上限は呼び出し側の ctx で決めます。ここでの値は音声サイズに依存しない短い上限です。
type ClientOptions struct {
	// ResponseHeaderTimeout はリクエスト送信完了からレスポンスヘッダー受信までの上限です。
	ResponseHeaderTimeout time.Duration
	// RequestTimeout は ctx に期限がない Poll と Health に適用する上限です。
	RequestTimeout time.Duration
}

// NewHTTPClient は HTTPClient を作成します。
func NewHTTPClient(baseURL string, opts ClientOptions) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	return &HTTPClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{Transport: transport},
		requestTimeout: opts.RequestTimeout,
	}
}

// bounded は ctx に期限がなければ RequestTimeout を付けます。
func (c *HTTPClient) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

type submitResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

type statusResponse struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	QueuePosition *int    `json:"queue_position"`
	Result        *Result `json:"result"`
	Error         string  `json:"error"`
}

// Submit は音声ファイルを multipart で送信し、チケットを返します。
func (c *HTTPClient) Submit(ctx context.Context, audio AudioInput) (string, error) {
	file, err := os.Open(audio.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fault.Permanent("AUDIO_MISSING", "cached audio is missing", err)
		}
		return "", fault.Transient("AUDIO_UNREADABLE", "failed to open cached audio", err)
	}
	defer file.Close()

	body, contentType := multipartBody(file, filepath.Base(audio.Path), audio.Language)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", body)
	if err != nil {
		return "", fault.Permanent("BAD_REQUEST", "failed to build submit request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fault.Transient("TRANSCRIBER_UNREACHABLE", "failed to submit audio", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fault.Transient("BAD_RESPONSE", "failed to decode submit response", err)
		}
		if out.JobID == "" {
			return "", fault.Transient("BAD_RESPONSE", "submit response has no job_id", nil)
		}
		return out.JobID, nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return "", fault.Transient("QUEUE_BUSY", "transcription queue is full", ErrBusy)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", fault.Permanent("AUDIO_TOO_LARGE", readDetail(resp.Body), nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fault.Permanent("AUDIO_REJECTED", readDetail(resp.Body), nil)
	default:
		return "", fault.Transient("TRANSCRIBER_ERROR", fmt.Sprintf("submit failed with status %d: %s", resp.StatusCode, readDetail(resp.Body)), nil)
	}
}

// Poll はチケットの状態を取得します。404 はチケット消失として StateUnknown を返します。
func (c *HTTPClient) Poll(ctx context.Context, ticket string) (*Status, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(ticket), nil)
	if err != nil {
		return nil, fault.Permanent("BAD_REQUEST", "failed to build poll request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Transient("TRANSCRIBER_UNREACHABLE", "failed to poll ticket", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Status{State: StateUnknown}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fault.Transient("TRANSCRIBER_ERROR", fmt.Sprintf("poll failed with status %d: %s", resp.StatusCode, readDetail(resp.Body)), nil)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Transient("BAD_RESPONSE", "failed to decode poll response", err)
	}
	status := &Status{Progress: out.Progress, Cause: out.Error}
	if out.QueuePosition != nil {
		status.Position = *out.QueuePosition
	}
	switch out.Status {
	case "queued", "pending":
		status.State = StateQueued
	case "processing":
		status.State = StateProcessing
	case "completed":
		if out.Result == nil {
			return nil, fault.Transient("BAD_RESPONSE", "completed ticket has no result", nil)
		}
		status.State = StateDone
		status.Result = out.Result
	case "failed":
		status.State = StateFailed
		if status.Cause == "" {
			status.Cause = "transcription failed"
		}
	default:
		return nil, fault.Transient("BAD_RESPONSE", "unexpected ticket status: "+out.Status, nil)
	}
	return status, nil
}

// Health は文字起こしサービスのヘルスチェックを行います。
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transcriber health status %d", resp.StatusCode)
	}
	return nil
}

// multipartBody はファイルをストリーミングで送る multipart ボディを作成します。
func multipartBody(file io.Reader, filename, language string) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if language != "" {
				if err := mw.WriteField("language", language); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, file); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(data))
}
