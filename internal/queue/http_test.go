package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

var testOptions = ClientOptions{ResponseHeaderTimeout: time.Second, RequestTimeout: time.Second}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "youtube_abc.m4a")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	return path
}

func TestHTTPClientSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		assert.Equal(t, "audio-bytes", string(data))
		assert.Equal(t, "youtube_abc.m4a", header.Filename)
		assert.Equal(t, "ja", r.FormValue("language"))

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": "t-1", "status": "queued", "queue_position": 2})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL+"/", testOptions)
	ticket, err := client.Submit(context.Background(), AudioInput{Path: writeAudio(t), Language: "ja"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", ticket)
}

func TestHTTPClientSubmitClassification(t *testing.T) {
	cases := []struct {
		status   int
		category fault.Category
		code     string
	}{
		{http.StatusServiceUnavailable, fault.TransientStage, "QUEUE_BUSY"},
		{http.StatusInternalServerError, fault.TransientStage, "TRANSCRIBER_ERROR"},
		{http.StatusBadRequest, fault.PermanentStage, "AUDIO_REJECTED"},
		{http.StatusRequestEntityTooLarge, fault.PermanentStage, "AUDIO_TOO_LARGE"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"detail":"nope"}`))
		}))
		_, err := NewHTTPClient(srv.URL, testOptions).Submit(context.Background(), AudioInput{Path: writeAudio(t)})
		srv.Close()

		fe, ok := fault.As(err)
		require.True(t, ok, "status %d: %v", tc.status, err)
		assert.Equal(t, tc.category, fe.Category, tc.status)
		assert.Equal(t, tc.code, fe.Code, tc.status)
	}
}

func TestHTTPClientSubmitMissingAudio(t *testing.T) {
	_, err := NewHTTPClient("http://127.0.0.1:1", testOptions).Submit(context.Background(), AudioInput{Path: "/nonexistent/a.m4a"})
	assert.Equal(t, fault.PermanentStage, fault.CategoryOf(err))
}

func TestHTTPClientPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/queued":
			_, _ = w.Write([]byte(`{"job_id":"queued","status":"queued","progress":0,"queue_position":3}`))
		case "/jobs/running":
			_, _ = w.Write([]byte(`{"job_id":"running","status":"processing","progress":40}`))
		case "/jobs/done":
			_, _ = w.Write([]byte(`{"job_id":"done","status":"completed","progress":100,"result":{"language":"en","duration":12.5,"segments":[{"id":0,"start":0,"end":1.5,"text":"hello"}],"text":"hello"}}`))
		case "/jobs/broken":
			_, _ = w.Write([]byte(`{"job_id":"broken","status":"failed","progress":0,"error":"decode error"}`))
		case "/jobs/flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found"}`))
		}
	}))
	defer srv.Close()
	client := NewHTTPClient(srv.URL, testOptions)
	ctx := context.Background()

	st, err := client.Poll(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)
	assert.Equal(t, 3, st.Position)

	st, err = client.Poll(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, st.State)
	assert.Equal(t, 40, st.Progress)

	st, err = client.Poll(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StateDone, st.State)
	require.NotNil(t, st.Result)
	assert.Equal(t, "hello", st.Result.Text)
	assert.Len(t, st.Result.Segments, 1)

	st, err = client.Poll(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "decode error", st.Cause)

	st, err = client.Poll(ctx, "evicted")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, st.State)

	_, err = client.Poll(ctx, "flaky")
	assert.True(t, fault.IsRetryable(err))
}

func TestHTTPClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()
	assert.NoError(t, NewHTTPClient(srv.URL, testOptions).Health(context.Background()))
}

func TestHTTPClientSubmitOutlastsRequestTimeout(t *testing.T) {
	// 受信側が少しずつ読む遅い回線を再現する
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64<<10)
		for {
			_, err := r.Body.Read(buf)
			if err != nil {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"slow-1","status":"queued"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "youtube_big.m4a")
	require.NoError(t, os.WriteFile(path, make([]byte, 4<<20), 0o644))

	client := NewHTTPClient(srv.URL, ClientOptions{ResponseHeaderTimeout: 2 * time.Second, RequestTimeout: 20 * time.Millisecond})
	started := time.Now()
	ticket, err := client.Submit(context.Background(), AudioInput{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "slow-1", ticket)
	assert.Greater(t, time.Since(started), 20*time.Millisecond)
}

func TestHTTPClientSubmitHonorsCallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, testOptions).Submit(ctx, AudioInput{Path: writeAudio(t)})
	fe, ok := fault.As(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, "TRANSCRIBER_UNREACHABLE", fe.Code)
}

func TestHTTPClientPollAppliesRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, ClientOptions{ResponseHeaderTimeout: 5 * time.Second, RequestTimeout: 30 * time.Millisecond})
	started := time.Now()
	_, err := client.Poll(context.Background(), "stuck")
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
	assert.Less(t, time.Since(started), time.Second)
	assert.Error(t, client.Health(context.Background()))
}
