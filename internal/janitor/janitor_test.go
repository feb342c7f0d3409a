package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/storage"
)

func cachedJob(t *testing.T, cache *storage.AudioCache, id string, status jobs.Status, expires time.Time) *jobs.Job {
	t.Helper()
	path := filepath.Join(cache.Dir(), id+".m4a")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	ref, err := cache.Ref(path)
	require.NoError(t, err)
	return &jobs.Job{
		ID:             id,
		SourceURL:      "https://example.com/" + id,
		Status:         status,
		AudioRef:       ref,
		CacheExpiresAt: &expires,
	}
}

func TestSweepEvictsExpiredAudioOnly(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	cache, err := storage.NewAudioCache(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	expired := cachedJob(t, cache, "old", jobs.StatusCompleted, now.Add(-time.Hour))
	fresh := cachedJob(t, cache, "new", jobs.StatusCompleted, now.Add(time.Hour))
	for _, job := range []*jobs.Job{expired, fresh} {
		_, _, err := store.CreateIfAbsent(ctx, job)
		require.NoError(t, err)
	}

	j := New(store, cache, 0, zerolog.Nop())
	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AudioRemoved)

	old, err := store.Load(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, old.AudioRef)
	assert.Nil(t, old.CacheExpiresAt)
	assert.Equal(t, jobs.StatusCompleted, old.Status)
	assert.False(t, cache.Exists(expired.AudioRef))

	kept, err := store.Load(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, fresh.AudioRef, kept.AudioRef)
	assert.True(t, cache.Exists(fresh.AudioRef))

	// 2回目は何もしない
	report, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AudioRemoved)
}

func TestSweepLeavesActiveStatusUntouched(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	cache, err := storage.NewAudioCache(t.TempDir())
	require.NoError(t, err)

	job := cachedJob(t, cache, "waiting", jobs.StatusDownloaded, time.Now().Add(-time.Minute))
	_, _, err = store.CreateIfAbsent(ctx, job)
	require.NoError(t, err)

	_, err = New(store, cache, 0, zerolog.Nop()).Sweep(ctx)
	require.NoError(t, err)

	got, err := store.Load(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDownloaded, got.Status)
	assert.Empty(t, got.AudioRef)
}

func TestSweepPurgesOldFailedJobs(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	cache, err := storage.NewAudioCache(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	longAgo := now.Add(-10 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	stale := cachedJob(t, cache, "stale", jobs.StatusFailed, now.Add(time.Hour))
	stale.CompletedAt = &longAgo
	for _, job := range []*jobs.Job{
		stale,
		{ID: "recent", SourceURL: "https://example.com/recent", Status: jobs.StatusFailed, CompletedAt: &recent},
		{ID: "done", SourceURL: "https://example.com/done", Status: jobs.StatusCompleted, CompletedAt: &longAgo},
	} {
		_, _, err := store.CreateIfAbsent(ctx, job)
		require.NoError(t, err)
	}

	report, err := New(store, cache, 7*24*time.Hour, zerolog.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.JobsPurged)

	_, err = store.Load(ctx, "stale")
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.False(t, cache.Exists(stale.AudioRef))
	_, err = store.Load(ctx, "recent")
	assert.NoError(t, err)
	_, err = store.Load(ctx, "done")
	assert.NoError(t, err)
}

func TestSweepReportsStoreOutage(t *testing.T) {
	store := jobs.NewMemoryStore()
	cache, err := storage.NewAudioCache(t.TempDir())
	require.NoError(t, err)
	store.SetUnavailable(true)

	err = New(store, cache, 0, zerolog.Nop()).SweepOnce(context.Background())
	assert.ErrorIs(t, err, jobs.ErrUnavailable)
}

func TestRunStopsOnCancel(t *testing.T) {
	cache, err := storage.NewAudioCache(t.TempDir())
	require.NoError(t, err)
	j := New(jobs.NewMemoryStore(), cache, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
