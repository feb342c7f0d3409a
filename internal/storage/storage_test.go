package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/queue"
)

func sampleTranscript() *Transcript {
	job := &jobs.Job{
		ID:         "youtube_dQw4w9WgXcQ",
		SourceURL:  "https://youtu.be/dQw4w9WgXcQ",
		SourceType: "youtube",
		Tags:       []string{"music"},
		Media:      &jobs.Media{Title: "Song", Channel: "Rick", DurationSeconds: 212},
	}
	result := &queue.Result{
		Language: "en",
		Duration: 10,
		Segments: []queue.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: " Never gonna"},
			{ID: 1, Start: 1.5, End: 3.25, Text: "give you up."},
			{ID: 2, Start: 6, End: 3723.5, Text: "Never gonna let you down."},
		},
		Text: "Never gonna give you up. Never gonna let you down.",
	}
	return NewTranscript(job, result, time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC))
}

func TestAudioCacheRefs(t *testing.T) {
	cache, err := NewAudioCache(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(cache.Dir(), "youtube_abc.m4a")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))

	ref, err := cache.Ref(path)
	require.NoError(t, err)
	assert.Equal(t, "audio/youtube_abc.m4a", ref)
	assert.True(t, cache.Exists(ref))

	resolved, err := cache.Path(ref)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	require.NoError(t, cache.Remove(ref))
	assert.False(t, cache.Exists(ref))
	require.NoError(t, cache.Remove(ref))

	_, err = cache.Path("audio/../etc/passwd")
	assert.Error(t, err)
	_, err = cache.Ref(filepath.Join(t.TempDir(), "other.m4a"))
	assert.Error(t, err)
}

func TestNewTranscript(t *testing.T) {
	doc := sampleTranscript()
	assert.Equal(t, "Never gonna give you up. Never gonna let you down.", doc.FullText)
	assert.Equal(t, 10, doc.Metadata.WordCount)
	assert.Equal(t, 3, doc.Metadata.SegmentsCount)
	assert.Equal(t, "Song", doc.Source.Title)
	assert.Equal(t, "Rick", doc.Source.Channel)
}

func TestTranscriptPlainText(t *testing.T) {
	doc := sampleTranscript()
	assert.Equal(t, "Never gonna give you up.\n\nNever gonna let you down.", doc.PlainText())
}

func TestTranscriptSRT(t *testing.T) {
	srt := sampleTranscript().SRT()
	assert.Contains(t, srt, "1\n00:00:00,000 --> 00:00:01,500\nNever gonna\n\n")
	assert.Contains(t, srt, "3\n00:00:06,000 --> 01:02:03,500\nNever gonna let you down.\n\n")
}

func TestLocalSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := sink.Save(ctx, sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, "2026/10/youtube_dQw4w9WgXcQ.json", ref)
	_, err = os.Stat(filepath.Join(dir, "2026", "10", "youtube_dQw4w9WgXcQ.json"))
	require.NoError(t, err)

	loaded, err := sink.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "youtube_dQw4w9WgXcQ", loaded.ID)
	assert.Len(t, loaded.Transcription.Segments, 3)

	require.NoError(t, sink.Delete(ctx, ref))
	_, err = sink.Load(ctx, ref)
	assert.ErrorIs(t, err, ErrResultNotFound)

	_, err = sink.Load(ctx, "../outside.json")
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3SinkRoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	sink := newS3Sink(fake, "scribe", "/transcripts/")
	ctx := context.Background()

	ref, err := sink.Save(ctx, sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, "s3://scribe/transcripts/2026/10/youtube_dQw4w9WgXcQ.json", ref)
	assert.Contains(t, fake.objects, "scribe/transcripts/2026/10/youtube_dQw4w9WgXcQ.json")

	loaded, err := sink.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "Never gonna give you up. Never gonna let you down.", loaded.FullText)

	require.NoError(t, sink.Delete(ctx, ref))
	_, err = sink.Load(ctx, ref)
	assert.True(t, errors.Is(err, ErrResultNotFound))

	_, err = sink.Load(ctx, "s3://other/key.json")
	assert.Error(t, err)
}
