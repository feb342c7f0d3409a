package storage

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/asteriske/scribe-sub001/internal/jobs"
	"github.com/asteriske/scribe-sub001/internal/queue"
)

// Transcript は保存する文字起こし結果のドキュメントです。
type Transcript struct {
	ID            string         `json:"id"`
	Source        SourceInfo     `json:"source"`
	Transcription queue.Result   `json:"transcription"`
	FullText      string         `json:"fullText"`
	Metadata      TranscriptMeta `json:"metadata"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// SourceInfo は取得元の情報です。
type SourceInfo struct {
	Type            string  `json:"type"`
	URL             string  `json:"url"`
	Title           string  `json:"title,omitempty"`
	Channel         string  `json:"channel,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// TranscriptMeta は集計値です。
type TranscriptMeta struct {
	WordCount     int `json:"wordCount"`
	SegmentsCount int `json:"segmentsCount"`
}

// NewTranscript はジョブと文字起こし結果から保存用ドキュメントを作成します。
func NewTranscript(job *jobs.Job, result *queue.Result, now time.Time) *Transcript {
	doc := &Transcript{
		ID: job.ID,
		Source: SourceInfo{
			Type: job.SourceType,
			URL:  job.SourceURL,
		},
		Tags:      job.Tags,
		CreatedAt: now,
	}
	if job.Media != nil {
		doc.Source.Title = job.Media.Title
		doc.Source.Channel = job.Media.Channel
		doc.Source.DurationSeconds = job.Media.DurationSeconds
	}
	if result != nil {
		doc.Transcription = *result
	}
	parts := make([]string, 0, len(doc.Transcription.Segments))
	for _, seg := range doc.Transcription.Segments {
		parts = append(parts, strings.TrimSpace(seg.Text))
	}
	doc.FullText = strings.Join(parts, " ")
	if doc.FullText == "" {
		doc.FullText = strings.TrimSpace(doc.Transcription.Text)
	}
	doc.Metadata = TranscriptMeta{
		WordCount:     len(strings.Fields(doc.FullText)),
		SegmentsCount: len(doc.Transcription.Segments),
	}
	return doc
}

// paragraphGap はこの秒数以上の無音で段落を区切ります。
const paragraphGap = 2.0

// PlainText はセグメントを段落単位に結合したテキストを返します。
// 文末記号で終わるセグメントの後に一定以上の間隔がある場合に段落を区切ります。
func (t *Transcript) PlainText() string {
	segments := t.Transcription.Segments
	if len(segments) == 0 {
		return ""
	}
	var (
		paragraphs []string
		current    []string
	)
	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		current = append(current, text)
		if text == "" || !strings.ContainsAny(text[len(text)-1:], ".?!") {
			continue
		}
		if i+1 < len(segments) && segments[i+1].Start-seg.End >= paragraphGap {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, " "))
	}
	return strings.Join(paragraphs, "\n\n")
}

// SRT は SubRip 形式の字幕を返します。
func (t *Transcript) SRT() string {
	var b strings.Builder
	for _, seg := range t.Transcription.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", seg.ID+1, srtTimestamp(seg.Start), srtTimestamp(seg.End), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := math.Floor(seconds)
	millis := int((seconds - whole) * 1000)
	total := int(whole)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", total/3600, (total%3600)/60, total%60, millis)
}
