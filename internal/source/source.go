// Package source は投入されたURLを解析し、ジョブIDを決定します。
package source

import (
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

// Type は取得元の種類です。
type Type string

const (
	TypeYouTube       Type = "youtube"
	TypeApplePodcasts Type = "apple_podcasts"
	TypeDirectAudio   Type = "direct_audio"
)

// Info は解析済みのURL情報です。
type Info struct {
	Type Type
	URL  string
	ID   string
}

var (
	youtubePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:youtube\.com/watch\?(?:.*&)?v=|youtu\.be/)([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`(?i)youtube\.com/(?:embed|shorts|live)/([a-zA-Z0-9_-]{11})`),
	}
	appleEpisodePattern = regexp.MustCompile(`(?i)[?&]i=(\d+)`)
	appleShowPattern    = regexp.MustCompile(`(?i)/id(\d+)`)
)

// Parse はURLを検証し、決定的なジョブIDを導出します。
// 同じURLは常に同じIDになり、これがジョブ重複防止の鍵になります。
func Parse(raw string) (*Info, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.Invalid("INVALID_URL", "URLを指定してください。")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return nil, fault.Invalid("INVALID_URL", "URLの形式が正しくありません。")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return nil, fault.Invalid("INVALID_URL", "http または https のURLのみ受け付けます。")
	}

	host := strings.ToLower(parsed.Hostname())
	switch {
	case isYouTubeHost(host):
		id := matchFirst(youtubePatterns, trimmed)
		if id == "" {
			return nil, fault.Invalid("INVALID_URL", "YouTube の動画IDを特定できません。")
		}
		return &Info{Type: TypeYouTube, URL: trimmed, ID: "youtube_" + id}, nil
	case host == "podcasts.apple.com":
		id := matchFirst([]*regexp.Regexp{appleEpisodePattern, appleShowPattern}, trimmed)
		if id == "" {
			return nil, fault.Invalid("INVALID_URL", "Apple Podcasts のIDを特定できません。")
		}
		return &Info{Type: TypeApplePodcasts, URL: trimmed, ID: "apple_podcasts_" + id}, nil
	default:
		return &Info{Type: TypeDirectAudio, URL: trimmed, ID: "direct_audio_" + hashURL(trimmed)}, nil
	}
}

func isYouTubeHost(host string) bool {
	return host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com")
}

func matchFirst(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func hashURL(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
