package source

import (
	"regexp"
	"strings"
)

const (
	maxTagLength = 50
	maxTags      = 20
)

var tagPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NormalizeTags はタグを小文字化・重複除去し、不正なものを取り除きます。
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || len(tag) > maxTagLength || !tagPattern.MatchString(tag) {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
		if len(out) == maxTags {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
