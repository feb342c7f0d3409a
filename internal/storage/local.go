// Package storage は音声キャッシュと文字起こし結果の保存先を提供します。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/asteriske/scribe-sub001/internal/fault"
)

const audioRefPrefix = "audio/"

// AudioCache はダウンロード済み音声をローカルディスクに保持します。
// ジョブには絶対パスではなく "audio/<file>" 形式の参照を記録します。
type AudioCache struct {
	dir string
}

// NewAudioCache は dir を保存先とする AudioCache を作成します。
func NewAudioCache(dir string) (*AudioCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("audio cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio cache dir: %w", err)
	}
	return &AudioCache{dir: dir}, nil
}

// Dir はキャッシュディレクトリを返します。
func (c *AudioCache) Dir() string {
	return c.dir
}

// Ref はキャッシュ内のファイルパスから参照を作成します。
func (c *AudioCache) Ref(path string) (string, error) {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("path %s is outside the audio cache", path)
	}
	return audioRefPrefix + rel, nil
}

// Path は参照をファイルパスに解決します。
func (c *AudioCache) Path(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, audioRefPrefix)
	if !ok || name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid audio ref: %q", ref)
	}
	return filepath.Join(c.dir, name), nil
}

// Exists は参照先のファイルが存在するかを返します。
func (c *AudioCache) Exists(ref string) bool {
	path, err := c.Path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove は参照先の音声を削除します。存在しない場合は何もしません。
func (c *AudioCache) Remove(ref string) error {
	path, err := c.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// classifyWriteError は書き込み失敗を分類します。容量不足は資源枯渇として扱います。
func classifyWriteError(message string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fault.Exhausted("DISK_FULL", message, err)
	}
	return fault.Transient("STORAGE_WRITE_FAILED", message, err)
}
