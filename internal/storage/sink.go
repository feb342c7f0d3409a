package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrResultNotFound は保存済みの結果が見つからないことを表します。
var ErrResultNotFound = errors.New("transcript not found")

// ResultSink は文字起こし結果の保存先です。
type ResultSink interface {
	Save(ctx context.Context, doc *Transcript) (string, error)
	Load(ctx context.Context, ref string) (*Transcript, error)
	Delete(ctx context.Context, ref string) error
}

// objectKey は年/月で分割した保存先キーを返します。
func objectKey(doc *Transcript) string {
	created := doc.CreatedAt.UTC()
	return path.Join(fmt.Sprintf("%04d", created.Year()), fmt.Sprintf("%02d", int(created.Month())), doc.ID+".json")
}

// LocalSink は結果をローカルディスクに JSON として保存します。
type LocalSink struct {
	dir string
}

// NewLocalSink は LocalSink を作成します。
func NewLocalSink(dir string) (*LocalSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcriptions dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcriptions dir: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Save は doc を <dir>/YYYY/MM/<id>.json に書き込み、相対パスを参照として返します。
func (s *LocalSink) Save(ctx context.Context, doc *Transcript) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("transcript is nil")
	}
	ref := objectKey(doc)
	dst := filepath.Join(s.dir, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", classifyWriteError("failed to create transcript dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), doc.ID+".*.tmp")
	if err != nil {
		return "", classifyWriteError("failed to create transcript file", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", classifyWriteError("failed to write transcript", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", classifyWriteError("failed to write transcript", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", classifyWriteError("failed to store transcript", err)
	}
	return ref, nil
}

// Load は参照先の結果を読み込みます。
func (s *LocalSink) Load(ctx context.Context, ref string) (*Transcript, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	var doc Transcript
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript: %w", err)
	}
	return &doc, nil
}

// Delete は参照先の結果を削除します。
func (s *LocalSink) Delete(ctx context.Context, ref string) error {
	p, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalSink) resolve(ref string) (string, error) {
	clean := path.Clean(ref)
	if ref == "" || path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid transcript ref: %q", ref)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}
