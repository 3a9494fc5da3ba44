package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Local stores blobs on the filesystem. Used in development and as the
// fallback when no bucket is configured.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./files"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
}

func (l *Local) Save(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

func (l *Local) Open(_ context.Context, key string) ([]byte, error) {
	body, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", key, err)
	}
	return body, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", key, err)
	}
	return nil
}

func (l *Local) ListDir(_ context.Context, prefix string) ([]string, error) {
	dir := l.path(prefix)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dir %s: %w", prefix, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, sanitizeKey(prefix+"/"+e.Name()))
		}
	}
	return out, nil
}
