// Package storage persists import files and task reports. Every path is
// prefixed with the tenant's space code so blobs never cross tenants.
package storage

import (
	"context"
	"path"
	"strings"
)

// Storage abstracts the blob backend. Implementations must be safe for
// concurrent use.
type Storage interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Open(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListDir(ctx context.Context, prefix string) ([]string, error)
}

// TenantKey builds the canonical storage key for a tenant-owned file.
func TenantKey(spaceCode string, parts ...string) string {
	elems := append([]string{spaceCode}, parts...)
	return sanitizeKey(path.Join(elems...))
}

func sanitizeKey(key string) string {
	key = path.Clean(key)
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}
