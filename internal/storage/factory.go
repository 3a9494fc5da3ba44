package storage

import (
	"context"
	"fmt"

	"portfolio-backoffice/internal/config"
)

// New picks the blob backend from config.
func New(ctx context.Context, cfg config.Config) (Storage, error) {
	switch cfg.StorageBackend {
	case "s3":
		return NewS3(ctx, cfg)
	case "local", "":
		return NewLocal(cfg.LocalStoragePath), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
