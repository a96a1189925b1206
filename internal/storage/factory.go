package storage

import (
	"context"
	"fmt"

	"github.com/jcbsnclr/ksync/internal/config"
	"github.com/jcbsnclr/ksync/internal/storage/local"
	s3backend "github.com/jcbsnclr/ksync/internal/storage/s3"
)

// NewBackend creates the instrumented Backend selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", "local":
		b, err = local.New(local.Config{RootPath: cfg.LocalPath, CreateDirs: true})
	case "s3":
		b, err = s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(b), nil
}
