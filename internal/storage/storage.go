package storage

import (
	"context"
	"time"

	"transfer-hub/internal/domain"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// TransferOptions tunes a single object operation.
type TransferOptions struct {
	// Credentials override the client's default credential chain when set.
	Credentials      *domain.Credentials
	ProgressCallback func(done, total int64)
}

// Service moves single objects between local files and remote object storage.
type Service interface {
	Download(ctx context.Context, bucket, key, localPath string, opts TransferOptions) (int64, error)
	Upload(ctx context.Context, localPath, bucket, key string, opts TransferOptions) (int64, error)
	Stat(ctx context.Context, bucket, key string, opts TransferOptions) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string, opts TransferOptions) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
