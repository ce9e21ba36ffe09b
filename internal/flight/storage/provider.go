package storage

import (
	"context"
	"io"
	"time"
)

// Provider stores session artifacts in an object store.
type Provider interface {
	// Upload writes size bytes from r under key and returns the stored key.
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// GeneratePresignedURL returns a temporary download link for key.
	GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// CheckBucket makes sure the bucket exists.
	CheckBucket(ctx context.Context) error
}
