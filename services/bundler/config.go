package bundler

import (
	"context"
	"io"
	"time"
)

// BuildConfig configures bundle creation.
type BuildConfig struct {
	// OutDir is the build output root holding rpms/, srpms/ and changelog.
	OutDir   string
	Output   string
	Snapshot string
	Signer   *Signer
	Now      func() time.Time
	Stdout   io.Writer
}

// ObjectStore is the subset of pkg/s3 used for uploads.
type ObjectStore interface {
	Key(elem ...string) string
	PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error
	PutFile(ctx context.Context, key, filePath string) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Publisher announces uploaded bundles.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// UploadConfig configures bundle verification and upload.
type UploadConfig struct {
	BundlePath string
	Store      ObjectStore
	Signer     *Signer
	LinkTTL    time.Duration
	Publisher  Publisher
	Now        func() time.Time
	Stdout     io.Writer
}
