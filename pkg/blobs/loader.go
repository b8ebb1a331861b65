package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"
)

// ArtifactLoader fetches artifacts into a local cache directory, retrying failed downloads.
// Missing artifacts are not retried.
type ArtifactLoader struct {
	Reader   BlobReader
	CacheDir string

	MaxDownloadAttempts uint
	RetryDelay          time.Duration
}

func NewArtifactLoader(reader BlobReader, cacheDir string) *ArtifactLoader {
	return &ArtifactLoader{
		Reader:              reader,
		CacheDir:            cacheDir,
		MaxDownloadAttempts: 5,
		RetryDelay:          time.Second,
	}
}

// Fetch returns the local path of the artifact, downloading it if it is not cached yet.
func (l *ArtifactLoader) Fetch(ctx context.Context, info BlobInfo) (string, error) {
	log := klog.FromContext(ctx)

	if err := info.Validate(); err != nil {
		return "", err
	}
	localPath := filepath.Join(l.CacheDir, info.Hash)
	if _, err := os.Stat(localPath); err == nil {
		log.V(2).Info("artifact is cached", "hash", info.Hash, "path", localPath)
		return localPath, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking cache for %q: %w", info.Hash, err)
	}

	if err := os.MkdirAll(l.CacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	attempts := max(l.MaxDownloadAttempts, 1)
	err := retry.Do(
		func() error {
			return l.Reader.Download(ctx, info, localPath)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(l.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, os.ErrNotExist)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.Error(err, "downloading artifact, will retry", "hash", info.Hash, "attempt", attempt+1)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("downloading artifact %q: %w", info.Hash, err)
	}
	return localPath, nil
}

// ReadArtifact fetches the artifact and returns its contents.
func (l *ArtifactLoader) ReadArtifact(ctx context.Context, info BlobInfo) ([]byte, error) {
	path, err := l.Fetch(ctx, info)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}
