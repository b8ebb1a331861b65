// Package blobs stores and fetches submodel artifacts by content hash.
package blobs

import (
	"context"
	"fmt"
	"strings"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using the given hash as the object key.
	// If an object with the same hash already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

type BlobInfo struct {
	Hash string
}

// Validate checks that the hash is usable as an object key and a cache file name.
func (i BlobInfo) Validate() error {
	if i.Hash == "" {
		return fmt.Errorf("blob hash is empty")
	}
	if strings.ContainsAny(i.Hash, `/\`) || i.Hash == "." || i.Hash == ".." {
		return fmt.Errorf("blob hash %q is not a valid object key", i.Hash)
	}
	return nil
}
