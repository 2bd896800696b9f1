// Package blobstore uploads listing images and returns their public URLs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// MaxImageSize bounds an uploaded image.
const MaxImageSize = 5 << 20

var (
	ErrTooLarge        = errors.New("file exceeds the maximum upload size")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrNotFound        = errors.New("blob not found")
)

// allowedTypes maps accepted image content types to file extensions.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Store saves blobs under a key and serves them from a public URL.
type Store interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
}

// CheckImage validates an upload's content type and size.
func CheckImage(contentType string, size int64) error {
	if _, ok := allowedTypes[contentType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if size <= 0 || size > MaxImageSize {
		return ErrTooLarge
	}
	return nil
}

// ImageKey builds the object key for a post image. Keys are unique per
// upload so cached URLs never serve a replaced image.
func ImageKey(postID, contentType string, now time.Time) string {
	ext := allowedTypes[contentType]
	return path.Join("posts", postID, fmt.Sprintf("%d%s", now.UnixNano(), ext))
}

// PublicURL joins a base URL and key.
func PublicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
