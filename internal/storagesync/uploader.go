package storagesync

import (
	"context"
	"path"
	"strings"
)

// Uploader stores HLS output files under an object key and reports where
// players can fetch them.
type Uploader interface {
	// Enabled reports whether the uploader has a usable destination.
	Enabled() bool
	// Upload stores body under key and returns its public URL.
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ObjectKey returns the remote key of a file produced for streamKey.
func ObjectKey(streamKey, name string) string {
	return strings.Trim(streamKey, "/") + "/" + path.Base(name)
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}

func joinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedBase == "" {
		return ""
	}
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

type noopUploader struct{}

func (noopUploader) Enabled() bool { return false }

func (noopUploader) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	return "", nil
}

func (noopUploader) Delete(ctx context.Context, key string) error { return nil }
