package storagesync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirMirror copies files into a local directory served by a web server or
// CDN origin. URLs are BaseURL joined with the object key.
type DirMirror struct {
	Root    string
	BaseURL string
}

// NewDirMirror returns a mirror rooted at root. An empty root yields a
// disabled mirror.
func NewDirMirror(root, baseURL string) *DirMirror {
	return &DirMirror{Root: strings.TrimSpace(root), BaseURL: strings.TrimSpace(baseURL)}
}

// Enabled implements Uploader.Enabled.
func (m *DirMirror) Enabled() bool { return m != nil && m.Root != "" }

// Upload implements Uploader.Upload. Files are replaced atomically.
func (m *DirMirror) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := m.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create mirror dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("mirror %s: %w", key, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror %s: %w", key, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("mirror %s: %w", key, err)
	}
	if u := joinURL(m.BaseURL, key); u != "" {
		return u, nil
	}
	return dst, nil
}

// Delete implements Uploader.Delete.
func (m *DirMirror) Delete(ctx context.Context, key string) error {
	dst, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete mirrored %s: %w", key, err)
	}
	return nil
}

func (m *DirMirror) path(key string) (string, error) {
	if !m.Enabled() {
		return "", errors.New("mirror root is not configured")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(m.Root, clean), nil
}
