package transcode

import (
	"fmt"
	"os"
	"path/filepath"
)

// staleOutputPatterns match files a previous session of the same key may
// have left behind.
var staleOutputPatterns = []string{
	MasterPlaylistName,
	"stream_*.m3u8",
	"stream_*.m3u8.tmp",
	"seg_*.ts",
	".master-*.tmp",
}

// prepareOutputDir creates dir, removes stale outputs and verifies that the
// directory is writable.
func prepareOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, pattern := range staleOutputPatterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove stale output: %w", err)
			}
		}
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("output dir not writable: %w", err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".master-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
