package storagesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"abr-transcoder/internal/platform/metrics"
	"abr-transcoder/internal/transcode"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Syncer defaults. The rescan period and upload age both default to one
// segment duration.
const (
	DefaultInterval     = transcode.SegmentSeconds * time.Second
	DefaultConcurrency  = 4
	DefaultFlushTimeout = 30 * time.Second
)

// Config tunes a Syncer.
type Config struct {
	// Interval is the rescan period.
	Interval time.Duration
	// MinAge is how long a file must go unmodified before it is uploaded.
	MinAge time.Duration
	// Concurrency bounds parallel uploads per pass.
	Concurrency int
	// FlushTimeout bounds the final upload pass after a job ends.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinAge < 0 {
		c.MinAge = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	return c
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

// trackedDir is the sync state of one stream's output directory.
type trackedDir struct {
	key string
	dir string

	// pass serializes upload passes over this directory.
	pass sync.Mutex

	// Guarded by Syncer.mu.
	active   bool
	dirty    bool
	pending  bool
	uploaded map[string]fileStamp
	urls     map[string]string
}

// Syncer mirrors the output directories of running jobs to an Uploader. It
// only reads those directories.
type Syncer struct {
	cfg      Config
	uploader Uploader
	log      *slog.Logger
	metrics  *metrics.Metrics
	watcher  *fsnotify.Watcher
	now      func() time.Time

	mu   sync.Mutex
	dirs map[string]*trackedDir

	flushes sync.WaitGroup
}

// New returns a Syncer. Call Run to start background syncing and Close to
// release the watcher.
func New(cfg Config, up Uploader, log *slog.Logger, m *metrics.Metrics) (*Syncer, error) {
	if up == nil {
		return nil, errors.New("storagesync: uploader is required")
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Syncer{
		cfg:      cfg.withDefaults(),
		uploader: up,
		log:      log,
		metrics:  m,
		watcher:  w,
		now:      time.Now,
		dirs:     make(map[string]*trackedDir),
	}, nil
}

// JobStarted begins tracking dir. Previous upload state for the key is
// discarded since the job starts from an empty directory.
func (s *Syncer) JobStarted(key transcode.StreamKey, dir string) {
	td := &trackedDir{
		key:      string(key),
		dir:      dir,
		active:   true,
		dirty:    true,
		uploaded: make(map[string]fileStamp),
		urls:     make(map[string]string),
	}
	s.mu.Lock()
	s.dirs[string(key)] = td
	s.mu.Unlock()

	if err := s.watcher.Add(dir); err != nil {
		// The periodic rescan still covers the directory.
		s.log.Warn("watch output dir", slog.String("dir", dir), slog.String("error", err.Error()))
	}
	s.log.Debug("sync tracking started", slog.String("stream_key", string(key)), slog.String("dir", dir))
}

// JobEnded stops tracking dir and uploads whatever the encoder left behind in
// the background, ignoring the age gate since nothing writes to the directory
// any more. It returns immediately; Close waits for the upload.
func (s *Syncer) JobEnded(key transcode.StreamKey, dir string) {
	s.mu.Lock()
	td, ok := s.dirs[string(key)]
	if ok && td.dir == dir {
		td.active = false
	}
	s.mu.Unlock()
	if !ok || td.dir != dir {
		return
	}
	_ = s.watcher.Remove(dir)

	s.flushes.Add(1)
	go func() {
		defer s.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		defer cancel()
		if err := s.syncDir(ctx, td, true); err != nil {
			s.log.Error("final sync failed", slog.String("stream_key", string(key)), slog.String("error", err.Error()))
		}
	}()
}

// WaitFlushes blocks until final uploads started by JobEnded have finished.
func (s *Syncer) WaitFlushes() {
	s.flushes.Wait()
}

// Run rescans tracked directories until ctx is done. Directories are
// rescanned when fsnotify reports a change or files were too young to upload
// on the previous pass.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.markDirty(filepath.Dir(ev.Name))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("watcher error", slog.String("error", err.Error()))
			s.markAllDirty()
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce runs one upload pass over every active directory that has
// changes or pending files.
func (s *Syncer) SyncOnce(ctx context.Context) {
	for _, td := range s.due() {
		if err := s.syncDir(ctx, td, false); err != nil {
			s.log.Warn("sync pass incomplete", slog.String("stream_key", td.key), slog.String("error", err.Error()))
		}
	}
}

// URL returns the public URL of an uploaded file of streamKey.
func (s *Syncer) URL(streamKey, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.dirs[streamKey]
	if !ok {
		return "", false
	}
	u, ok := td.urls[name]
	return u, ok
}

// Close waits for pending final uploads and releases the watcher.
func (s *Syncer) Close() error {
	s.flushes.Wait()
	return s.watcher.Close()
}

func (s *Syncer) due() []*trackedDir {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*trackedDir
	for _, td := range s.dirs {
		if td.active && (td.dirty || td.pending) {
			td.dirty = false
			out = append(out, td)
		}
	}
	return out
}

func (s *Syncer) markDirty(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, td := range s.dirs {
		if td.dir == dir {
			td.dirty = true
		}
	}
}

func (s *Syncer) markAllDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, td := range s.dirs {
		td.dirty = true
	}
}

type syncCandidate struct {
	name  string
	path  string
	stamp fileStamp
	// body is set for playlists, read once so the uploaded bytes match the
	// segment references checked before upload.
	body []byte
	refs []string
}

// syncDir uploads new segments first and then changed playlists, so a
// published playlist never references a segment that is not yet uploaded.
// Segments deleted locally by the encoder are deleted remotely.
//
// A segment is uploaded once a playlist references it (the encoder lists a
// segment only after closing it) or once it has gone MinAge unmodified.
// Playlists are renamed into place by the encoder, so they are never partial
// and skip the age gate.
func (s *Syncer) syncDir(ctx context.Context, td *trackedDir, final bool) error {
	td.pass.Lock()
	defer td.pass.Unlock()

	entries, err := os.ReadDir(td.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read output dir: %w", err)
	}

	now := s.now()
	present := make(map[string]struct{}, len(entries))
	referenced := make(map[string]struct{})
	var segmentFiles, playlistFiles []syncCandidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		isSegment := strings.HasSuffix(name, ".ts")
		isPlaylist := strings.HasSuffix(name, ".m3u8")
		if !isSegment && !isPlaylist {
			continue
		}
		present[name] = struct{}{}
		info, err := e.Info()
		if err != nil {
			continue
		}
		c := syncCandidate{
			name:  name,
			path:  filepath.Join(td.dir, name),
			stamp: fileStamp{modTime: info.ModTime(), size: info.Size()},
		}
		if isSegment {
			segmentFiles = append(segmentFiles, c)
			continue
		}
		body, err := os.ReadFile(c.path)
		if err != nil {
			// Replaced or rotated mid-scan; the next pass sees the new file.
			continue
		}
		c.body = body
		c.refs = segmentRefs(body)
		for _, r := range c.refs {
			referenced[r] = struct{}{}
		}
		playlistFiles = append(playlistFiles, c)
	}

	pending := false
	var segments, playlists []syncCandidate
	var gone []string
	s.mu.Lock()
	for _, c := range segmentFiles {
		if _, seen := td.uploaded[c.name]; seen {
			continue
		}
		_, listed := referenced[c.name]
		if !final && !listed && now.Sub(c.stamp.modTime) < s.cfg.MinAge {
			pending = true
			continue
		}
		segments = append(segments, c)
	}
	for _, c := range playlistFiles {
		if prev, seen := td.uploaded[c.name]; !seen || prev != c.stamp {
			playlists = append(playlists, c)
		}
	}
	for name := range td.uploaded {
		if _, ok := present[name]; !ok && strings.HasSuffix(name, ".ts") {
			gone = append(gone, name)
		}
	}
	s.mu.Unlock()

	var errs []error
	if err := s.uploadAll(ctx, td, segments); err != nil {
		errs = append(errs, err)
	}

	// Hold back playlists that list a segment we failed to upload.
	s.mu.Lock()
	ready := playlists[:0]
	for _, c := range playlists {
		complete := true
		for _, r := range c.refs {
			_, local := present[r]
			if _, up := td.uploaded[r]; local && !up {
				complete = false
				break
			}
		}
		if complete {
			ready = append(ready, c)
		} else {
			pending = true
		}
	}
	td.pending = pending
	s.mu.Unlock()

	if err := s.uploadAll(ctx, td, ready); err != nil {
		errs = append(errs, err)
	}
	for _, name := range gone {
		if err := s.uploader.Delete(ctx, ObjectKey(td.key, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		s.mu.Lock()
		delete(td.uploaded, name)
		delete(td.urls, name)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// segmentRefs returns the .ts URIs listed in a media playlist.
func segmentRefs(playlist []byte) []string {
	var refs []string
	for _, line := range strings.Split(string(playlist), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.HasSuffix(line, ".ts") {
			continue
		}
		refs = append(refs, filepath.Base(line))
	}
	return refs
}

func (s *Syncer) uploadAll(ctx context.Context, td *trackedDir, files []syncCandidate) error {
	if len(files) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, f := range files {
		g.Go(func() error {
			if err := s.uploadFile(gctx, td, f); err != nil {
				s.metrics.IncSyncErrors()
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Syncer) uploadFile(ctx context.Context, td *trackedDir, f syncCandidate) error {
	body := f.body
	if body == nil {
		var err error
		body, err = os.ReadFile(f.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Rotated out by the encoder before we got to it.
				return nil
			}
			return fmt.Errorf("read %s: %w", f.name, err)
		}
	}
	key := ObjectKey(td.key, f.name)
	u, err := s.uploader.Upload(ctx, key, contentTypeFor(f.name), body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	td.uploaded[f.name] = f.stamp
	td.urls[f.name] = u
	s.mu.Unlock()

	if strings.HasSuffix(f.name, ".ts") {
		s.metrics.IncSegmentsSynced()
	}
	s.log.Debug("uploaded", slog.String("key", key), slog.Int("bytes", len(body)))
	return nil
}
