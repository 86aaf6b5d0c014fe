package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"abr-transcoder/internal/platform/metrics"

	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/lockmap"
)

const (
	// DefaultHealthCheckInterval is the crash detection period.
	DefaultHealthCheckInterval = 5 * time.Second
	// DefaultMaxRestarts is the number of automatic restarts per ingest session.
	DefaultMaxRestarts = 1
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Job JobConfig
	// HealthCheckInterval is the period of the crash detection loop.
	HealthCheckInterval time.Duration
	// MaxRestarts bounds automatic restarts per ingest session. Zero
	// disables them.
	MaxRestarts int
}

// JobObserver is notified when a job's encoder starts writing to its output
// directory and when it has stopped writing for good.
type JobObserver interface {
	JobStarted(key StreamKey, dir string)
	JobEnded(key StreamKey, dir string)
}

// Supervisor owns the streamKey -> Job registry and is the entry point for
// ingest events and the control API. Operations on one key are serialized in
// arrival order; operations on different keys never wait for each other.
type Supervisor struct {
	cfg      SupervisorConfig
	repo     Repository
	launcher Launcher
	log      *slog.Logger
	metrics  *metrics.Metrics

	catalog atomic.Pointer[Catalog]
	locks   *lockmap.LockMap

	observersMu sync.RWMutex
	observers   []JobObserver

	restarts sync.WaitGroup
	closing  atomic.Bool
}

// NewSupervisor returns a Supervisor. m may be nil to disable metrics.
func NewSupervisor(cfg SupervisorConfig, catalog *Catalog, repo Repository, launcher Launcher, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if repo == nil {
		repo = NewInMemoryRepository()
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		repo:     repo,
		launcher: launcher,
		log:      log,
		metrics:  m,
		locks:    lockmap.NewLockMap(),
	}
	s.catalog.Store(catalog)
	return s
}

// AddObserver registers o for job start/end notifications.
func (s *Supervisor) AddObserver(o JobObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, o)
}

// SetCatalog replaces the catalog used for jobs started from now on.
// Running jobs keep the profiles they started with.
func (s *Supervisor) SetCatalog(c *Catalog) {
	s.catalog.Store(c)
	s.log.Info("profile catalog updated", slog.Int("profiles", c.Len()))
}

// Catalog returns the current catalog.
func (s *Supervisor) Catalog() *Catalog {
	return s.catalog.Load()
}

// OnIngestStarted starts a job for key. An active job for the same key is
// treated as stale and stopped first. A spawn failure is returned and leaves
// a Failed entry visible to GetStatus.
func (s *Supervisor) OnIngestStarted(ctx context.Context, key StreamKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if prev, ok := s.repo.Get(key); ok {
		if prev.State().Active() {
			s.log.Info("superseding active job",
				slog.String("stream_key", string(key)),
				slog.String("job_id", prev.ID()))
		}
		s.stopJob(context.WithoutCancel(ctx), prev)
		s.repo.Remove(prev)
	}

	return s.startLocked(ctx, key, 0)
}

// OnIngestStopped stops and unregisters the job for key. Unknown keys are a
// no-op. A stop that arrives while the job is still starting waits for the
// start to resolve.
func (s *Supervisor) OnIngestStopped(ctx context.Context, key StreamKey) error {
	if key == "" {
		return ErrEmptyStreamKey
	}
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	job, ok := s.repo.Get(key)
	if !ok {
		return nil
	}
	s.stopJob(context.WithoutCancel(ctx), job)
	s.repo.Remove(job)
	return nil
}

// GetStatus returns the status of key's job without waiting on any
// in-flight lifecycle operation.
func (s *Supervisor) GetStatus(key StreamKey) (Status, bool) {
	job, ok := s.repo.Get(key)
	if !ok {
		return Status{}, false
	}
	return job.Status(), true
}

// List returns the status of every registered job ordered by stream key.
func (s *Supervisor) List() []Status {
	jobs := s.repo.List()
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

// ActiveCount returns the number of Starting or Running jobs.
func (s *Supervisor) ActiveCount() int {
	return s.repo.ActiveCount()
}

// Run performs health checks every HealthCheckInterval until ctx is done,
// then waits for in-flight restarts.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	defer s.restarts.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one health check pass: it samples encoder usage, marks
// jobs whose encoder died as Failed, and schedules bounded restarts.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	for _, job := range s.repo.List() {
		job.SampleUsage()
		if !job.CheckExited() {
			continue
		}
		s.metrics.IncJobCrashes()
		s.notifyEnded(job)

		if job.Restarts() >= s.cfg.MaxRestarts {
			s.log.Error("restart limit reached, job left failed",
				slog.String("stream_key", string(job.Key())),
				slog.Int("restarts", job.Restarts()),
				slog.Int("max_restarts", s.cfg.MaxRestarts))
			continue
		}
		s.restarts.Add(1)
		go func(failed *Job) {
			defer s.restarts.Done()
			s.restart(ctx, failed)
		}(job)
	}
}

// WaitRestarts blocks until restarts scheduled by CheckHealth have resolved.
func (s *Supervisor) WaitRestarts() {
	s.restarts.Wait()
}

func (s *Supervisor) restart(ctx context.Context, failed *Job) {
	key := failed.Key()
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return
	}
	defer unlock()

	// A stop or a new ingest session may have replaced the entry meanwhile.
	if current, ok := s.repo.Get(key); !ok || current != failed {
		return
	}
	if s.closing.Load() {
		return
	}
	s.metrics.IncJobRestarts()
	s.log.Warn("restarting encoder",
		slog.String("stream_key", string(key)),
		slog.Int("attempt", failed.Restarts()+1))
	if err := s.startLocked(ctx, key, failed.Restarts()+1); err != nil {
		s.log.Error("restart failed", slog.String("stream_key", string(key)), slog.String("error", err.Error()))
	}
}

// Shutdown stops every registered job in parallel and unregisters them.
// Automatic restarts are disabled from the moment Shutdown is called.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	var g multierror.Group
	for _, job := range s.repo.List() {
		key := job.Key()
		g.Go(func() error {
			unlock, err := s.lockKey(ctx, key)
			if err != nil {
				return fmt.Errorf("stop %s: %w", key, err)
			}
			defer unlock()
			current, ok := s.repo.Get(key)
			if !ok {
				return nil
			}
			s.stopJob(ctx, current)
			s.repo.Remove(current)
			return nil
		})
	}
	err := g.Wait().ErrorOrNil()
	s.restarts.Wait()
	return err
}

// startLocked registers a new job before spawning it so concurrent stops can
// find it. Caller must hold the key lock.
func (s *Supervisor) startLocked(ctx context.Context, key StreamKey, restarts int) error {
	job := NewJob(key, s.catalog.Load().Profiles(), s.cfg.Job, s.launcher, s.log, restarts)
	s.repo.Put(job)

	if err := job.Start(ctx); err != nil {
		s.metrics.IncSpawnFailures()
		return err
	}
	s.metrics.IncJobsStarted()
	s.notifyStarted(job)
	return nil
}

// stopJob stops job if it still owns an encoder. Caller must hold the key lock.
func (s *Supervisor) stopJob(ctx context.Context, job *Job) {
	wasRunning := job.State() == StateRunning
	if err := job.Stop(ctx); err != nil {
		s.log.Error("stop job", slog.String("stream_key", string(job.Key())), slog.String("error", err.Error()))
		return
	}
	if job.StopTimedOut() {
		s.metrics.IncStopTimeouts()
	}
	if wasRunning {
		s.notifyEnded(job)
	}
}

// lockKey acquires the per-key lock. lockmap hands out the current holder's
// Unlocker when its ctx expires, so the wait itself is never cancelled; ctx
// is checked once the lock is held.
func (s *Supervisor) lockKey(ctx context.Context, key StreamKey) (func(), error) {
	h := s.locks.Lock(context.Background(), key)
	if h == nil {
		return nil, fmt.Errorf("lock stream key %s", key)
	}
	if err := ctx.Err(); err != nil {
		h.Unlock()
		return nil, err
	}
	return h.Unlock, nil
}

func (s *Supervisor) notifyStarted(job *Job) {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	for _, o := range s.observers {
		o.JobStarted(job.Key(), job.OutputDir())
	}
}

func (s *Supervisor) notifyEnded(job *Job) {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	for _, o := range s.observers {
		o.JobEnded(job.Key(), job.OutputDir())
	}
}
