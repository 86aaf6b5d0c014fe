package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"abr-transcoder/internal/platform/logger"

	"github.com/google/uuid"
)

// JobConfig holds the settings every job of a supervisor shares.
type JobConfig struct {
	// EncoderPath is the ffmpeg binary name or path.
	EncoderPath string
	// RTMPBaseURL is joined with the stream key to form the encoder input.
	RTMPBaseURL string
	// OutputRoot is the parent of the per-key output directories.
	OutputRoot string
	// GracePeriod bounds the wait after an interrupt before a forced kill.
	GracePeriod time.Duration
	Encoder     EncoderOptions
}

const (
	// DefaultGracePeriod is how long Stop waits after the interrupt before
	// killing the encoder.
	DefaultGracePeriod = 5 * time.Second
	// killWait bounds the wait for the reaper after a forced kill.
	killWait = 5 * time.Second
)

// validTransitions is the job lifecycle. Failed and Stopped are terminal; a
// restart creates a new Job.
var validTransitions = map[JobState][]JobState{
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped},
}

func canTransition(from, to JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job owns one encoder process and the output directory of one stream key.
type Job struct {
	id        string
	key       StreamKey
	outputDir string
	profiles  []RenditionProfile
	restarts  int
	cfg       JobConfig
	launcher  Launcher
	log       *slog.Logger

	mu        sync.Mutex
	state     JobState
	startedAt time.Time
	reason    string
	proc      Process
	usage     *Usage
	stdout    *logger.LineWriter
	stderr    *logger.LineWriter
	stopped   chan struct{}

	stopTimedOut bool
}

// NewJob creates a job in the Starting state. profiles is copied so later
// catalog changes never reach a running job. restarts counts the automatic
// restarts that preceded this job for the same ingest session.
func NewJob(key StreamKey, profiles []RenditionProfile, cfg JobConfig, launcher Launcher, log *slog.Logger, restarts int) *Job {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if log == nil {
		log = slog.Default()
	}
	snapshot := make([]RenditionProfile, len(profiles))
	copy(snapshot, profiles)
	id := uuid.NewString()
	return &Job{
		id:        id,
		key:       key,
		outputDir: filepath.Join(cfg.OutputRoot, string(key)),
		profiles:  snapshot,
		restarts:  restarts,
		cfg:       cfg,
		launcher:  launcher,
		log:       log.With(slog.String("stream_key", string(key)), slog.String("job_id", id)),
		state:     StateStarting,
		stopped:   make(chan struct{}),
	}
}

// ID identifies this run; a restart for the same key gets a new ID.
func (j *Job) ID() string { return j.id }

// Key returns the stream key the job encodes.
func (j *Job) Key() StreamKey { return j.key }

// OutputDir is OutputRoot/streamKey.
func (j *Job) OutputDir() string { return j.outputDir }

// Restarts counts the automatic restarts that preceded this job.
func (j *Job) Restarts() int { return j.restarts }

// Profiles returns a copy of the profile snapshot taken at creation.
func (j *Job) Profiles() []RenditionProfile {
	out := make([]RenditionProfile, len(j.profiles))
	copy(out, j.profiles)
	return out
}

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// setStateLocked applies a transition. Caller must hold j.mu.
func (j *Job) setStateLocked(to JobState) error {
	if !canTransition(j.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, to)
	}
	j.state = to
	switch to {
	case StateRunning:
		j.startedAt = time.Now().UTC()
	case StateStopped:
		close(j.stopped)
	}
	return nil
}

// Start prepares the output directory, spawns the encoder and writes the
// master playlist. It returns once the process is spawned; it does not wait
// for encoding to begin. On any failure the job is Failed and the error is
// returned.
func (j *Job) Start(ctx context.Context) error {
	if st := j.State(); st != StateStarting {
		return fmt.Errorf("%w: start in state %s", ErrInvalidTransition, st)
	}
	if err := j.key.Validate(); err != nil {
		return j.fail(err)
	}
	if len(j.profiles) == 0 {
		return j.fail(ErrNoProfiles)
	}

	args, err := BuildEncoderArgs(InputURL(j.cfg.RTMPBaseURL, j.key), j.profiles, j.cfg.Encoder)
	if err != nil {
		return j.fail(err)
	}
	if err := prepareOutputDir(j.outputDir); err != nil {
		return j.fail(&SpawnError{StreamKey: j.key, Err: err})
	}

	stdout := logger.NewLineWriter(j.log, slog.LevelDebug, "encoder output")
	stderr := logger.NewLineWriter(j.log, slog.LevelWarn, "encoder output")
	proc, err := j.launcher.Launch(ctx, Command{
		Path:   j.cfg.EncoderPath,
		Args:   args,
		Dir:    j.outputDir,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return j.fail(&SpawnError{StreamKey: j.key, Err: err})
	}

	if err := j.WriteMasterPlaylist(); err != nil {
		_ = proc.Kill()
		waitDone(proc, killWait)
		return j.fail(&SpawnError{StreamKey: j.key, Err: err})
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.proc = proc
	j.stdout, j.stderr = stdout, stderr
	if err := j.setStateLocked(StateRunning); err != nil {
		return err
	}
	j.log.Info("encoder started",
		slog.Int("pid", proc.Pid()),
		slog.Int("variants", len(j.profiles)),
		slog.Int("restarts", j.restarts),
		slog.String("output_dir", j.outputDir))
	return nil
}

// fail moves the job to Failed, records err as the reason and returns it.
func (j *Job) fail(err error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if terr := j.setStateLocked(StateFailed); terr != nil {
		return errors.Join(err, terr)
	}
	j.reason = err.Error()
	j.log.Error("job failed", slog.String("error", err.Error()))
	return err
}

// WriteMasterPlaylist renders the master playlist from the job's profile
// snapshot and replaces outputDir/master.m3u8 atomically. The encoder is
// never asked to write a master playlist, so this is the only writer.
func (j *Job) WriteMasterPlaylist() error {
	if len(j.profiles) == 0 {
		return ErrNoProfiles
	}
	body := BuildMasterPlaylist(j.profiles)
	if err := writeFileAtomic(filepath.Join(j.outputDir, MasterPlaylistName), []byte(body)); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

// Stop interrupts the encoder, escalates to a kill after the grace period or
// when ctx is cancelled, and returns once the process has been reaped. After
// Stop returns nothing writes to the output directory. Stopping a job that
// is already Stopped or Failed is a no-op.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	switch j.state {
	case StateStopped, StateFailed:
		j.mu.Unlock()
		return nil
	case StateStopping:
		j.mu.Unlock()
		select {
		case <-j.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := j.setStateLocked(StateStopping); err != nil {
		j.mu.Unlock()
		return err
	}
	proc := j.proc
	j.mu.Unlock()

	timedOut := terminate(ctx, proc, j.cfg.GracePeriod)
	if timedOut {
		j.log.Warn("encoder ignored interrupt, killed", slog.Duration("grace_period", j.cfg.GracePeriod))
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.flushOutputLocked()
	j.stopTimedOut = timedOut
	if err := j.setStateLocked(StateStopped); err != nil {
		return err
	}
	j.log.Info("encoder stopped")
	return nil
}

// StopTimedOut reports whether the last Stop had to kill the encoder.
func (j *Job) StopTimedOut() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopTimedOut
}

// CheckExited moves a Running job whose encoder has exited to Failed. It
// reports whether that transition happened.
func (j *Job) CheckExited() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning || j.proc == nil {
		return false
	}
	select {
	case <-j.proc.Done():
	default:
		return false
	}
	reason := "encoder exited unexpectedly"
	if err := j.proc.Err(); err != nil {
		reason = fmt.Sprintf("encoder exited unexpectedly: %v", err)
	}
	if err := j.setStateLocked(StateFailed); err != nil {
		return false
	}
	j.reason = reason
	j.flushOutputLocked()
	j.log.Error("encoder crashed", slog.String("reason", reason))
	return true
}

// SampleUsage records the encoder's CPU and memory if the process supports it.
func (j *Job) SampleUsage() {
	j.mu.Lock()
	proc := j.proc
	running := j.state == StateRunning
	j.mu.Unlock()
	if !running || proc == nil {
		return
	}
	sampler, ok := proc.(usageSampler)
	if !ok {
		return
	}
	u, err := sampler.Usage()
	if err != nil {
		j.log.Debug("sample encoder usage", slog.String("error", err.Error()))
		return
	}
	j.mu.Lock()
	j.usage = &u
	j.mu.Unlock()
}

// Status returns a snapshot of the job. It never blocks on process I/O.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		StreamKey:    j.key,
		JobID:        j.id,
		State:        j.state,
		Restarts:     j.restarts,
		Reason:       j.reason,
		OutputDir:    j.outputDir,
		PlaybackPath: string(j.key) + "/" + MasterPlaylistName,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		st.StartedAt = &t
	}
	if j.usage != nil && j.state == StateRunning {
		cpu, rss := j.usage.CPUPercent, j.usage.RSSBytes
		st.CPUPercent, st.RSSBytes = &cpu, &rss
	}
	return st
}

func (j *Job) flushOutputLocked() {
	if j.stdout != nil {
		j.stdout.Flush()
	}
	if j.stderr != nil {
		j.stderr.Flush()
	}
}

// terminate interrupts proc and waits up to grace for it to exit, then kills
// it. It reports whether the kill was needed.
func terminate(ctx context.Context, proc Process, grace time.Duration) bool {
	if proc == nil {
		return false
	}
	select {
	case <-proc.Done():
		return false
	default:
	}

	if err := proc.Signal(os.Interrupt); err != nil {
		_ = proc.Kill()
		waitDone(proc, killWait)
		return true
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return false
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = proc.Kill()
	waitDone(proc, killWait)
	return true
}

func waitDone(proc Process, limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		return false
	}
}
