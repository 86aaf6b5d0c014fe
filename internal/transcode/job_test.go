package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"abr-transcoder/internal/platform/logger"
)

func newTestJob(t *testing.T, l Launcher, grace time.Duration) *Job {
	t.Helper()
	cfg := JobConfig{
		EncoderPath: "ffmpeg",
		RTMPBaseURL: "rtmp://127.0.0.1:1935/live",
		OutputRoot:  t.TempDir(),
		GracePeriod: grace,
	}
	return NewJob("abc123", DefaultProfiles, cfg, l, logger.Discard(), 0)
}

func TestJob_Start_writes_master_playlist(t *testing.T) {
	l := &fakeLauncher{}
	job := newTestJob(t, l, time.Second)

	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.State() != StateRunning {
		t.Errorf("expected Running, got %s", job.State())
	}

	data, err := os.ReadFile(filepath.Join(job.OutputDir(), MasterPlaylistName))
	if err != nil {
		t.Fatalf("read master playlist: %v", err)
	}
	if string(data) != BuildMasterPlaylist(DefaultProfiles) {
		t.Errorf("unexpected master playlist:\n%s", data)
	}

	cmds := l.commands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(cmds))
	}
	if cmds[0].Dir != job.OutputDir() {
		t.Errorf("encoder dir = %q, want %q", cmds[0].Dir, job.OutputDir())
	}
	if argValue(cmds[0].Args, "-i") != "rtmp://127.0.0.1:1935/live/abc123" {
		t.Errorf("unexpected input %q", argValue(cmds[0].Args, "-i"))
	}

	st := job.Status()
	if st.StartedAt == nil || st.JobID == "" || st.PlaybackPath != "abc123/master.m3u8" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestJob_Start_removes_stale_output(t *testing.T) {
	l := &fakeLauncher{}
	job := newTestJob(t, l, time.Second)
	if err := os.MkdirAll(job.OutputDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	stale := []string{"seg_0_007.ts", "stream_0.m3u8"}
	for _, name := range stale {
		if err := os.WriteFile(filepath.Join(job.OutputDir(), name), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(job.OutputDir(), "notes.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, name := range stale {
		if _, err := os.Stat(filepath.Join(job.OutputDir(), name)); !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestJob_Start_launch_failure(t *testing.T) {
	l := &fakeLauncher{err: errors.New("executable file not found")}
	job := newTestJob(t, l, time.Second)

	err := job.Start(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.StreamKey != "abc123" {
		t.Errorf("expected SpawnError for abc123, got %#v", err)
	}
	st := job.Status()
	if st.State != StateFailed || !strings.Contains(st.Reason, "executable file not found") {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := os.Stat(filepath.Join(job.OutputDir(), MasterPlaylistName)); !os.IsNotExist(err) {
		t.Error("master playlist must not be written when spawn fails")
	}
}

func TestJob_Start_no_profiles(t *testing.T) {
	job := NewJob("abc123", nil, JobConfig{OutputRoot: t.TempDir()}, &fakeLauncher{}, logger.Discard(), 0)
	if err := job.Start(context.Background()); !errors.Is(err, ErrNoProfiles) {
		t.Errorf("expected ErrNoProfiles, got %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("expected Failed, got %s", job.State())
	}
}

func TestJob_Start_twice(t *testing.T) {
	job := newTestJob(t, &fakeLauncher{}, time.Second)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := job.Start(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestJob_profiles_snapshot(t *testing.T) {
	profiles := []RenditionProfile{{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2500}}
	job := NewJob("k", profiles, JobConfig{}, &fakeLauncher{}, nil, 0)
	profiles[0].BitrateKbps = 1
	if job.Profiles()[0].BitrateKbps != 2500 {
		t.Error("job must keep its own copy of the profiles")
	}
}

func TestJob_Stop_graceful(t *testing.T) {
	l := &fakeLauncher{}
	job := newTestJob(t, l, time.Second)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := job.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	proc := l.last()
	if !proc.interrupted() {
		t.Error("expected interrupt")
	}
	if proc.wasKilled() || job.StopTimedOut() {
		t.Error("graceful stop must not kill")
	}
	if job.State() != StateStopped {
		t.Errorf("expected Stopped, got %s", job.State())
	}
}

func TestJob_Stop_escalates_to_kill(t *testing.T) {
	l := &fakeLauncher{ignoreInterrupt: true}
	job := newTestJob(t, l, 20*time.Millisecond)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := job.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("kill must wait for the grace period")
	}
	proc := l.last()
	if !proc.interrupted() || !proc.wasKilled() || !proc.exited() {
		t.Error("expected interrupt then kill")
	}
	if !job.StopTimedOut() {
		t.Error("StopTimedOut should be true")
	}
}

func TestJob_Stop_context_cancel_kills_early(t *testing.T) {
	l := &fakeLauncher{ignoreInterrupt: true}
	job := newTestJob(t, l, time.Hour)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := job.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !l.last().wasKilled() {
		t.Error("expected kill after context cancellation")
	}
}

func TestJob_Stop_idempotent_and_concurrent(t *testing.T) {
	l := &fakeLauncher{ignoreInterrupt: true}
	job := newTestJob(t, l, 30*time.Millisecond)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = job.Stop(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("Stop %d: %v", i, err)
		}
	}
	if err := job.Stop(context.Background()); err != nil {
		t.Errorf("Stop on stopped job: %v", err)
	}
	if job.State() != StateStopped {
		t.Errorf("expected Stopped, got %s", job.State())
	}
}

func TestJob_Stop_failed_is_noop(t *testing.T) {
	job := newTestJob(t, &fakeLauncher{err: errors.New("boom")}, time.Second)
	_ = job.Start(context.Background())
	if err := job.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("Failed must stay Failed, got %s", job.State())
	}
}

func TestJob_CheckExited(t *testing.T) {
	l := &fakeLauncher{}
	job := newTestJob(t, l, time.Second)
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if job.CheckExited() {
		t.Fatal("running encoder reported as exited")
	}

	l.last().exit(errors.New("exit status 1"))
	if !job.CheckExited() {
		t.Fatal("expected exit to be detected")
	}
	st := job.Status()
	if st.State != StateFailed || !strings.Contains(st.Reason, "exit status 1") {
		t.Errorf("unexpected status %+v", st)
	}
	if job.CheckExited() {
		t.Error("second CheckExited must report false")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]JobState{
		{StateStarting, StateRunning},
		{StateStarting, StateFailed},
		{StateRunning, StateStopping},
		{StateRunning, StateFailed},
		{StateStopping, StateStopped},
	}
	all := []JobState{StateStarting, StateRunning, StateStopping, StateStopped, StateFailed}
	for _, from := range all {
		for _, to := range all {
			want := slices.Contains(allowed, [2]JobState{from, to})
			if got := canTransition(from, to); got != want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}
