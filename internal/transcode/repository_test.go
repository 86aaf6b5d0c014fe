package transcode

import (
	"context"
	"testing"
)

func TestInMemoryRepository_Put_Get(t *testing.T) {
	repo := NewInMemoryRepository()
	job := NewJob("k1", DefaultProfiles, JobConfig{}, &fakeLauncher{}, nil, 0)
	repo.Put(job)

	got, ok := repo.Get("k1")
	if !ok || got != job {
		t.Fatalf("Get: ok=%v same=%v", ok, got == job)
	}
	if _, ok := repo.Get("missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestInMemoryRepository_Remove_compare_and_delete(t *testing.T) {
	repo := NewInMemoryRepository()
	old := NewJob("k1", DefaultProfiles, JobConfig{}, &fakeLauncher{}, nil, 0)
	newer := NewJob("k1", DefaultProfiles, JobConfig{}, &fakeLauncher{}, nil, 0)
	repo.Put(old)
	repo.Put(newer)

	if repo.Remove(old) {
		t.Error("removing a superseded job must not delete the newer entry")
	}
	if got, _ := repo.Get("k1"); got != newer {
		t.Error("newer job should still be registered")
	}
	if !repo.Remove(newer) {
		t.Error("expected Remove to succeed")
	}
	if _, ok := repo.Get("k1"); ok {
		t.Error("entry should be gone")
	}
}

func TestInMemoryRepository_List_sorted_and_ActiveCount(t *testing.T) {
	repo := NewInMemoryRepository()
	for _, k := range []StreamKey{"c", "a", "b"} {
		repo.Put(NewJob(k, DefaultProfiles, JobConfig{OutputRoot: t.TempDir()}, &fakeLauncher{}, nil, 0))
	}
	jobs := repo.List()
	if len(jobs) != 3 || jobs[0].Key() != "a" || jobs[2].Key() != "c" {
		t.Fatalf("unexpected order: %v", jobs)
	}
	if n := repo.ActiveCount(); n != 3 {
		t.Errorf("Starting jobs are active, got %d", n)
	}

	failing := NewJob("d", DefaultProfiles, JobConfig{OutputRoot: t.TempDir()}, &fakeLauncher{err: context.Canceled}, nil, 0)
	_ = failing.Start(context.Background())
	repo.Put(failing)
	if n := repo.ActiveCount(); n != 3 {
		t.Errorf("Failed job must not count as active, got %d", n)
	}
}
