package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("GRACE", "750ms")
	if got := GetEnvDuration("GRACE", time.Second); got != 750*time.Millisecond {
		t.Errorf("expected 750ms, got %s", got)
	}

	t.Setenv("GRACE", "3")
	if got := GetEnvDuration("GRACE", time.Second); got != 3*time.Second {
		t.Errorf("bare integer should be seconds, got %s", got)
	}

	t.Setenv("GRACE", "soon")
	if got := GetEnvDuration("GRACE", time.Second); got != time.Second {
		t.Errorf("invalid value should fall back, got %s", got)
	}
}

func TestGetEnvInt_and_bool(t *testing.T) {
	t.Setenv("RESTARTS", "2")
	if got := GetEnvInt("RESTARTS", 1); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	t.Setenv("RESTARTS", "two")
	if got := GetEnvInt("RESTARTS", 1); got != 1 {
		t.Errorf("expected fallback 1, got %d", got)
	}

	t.Setenv("SYNC", "true")
	if !GetEnvBool("SYNC", false) {
		t.Error("expected true")
	}
	if GetEnvBool("SYNC_UNSET_KEY", false) {
		t.Error("unset key should use fallback")
	}
}

func TestLoad_dotenv_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ABR_TEST_LOAD_KEY=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("ABR_TEST_LOAD_KEY") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("ABR_TEST_LOAD_KEY", "fallback"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
}
