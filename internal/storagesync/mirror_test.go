package storagesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDirMirror_Upload_and_Delete(t *testing.T) {
	root := t.TempDir()
	m := NewDirMirror(root, "https://cdn.example.com/hls/")
	if !m.Enabled() {
		t.Fatal("mirror with a root should be enabled")
	}

	u, err := m.Upload(context.Background(), "abc/seg_0_000.ts", "video/mp2t", []byte("data"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := "https://cdn.example.com/hls/abc/seg_0_000.ts"; u != want {
		t.Errorf("url = %q, want %q", u, want)
	}

	got, err := os.ReadFile(filepath.Join(root, "abc", "seg_0_000.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("mirrored body = %q", got)
	}

	if err := m.Delete(context.Background(), "abc/seg_0_000.ts"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "abc", "seg_0_000.ts")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present after Delete: %v", err)
	}
	if err := m.Delete(context.Background(), "abc/seg_0_000.ts"); err != nil {
		t.Errorf("deleting twice: %v", err)
	}
}

func TestDirMirror_stays_under_root(t *testing.T) {
	root := t.TempDir()
	m := NewDirMirror(root, "")
	p, err := m.Upload(context.Background(), "../../escape.ts", "", []byte("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if want := filepath.Join(root, "escape.ts"); p != want {
		t.Errorf("path = %q, want %q", p, want)
	}
}

func TestDirMirror_disabled(t *testing.T) {
	m := NewDirMirror(" ", "")
	if m.Enabled() {
		t.Fatal("blank root should disable the mirror")
	}
	if _, err := m.Upload(context.Background(), "abc/x.ts", "", nil); err == nil {
		t.Error("Upload on a disabled mirror should fail")
	}
}
