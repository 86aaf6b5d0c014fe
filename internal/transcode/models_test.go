package transcode

import (
	"errors"
	"strings"
	"testing"
)

func TestStreamKey_Validate(t *testing.T) {
	valid := []StreamKey{"abc123", "A-b_C", StreamKey(strings.Repeat("k", 128))}
	for _, k := range valid {
		if err := k.Validate(); err != nil {
			t.Errorf("%q: unexpected error %v", k, err)
		}
	}

	if err := StreamKey("").Validate(); !errors.Is(err, ErrEmptyStreamKey) {
		t.Errorf("expected ErrEmptyStreamKey, got %v", err)
	}
	invalid := []StreamKey{"../etc", "a/b", "a b", "key.m3u8", StreamKey(strings.Repeat("k", 129))}
	for _, k := range invalid {
		if err := k.Validate(); !errors.Is(err, ErrInvalidStreamKey) {
			t.Errorf("%q: expected ErrInvalidStreamKey, got %v", k, err)
		}
	}
}

func TestJobState_Active(t *testing.T) {
	if !StateStarting.Active() || !StateRunning.Active() {
		t.Error("Starting and Running are active")
	}
	if StateStopping.Active() || StateStopped.Active() || StateFailed.Active() {
		t.Error("Stopping, Stopped and Failed are not active")
	}
	if !StateStopped.Terminal() || !StateFailed.Terminal() || StateStopping.Terminal() {
		t.Error("unexpected Terminal result")
	}
}

func TestSpawnError_Is(t *testing.T) {
	cause := errors.New("exec: not found")
	err := error(&SpawnError{StreamKey: "k", Err: cause})
	if !errors.Is(err, ErrSpawnFailed) || !errors.Is(err, cause) {
		t.Error("SpawnError must match ErrSpawnFailed and its cause")
	}
	if !strings.Contains(err.Error(), "k") {
		t.Errorf("error should name the key: %v", err)
	}
}
