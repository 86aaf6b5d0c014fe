package transcode

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// StreamKey correlates an RTMP ingest session with its transcode job. It is
// unique per broadcaster and doubles as the output directory name.
type StreamKey string

var streamKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Validate rejects empty keys and keys that are unsafe as a path element.
func (k StreamKey) Validate() error {
	if k == "" {
		return ErrEmptyStreamKey
	}
	if !streamKeyPattern.MatchString(string(k)) {
		return fmt.Errorf("%w: %q", ErrInvalidStreamKey, string(k))
	}
	return nil
}

// JobState is the lifecycle state of a TranscodeJob.
type JobState string

const (
	StateStarting JobState = "Starting"
	StateRunning  JobState = "Running"
	StateStopping JobState = "Stopping"
	StateStopped  JobState = "Stopped"
	StateFailed   JobState = "Failed"
)

// Active reports whether the state owns (or is about to own) an encoder.
func (s JobState) Active() bool {
	return s == StateStarting || s == StateRunning
}

// Terminal reports whether no further encoder activity can happen.
func (s JobState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Status is the read-only view of a job returned by the supervisor.
type Status struct {
	StreamKey    StreamKey  `json:"streamKey"`
	JobID        string     `json:"jobId"`
	State        JobState   `json:"state"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Restarts     int        `json:"restarts"`
	Reason       string     `json:"reason,omitempty"`
	OutputDir    string     `json:"outputDir,omitempty"`
	PlaybackPath string     `json:"playbackPath,omitempty"`
	PlaybackURL  string     `json:"playbackUrl,omitempty"`
	CPUPercent   *float64   `json:"cpuPercent,omitempty"`
	RSSBytes     *uint64    `json:"rssBytes,omitempty"`
}

var (
	// ErrEmptyStreamKey is returned when an operation is given an empty key.
	ErrEmptyStreamKey = errors.New("stream key is required")

	// ErrInvalidStreamKey is returned for keys containing characters outside
	// [A-Za-z0-9_-] or longer than 128 bytes.
	ErrInvalidStreamKey = errors.New("invalid stream key")

	// ErrNoProfiles is returned when a job would be started with an empty
	// catalog. It is a configuration error.
	ErrNoProfiles = errors.New("no rendition profiles configured")

	// ErrSpawnFailed classifies every failure to launch the encoder.
	ErrSpawnFailed = errors.New("encoder spawn failed")

	// ErrInvalidTransition is returned when a job is asked to move between
	// states the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobNotFound is returned by status lookups for unknown keys.
	ErrJobNotFound = errors.New("job not found")
)

// SpawnError wraps the reason an encoder could not be started: a missing
// binary, an unwritable output directory, or a failed exec.
type SpawnError struct {
	StreamKey StreamKey
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn encoder for %s: %v", e.StreamKey, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSpawnFailed) hold for every SpawnError.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }
