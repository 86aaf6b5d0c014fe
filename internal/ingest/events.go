package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"abr-transcoder/internal/transcode"
)

// EventType is the kind of ingest signal published by the RTMP server.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
)

// Event is one ingest signal. Wire form:
//
//	{"event":"started","streamKey":"abc123"}
type Event struct {
	Type      EventType           `json:"event"`
	StreamKey transcode.StreamKey `json:"streamKey"`
}

// ErrUnknownEvent is returned for payloads whose event type is not recognised.
var ErrUnknownEvent = errors.New("unknown ingest event")

// ParseEvent decodes and validates a payload.
func ParseEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode ingest event: %w", err)
	}
	switch ev.Type {
	case EventStarted, EventStopped:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if ev.StreamKey == "" {
		return Event{}, transcode.ErrEmptyStreamKey
	}
	return ev, nil
}
