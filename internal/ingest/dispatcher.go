package ingest

import (
	"context"
	"log/slog"
	"sync"

	"abr-transcoder/internal/transcode"
)

// Handler receives ingest signals. *transcode.Supervisor implements it.
type Handler interface {
	OnIngestStarted(ctx context.Context, key transcode.StreamKey) error
	OnIngestStopped(ctx context.Context, key transcode.StreamKey) error
}

// Dispatcher applies events in arrival order per stream key. Each key with
// queued events has one worker, so a slow stop never delays other keys.
type Dispatcher struct {
	handler Handler
	log     *slog.Logger

	mu      sync.Mutex
	queues  map[transcode.StreamKey][]Event
	workers sync.WaitGroup
}

// NewDispatcher returns a Dispatcher that applies events to h.
func NewDispatcher(h Handler, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handler: h,
		log:     log,
		queues:  make(map[transcode.StreamKey][]Event),
	}
}

// Dispatch queues ev and returns without waiting for it to be applied.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, busy := d.queues[ev.StreamKey]
	d.queues[ev.StreamKey] = append(q, ev)
	if busy {
		return
	}
	d.workers.Add(1)
	go d.drain(ctx, ev.StreamKey)
}

// Wait blocks until every queued event has been applied.
func (d *Dispatcher) Wait() {
	d.workers.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, key transcode.StreamKey) {
	defer d.workers.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		ev := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.apply(ctx, ev)
	}
}

func (d *Dispatcher) apply(ctx context.Context, ev Event) {
	var err error
	switch ev.Type {
	case EventStarted:
		err = d.handler.OnIngestStarted(ctx, ev.StreamKey)
	case EventStopped:
		err = d.handler.OnIngestStopped(ctx, ev.StreamKey)
	}
	if err != nil {
		d.log.Error("ingest event failed",
			slog.String("event", string(ev.Type)),
			slog.String("stream_key", string(ev.StreamKey)),
			slog.String("error", err.Error()))
		return
	}
	d.log.Info("ingest event applied",
		slog.String("event", string(ev.Type)),
		slog.String("stream_key", string(ev.StreamKey)))
}
