package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when Config.Channel is empty.
const DefaultChannel = "ingest:events"

// Config points the subscriber at the Redis channel the RTMP server
// publishes ingest events on.
type Config struct {
	Addr        string
	Password    string
	Channel     string
	DialTimeout time.Duration
}

// Subscriber turns Redis pub/sub messages into supervisor calls.
type Subscriber struct {
	client     *redis.Client
	channel    string
	dispatcher *Dispatcher
	log        *slog.Logger
}

// NewSubscriber creates the Redis client. It does not connect until Run.
func NewSubscriber(cfg Config, h Handler, log *slog.Logger) (*Subscriber, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  2,
	})
	return &Subscriber{
		client:     client,
		channel:    channel,
		dispatcher: NewDispatcher(h, log),
		log:        log.With(slog.String("channel", channel)),
	}, nil
}

// Run subscribes and dispatches events until ctx is done. It returns after
// every dispatched event has been applied.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()
	defer s.dispatcher.Wait()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.log.Info("listening for ingest events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("ingest subscription closed")
			}
			ev, err := ParseEvent([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("dropping ingest message", slog.String("error", err.Error()))
				continue
			}
			s.dispatcher.Dispatch(ctx, ev)
		}
	}
}

// Close releases the Redis connection pool.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
