package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// LogSink writes notifications to a structured log
type LogSink struct {
	Logger zerolog.Logger
}

// Deliver logs n
func (s LogSink) Deliver(_ context.Context, identity string, n Notification) error {
	s.Logger.Info().
		Str("identity", identity).
		Str("kind", n.Kind).
		Str("document_id", n.DocumentID).
		Str("request_id", n.RequestID).
		Str("status", n.Status).
		Msg(n.Message)
	return nil
}

// RedisSink publishes notifications as JSON on "<Prefix>:<identity>"
type RedisSink struct {
	Client *redis.Client
	Prefix string
}

// NewRedisSink connects a sink to the server at addr
func NewRedisSink(addr, prefix string) *RedisSink {
	return &RedisSink{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: prefix,
	}
}

// Channel returns the channel name for identity
func (s *RedisSink) Channel(identity string) string {
	return s.Prefix + ":" + identity
}

// Deliver publishes n
func (s *RedisSink) Deliver(ctx context.Context, identity string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.Client.Publish(ctx, s.Channel(identity), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close closes the redis client
func (s *RedisSink) Close() error {
	return s.Client.Close()
}

// Recorder keeps delivered notifications in memory
type Recorder struct {
	mu        sync.Mutex
	delivered []Recorded
}

// Recorded is one delivered notification
type Recorded struct {
	Identity     string
	Notification Notification
}

// Notify records n synchronously
func (r *Recorder) Notify(identity string, n Notification) {
	r.mu.Lock()
	r.delivered = append(r.delivered, Recorded{Identity: identity, Notification: n})
	r.mu.Unlock()
}

// Deliver records n
func (r *Recorder) Deliver(_ context.Context, identity string, n Notification) error {
	r.Notify(identity, n)
	return nil
}

// For returns the notifications delivered to identity
func (r *Recorder) For(identity string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, d := range r.delivered {
		if d.Identity == identity {
			out = append(out, d.Notification)
		}
	}
	return out
}

// Len returns the number of recorded notifications
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}
