// Package events is the best-effort lifecycle event stream consumed by the
// monitoring layer. Delivery is not part of the correctness contract: slow
// subscribers lose events rather than stalling dispatch.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type discriminates lifecycle events.
type Type string

const (
	TypeJobTransition Type = "job_transition"
	TypePoolChange    Type = "pool_change"
	TypeAccountHealth Type = "account_health"
)

// Event is one lifecycle event. Only the fields relevant to its Type are set.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	// Job transitions
	JobID     string `json:"job_id,omitempty"`
	JobStatus string `json:"job_status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`

	// Account health changes; AccountID is also set on job transitions once
	// the job is bound.
	AccountID     string `json:"account_id,omitempty"`
	Health        int    `json:"health,omitempty"`
	AccountStatus string `json:"account_status,omitempty"`

	// Pool partition changes
	PoolSize int `json:"pool_size,omitempty"`
	PoolIdle int `json:"pool_idle,omitempty"`
}

// Bus fans events out to in-process subscribers and, when configured,
// publishes them to a Redis channel for the dashboard.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int

	redis   *redis.Client // may be nil
	channel string
	log     *slog.Logger
}

// New creates a bus. rdb may be nil to disable the Redis leg.
func New(rdb *redis.Client, channel string, log *slog.Logger) *Bus {
	if channel == "" {
		channel = "pubplane.events"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		redis:   rdb,
		channel: channel,
		log:     log,
	}
}

// Subscribe returns a buffered event channel and a cancel function. Events
// are dropped, not queued, once the buffer is full.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber lagging; best effort, drop.
		}
	}
	b.mu.Unlock()

	if b.redis != nil {
		go b.publishRedis(e)
	}
}

func (b *Bus) publishRedis(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Debug("redis event publish failed", "err", err)
	}
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
