// Package events publishes lending events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	TypeBookBorrowed = "book.borrowed"
	TypeBookReturned = "book.returned"
	TypeBookStocked  = "book.stocked"
)

// DefaultStream is the Redis stream lending events are appended to.
const DefaultStream = "library:lending-events"

// LendingEvent describes one committed change to the catalog or ledger.
type LendingEvent struct {
	Type       string    `json:"type"`
	ISBN       string    `json:"isbn"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	BorrowID   string    `json:"borrowId,omitempty"`
	Copies     int       `json:"copies,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events after the state change is committed.
type Publisher interface {
	Publish(ctx context.Context, ev LendingEvent) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, LendingEvent) error { return nil }

// Memory records events in order; used by tests.
type Memory struct {
	mu     sync.Mutex
	events []LendingEvent
}

func (m *Memory) Publish(_ context.Context, ev LendingEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []LendingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LendingEvent, len(m.events))
	copy(out, m.events)
	return out
}

// RedisStreamConfig configures RedisStreamPublisher.
type RedisStreamConfig struct {
	Stream string
	MaxLen int64
}

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamPublisher builds a publisher on an existing client.
func NewRedisStreamPublisher(client redis.UniversalClient, cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, errors.New("events: redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish XADDs the event with approximate trimming.
func (p *RedisStreamPublisher) Publish(ctx context.Context, ev LendingEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    ev.Type,
			"isbn":    ev.ISBN,
			"payload": string(payload),
		},
	}).Err()
}
