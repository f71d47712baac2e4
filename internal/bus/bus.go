// Package bus is the broadcast channel between the orchestration core and
// every connected front-end (HTTP event feed, chat adapters, control CLI).
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event names emitted by the orchestration core.
const (
	EventOrcState        = "orc_state"
	EventAgentStatus     = "agent_status"
	EventOrchestrateDone = "orchestrate_done"
	EventNewMessage      = "new_message"
)

// Event is one broadcast unit. Payload is event-specific JSON-marshalable data.
type Event struct {
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to in-process subscribers and, when backed by Redis,
// mirrors them to a stream so external processes can tail them.
type Bus struct {
	rdb    *redis.Client
	subs   map[int]chan Event
	nextID int
	mu     sync.Mutex
	logger *zap.Logger
}

const eventStream = "overmind:events"

// New creates a process-local bus. redisURL may be empty; events are then
// visible to in-process subscribers only.
func New(redisURL string, logger *zap.Logger) (*Bus, error) {
	b := &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		b.rdb = rdb
	}
	return b, nil
}

// Broadcast delivers an event to all subscribers. Fire-and-forget: slow
// subscribers drop events rather than blocking the orchestration core.
func (b *Bus) Broadcast(name string, payload any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.rdb != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warn("event marshal failed", zap.String("event", name), zap.Error(err))
			return
		}
		if err := b.rdb.XAdd(context.Background(), &redis.XAddArgs{
			Stream: eventStream,
			MaxLen: 1024,
			Approx: true,
			Values: map[string]interface{}{"data": string(data)},
		}).Err(); err != nil {
			b.logger.Warn("event stream publish failed", zap.String("event", name), zap.Error(err))
		}
	}

	b.logger.Debug("broadcast", zap.String("event", name))
}

// Subscribe registers a buffered event channel. Call the returned cancel
// function to unsubscribe and close the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Tail reads events from the Redis stream, emitting them on the returned
// channel until the context is cancelled. Used by omctl and other external
// observers; requires a Redis-backed bus.
func (b *Bus) Tail(ctx context.Context) (<-chan Event, error) {
	if b.rdb == nil {
		return nil, fmt.Errorf("bus has no redis backend")
	}
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close shuts down the Redis connection, if any.
func (b *Bus) Close() error {
	if b.rdb != nil {
		return b.rdb.Close()
	}
	return nil
}
