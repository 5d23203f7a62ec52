package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

const StatusChannel = "media_status"

// StatusEvent announces a processing state change of a media item.
type StatusEvent struct {
	MediaID        string                  `json:"media_id"`
	SurveyID       string                  `json:"survey_id"`
	OrganisationID string                  `json:"organisation_id"`
	Kind           models.MediaKind        `json:"kind"`
	Status         models.ProcessingStatus `json:"processing_status"`
	Error          string                  `json:"processing_error,omitempty"`
	NeedsReview    bool                    `json:"needs_review"`
	DetectionCount int                     `json:"detection_count"`
	At             time.Time               `json:"at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}

type EventBus interface {
	EventPublisher
	// Subscribe delivers events to fn until ctx is cancelled.
	Subscribe(ctx context.Context, fn func(StatusEvent)) error
}

// RedisEvents fans status events out across processes over pub/sub.
type RedisEvents struct {
	rdb     *redis.Client
	channel string
}

func NewRedisEvents(rdb *redis.Client) *RedisEvents {
	return &RedisEvents{rdb: rdb, channel: StatusChannel}
}

func (e *RedisEvents) Publish(ctx context.Context, event StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return eris.Wrap(err, "events: marshal")
	}
	if err := e.rdb.Publish(ctx, e.channel, payload).Err(); err != nil {
		return eris.Wrap(err, "events: publish")
	}
	return nil
}

func (e *RedisEvents) Subscribe(ctx context.Context, fn func(StatusEvent)) error {
	pubsub := e.rdb.Subscribe(ctx, e.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return eris.Wrap(err, "events: subscribe")
	}
	zap.L().Info("status subscriber listening", zap.String("channel", e.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				zap.L().Warn("discarding malformed status event", zap.Error(err))
				continue
			}
			fn(event)
		}
	}
}

// MemoryEvents delivers events to subscribers in this process.
type MemoryEvents struct {
	mu   sync.RWMutex
	subs map[int]chan StatusEvent
	next int
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{subs: make(map[int]chan StatusEvent)}
}

// Publish never blocks; slow subscribers lose events.
func (e *MemoryEvents) Publish(ctx context.Context, event StatusEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (e *MemoryEvents) Subscribe(ctx context.Context, fn func(StatusEvent)) error {
	ch := make(chan StatusEvent, 64)
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-ch:
			fn(event)
		}
	}
}
