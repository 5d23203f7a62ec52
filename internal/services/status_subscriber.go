package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/queue"
)

// StatusHub fans status events out to the websocket clients of one process.
// Each client only sees events of its own organisation.
type StatusHub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	orgID string
	send  chan queue.StatusEvent
}

func NewStatusHub() *StatusHub {
	return &StatusHub{clients: make(map[*hubClient]struct{})}
}

// Register adds a client. The returned cancel func removes it and closes the
// channel; it is safe to call more than once.
func (h *StatusHub) Register(orgID string, buffer int) (<-chan queue.StatusEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	c := &hubClient{orgID: orgID, send: make(chan queue.StatusEvent, buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return c.send, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			close(c.send)
		})
	}
}

// Broadcast never blocks: a client whose buffer is full misses the event.
func (h *StatusHub) Broadcast(event queue.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.orgID != event.OrganisationID {
			continue
		}
		select {
		case c.send <- event:
		default:
			zap.L().Debug("dropping status event for slow client", zap.String("media_id", event.MediaID))
		}
	}
}

func (h *StatusHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StatusSubscriber feeds the hub from the event bus, resubscribing after
// errors until its context ends.
type StatusSubscriber struct {
	bus   queue.EventBus
	hub   *StatusHub
	retry time.Duration
}

func NewStatusSubscriber(bus queue.EventBus, hub *StatusHub) *StatusSubscriber {
	return &StatusSubscriber{bus: bus, hub: hub, retry: time.Second}
}

func (s *StatusSubscriber) Run(ctx context.Context) error {
	for {
		err := s.bus.Subscribe(ctx, s.hub.Broadcast)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			zap.L().Error("status subscription failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.retry):
		}
	}
}
