package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"wildlife-backend/internal/services"
	"wildlife-backend/internal/tenant"
)

const wsBuffer = 32

// StatusStream pushes processing status events of the caller's organisation
// to a websocket client.
type StatusStream struct {
	hub *services.StatusHub
}

func NewStatusStream(hub *services.StatusHub) *StatusStream {
	return &StatusStream{hub: hub}
}

// Upgrade rejects plain HTTP requests and hands the organisation to the
// websocket connection.
func (s *StatusStream) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	org, ok := tenant.FromContext(c.UserContext())
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Organisation not resolved"})
	}
	c.Locals("organisation", org)
	return c.Next()
}

func (s *StatusStream) Handle(conn *websocket.Conn) {
	org, ok := conn.Locals("organisation").(tenant.Organisation)
	if !ok {
		_ = conn.Close()
		return
	}
	events, cancel := s.hub.Register(org.ID.String(), wsBuffer)
	defer cancel()

	// The client never sends anything we use; reading detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				zap.L().Debug("websocket write failed", zap.String("organisation", org.Slug), zap.Error(err))
				return
			}
		}
	}
}
