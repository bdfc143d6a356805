package server

import (
	"blockverse/internal/featureflags"
	"blockverse/internal/models"
	"blockverse/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// UpgradeRequired rejects plain HTTP requests to the stream endpoint.
func (s *Server) UpgradeRequired() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !s.featureFlags.Enabled(featureflags.UIStream, "") {
			return models.RespondWithError(c, fiber.StatusNotFound, models.NewNotFoundError("feature", featureflags.UIStream))
		}
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}
}

// StreamHandler serves the UI change stream. The first frame is the current
// session snapshot; feed and session changes follow as they happen.
func (s *Server) StreamHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		client, ok := s.hub.register(conn)
		if !ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":"stream connection limit reached"}`))
			_ = conn.Close()
			return
		}
		observability.GlobalLogger.Debug("stream client connected")

		s.hub.deliver(client, mustJSON(StreamMessage{Type: "session", Data: s.session.Snapshot()}))
		s.hub.serve(client)
	})
}
