package server

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"capturedeck/internal/auth"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Get("/health", s.healthHandler)
	s.App.Get("/preview.jpg", s.handler.GetPreviewStill)

	// Protected command routes. When no operator password is configured the
	// appliance runs open, which is fine on a trusted LAN.
	api := s.App.Group("/api")
	if s.authHandler != nil {
		s.App.Post("/auth/login", s.authHandler.Login)
		api.Use(auth.Middleware(s.authHandler.JWTService()))
	} else {
		log.Printf("Server: OPERATOR_PASSWORD not set, command routes are unauthenticated")
	}

	api.Post("/preview/start", s.handler.StartPreview)
	api.Post("/preview/stop", s.handler.StopPreview)
	api.Post("/capture/start", s.handler.StartCapture)
	api.Post("/capture/stop", s.handler.StopCapture)
	api.Get("/state", s.handler.GetState)
	api.Get("/sessions", s.handler.ListSessions)
	api.Get("/sessions/:id", s.handler.GetSession)
	api.Patch("/sessions/:id/notes", s.handler.UpdateNotes)

	// WebSocket route for push notifications
	go s.hub.Run()
	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.hub.ServeWS))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.db.Health())
}
