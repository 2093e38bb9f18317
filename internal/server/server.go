package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"capturedeck/internal/auth"
	"capturedeck/internal/capture"
	"capturedeck/internal/config"
	"capturedeck/internal/database"
	"capturedeck/internal/upload"
)

type FiberServer struct {
	*fiber.App

	cfg *config.Config
	db  database.Service

	coordinator *capture.Coordinator
	hub         *capture.WebSocketHub
	handler     *capture.Handler
	authHandler *auth.Handler
}

// New wires the full application: database, session store, websocket hub,
// transcoder supervisor, device guard, upload dispatcher and coordinator.
func New(cfg *config.Config) (*FiberServer, error) {
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, err
	}

	supervisor := capture.NewFFmpegSupervisor()
	if err := supervisor.CheckAvailable(); err != nil {
		db.Close()
		return nil, err
	}

	dispatcher, err := upload.New(cfg.Upload)
	if err != nil {
		db.Close()
		return nil, err
	}

	sessions := capture.NewSessionService(db.GetDatabase())
	hub := capture.NewWebSocketHub()
	guard := capture.NewDeviceGuard(cfg.Capture.GuardBackoff)

	coordinator, err := capture.NewCoordinator(cfg.Capture, supervisor, guard, sessions, dispatcher, hub)
	if err != nil {
		db.Close()
		return nil, err
	}

	var authHandler *auth.Handler
	if cfg.Auth.OperatorPassword != "" {
		authHandler, err = auth.NewHandler(cfg.Auth)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "capturedeck",
		AppName:      "capturedeck",
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})

	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	return &FiberServer{
		App:         app,
		cfg:         cfg,
		db:          db,
		coordinator: coordinator,
		hub:         hub,
		handler:     capture.NewHandler(coordinator, sessions, cfg.Capture.PreviewPath),
		authHandler: authHandler,
	}, nil
}

func (s *FiberServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

func (s *FiberServer) Close() error {
	return s.db.Close()
}
