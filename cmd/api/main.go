package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"capturedeck/internal/config"
	"capturedeck/internal/server"
)

func gracefulShutdown(fiberServer *server.FiberServer, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")
	stop() // Allow Ctrl+C to force shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fiberServer.ShutdownWithContext(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}
	if err := fiberServer.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exiting")
	done <- true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Server starting on %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Capture device: %s", cfg.Capture.DevicePath)
	log.Printf("Recording storage path: %s", cfg.Capture.StoragePath)
	log.Printf("Upload backend: %s", cfg.Upload.Backend)

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	srv.RegisterFiberRoutes()

	done := make(chan bool, 1)

	go func() {
		if err := srv.Listen(srv.Addr()); err != nil {
			log.Fatalf("http server error: %v", err)
		}
	}()

	go gracefulShutdown(srv, done)

	<-done
	log.Println("Graceful shutdown complete.")
}
