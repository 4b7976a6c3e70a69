package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/GZXiaoBai/SyncCinema/internal/config"
	"github.com/GZXiaoBai/SyncCinema/internal/mesh"
	"github.com/GZXiaoBai/SyncCinema/internal/relay"
	"github.com/GZXiaoBai/SyncCinema/internal/rooms"
)

func main() {
	c := config.Get()
	registry := rooms.NewRegistry()

	switch c.Mode {
	case config.ModeRelay:
		runRelay(c, registry)
	case config.ModeMeshHost:
		runMeshHost(c, registry)
	default:
		log.Fatalf("unknown mode %q", c.Mode)
	}
}

func runRelay(c *config.Config, registry *rooms.Registry) {
	server := relay.NewServer(registry, c.MaxWorkers)

	go func() {
		if err := server.Start(c.Port); err != nil {
			log.Fatal(err)
		}
	}()

	waitForSignal()
	log.Info("shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("shutdown failed: %v", err)
	}
	log.Info("relay stopped")
}

func runMeshHost(c *config.Config, registry *rooms.Registry) {
	host := mesh.NewHost(registry, c.DisplayName)

	go func() {
		if err := host.Start(c.Port); err != nil {
			log.Fatal(err)
		}
	}()

	// OpenRoom is a local engine call and does not need the listener.
	roomID, err := host.OpenRoom()
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("room %s open, waiting for guests", roomID)

	waitForSignal()
	log.Info("closing room...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := host.Close(ctx); err != nil {
		log.Errorf("close failed: %v", err)
	}
	log.Info("room closed")
}

func waitForSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
